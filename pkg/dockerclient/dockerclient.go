// Package dockerclient narrows the Docker Engine SDK to the calls fleetbuild makes.
package dockerclient

import (
	"context"
	"fmt"
	"os"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
)

// DockerClient is the subset of *client.Client used for registry inspection,
// local image cleanup and readiness checks.
type DockerClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	DistributionInspect(ctx context.Context, imageRef, encodedRegistryAuth string) (registry.DistributionInspect, error)
	ImageRemove(ctx context.Context, imageID string, options image.RemoveOptions) ([]image.DeleteResponse, error)
	Close() error
}

//go:generate mockgen -destination=mock_dockerclient.go -package=dockerclient . DockerClient

var _ DockerClient = (*client.Client)(nil)

// New creates a client from the DOCKER_* environment with API version
// negotiation.
func New() (DockerClient, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return cli, nil
}

// Ping checks that the Docker daemon is reachable.
func Ping(ctx context.Context, cli DockerClient) error {
	if _, err := cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon not accessible: %w", err)
	}
	return nil
}

// Env returns the DOCKER_* variables New reads from the process environment,
// for handing to docker CLI subprocesses.
func Env() map[string]string {
	return EnvFrom(os.Getenv)
}

// EnvFrom is Env with an explicit lookup. Unset variables are omitted.
func EnvFrom(getenv func(string) string) map[string]string {
	env := make(map[string]string)
	for _, key := range []string{
		client.EnvOverrideHost,
		client.EnvTLSVerify,
		client.EnvOverrideCertPath,
		client.EnvOverrideAPIVersion,
	} {
		if v := getenv(key); v != "" {
			env[key] = v
		}
	}
	return env
}
