// Package registry checks for images in the container registry and removes
// local images, both through the Docker daemon.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/errdefs"

	"github.com/gridctl/fleetbuild/pkg/dockerclient"
)

// Client inspects manifests with the service credential.
type Client struct {
	cli  dockerclient.DockerClient
	auth string
}

// New creates a Client that authenticates to registryHost with token.
func New(cli dockerclient.DockerClient, registryHost, token string) (*Client, error) {
	auth, err := registry.EncodeAuthConfig(registry.AuthConfig{
		ServerAddress: registryHost,
		RegistryToken: token,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding registry auth: %w", err)
	}
	return &Client{cli: cli, auth: auth}, nil
}

// Exists reports whether the registry has a manifest for ref. A missing
// manifest is not an error.
func (c *Client) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := c.cli.DistributionInspect(ctx, ref, c.auth)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspecting %s: %w", ref, err)
}

// Remove deletes a local image. An image that is already gone is fine.
func (c *Client) Remove(ctx context.Context, ref string) error {
	_, err := c.cli.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("removing image %s: %w", ref, err)
	}
	return nil
}

// isNotFound recognises the daemon's ways of saying a manifest is absent.
// Registries differ: some answer 404, some MANIFEST_UNKNOWN through a 500.
func isNotFound(err error) bool {
	if errdefs.IsNotFound(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "manifest unknown") || strings.Contains(msg, "not found")
}
