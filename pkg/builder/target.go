package builder

import (
	"fmt"
	"strings"

	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Endpoints are the Docker hosts of the native builders. Either may be empty.
type Endpoints struct {
	Amd64 string
	Arm64 string
}

// Any reports whether at least one builder is configured.
func (e Endpoints) Any() bool {
	return e.Amd64 != "" || e.Arm64 != ""
}

// Target is the builder a single build runs on.
type Target struct {
	DockerHost string
	Emulated   bool
	Platform   v1.Platform
}

type family int

const (
	familyAmd64 family = iota
	familyArm64
)

// platformOf maps a device CPU architecture to its image platform and the
// builder family that runs it natively.
func platformOf(arch string) (v1.Platform, family, bool) {
	switch strings.ToLower(strings.TrimSpace(arch)) {
	case "aarch64":
		return v1.Platform{OS: "linux", Architecture: "arm64"}, familyArm64, true
	case "armv7hf":
		return v1.Platform{OS: "linux", Architecture: "arm", Variant: "v7"}, familyArm64, true
	case "rpi":
		return v1.Platform{OS: "linux", Architecture: "arm", Variant: "v6"}, familyArm64, true
	case "amd64":
		return v1.Platform{OS: "linux", Architecture: "amd64"}, familyAmd64, true
	case "i386", "i386-nlp":
		return v1.Platform{OS: "linux", Architecture: "386"}, familyAmd64, true
	default:
		return v1.Platform{}, 0, false
	}
}

// SelectTarget picks the builder for arch. The native builder is used when
// configured; otherwise the build is emulated on the amd64 builder, or the
// arm64 builder when amd64 is absent. forceEmulated keeps the native host but
// requests emulation.
func SelectTarget(arch string, eps Endpoints, forceEmulated bool) (Target, error) {
	platform, fam, ok := platformOf(arch)
	if !ok {
		return Target{}, fmt.Errorf("unsupported architecture %q", arch)
	}

	native := eps.Amd64
	if fam == familyArm64 {
		native = eps.Arm64
	}
	if native != "" {
		return Target{DockerHost: native, Emulated: forceEmulated, Platform: platform}, nil
	}

	fallback := eps.Amd64
	if fallback == "" {
		fallback = eps.Arm64
	}
	if fallback == "" {
		return Target{}, fmt.Errorf("no builder configured for %s", arch)
	}
	return Target{DockerHost: fallback, Emulated: true, Platform: platform}, nil
}
