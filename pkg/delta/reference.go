package delta

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// TagIDLength is how many hex characters of the source image id go into a
// delta tag. Existing registry tags use 16; two sources sharing that prefix
// map to the same delta and the collision is not detected.
const TagIDLength = 16

var (
	// ErrInvalidReference is returned for image locations that do not look
	// like <repository>/v<version>/<hex id>.
	ErrInvalidReference = errors.New("invalid image reference")
	// ErrVersionMismatch is returned when source and destination use
	// different registry layout versions.
	ErrVersionMismatch = errors.New("source and destination versions differ")
)

var imagePattern = regexp.MustCompile(`^(.+)/v([0-9]+)/([0-9a-f]+)$`)

// Image is a parsed image location.
type Image struct {
	Location string
	Registry string
	Version  *semver.Version
	ID       string
}

// ParseImage parses <registry>/v<version>/<hex id>.
func ParseImage(location string) (Image, error) {
	m := imagePattern.FindStringSubmatch(location)
	if m == nil {
		return Image{}, fmt.Errorf("%w: %q", ErrInvalidReference, location)
	}
	v, err := semver.NewVersion(m[2])
	if err != nil {
		return Image{}, fmt.Errorf("%w: %q: %v", ErrInvalidReference, location, err)
	}
	return Image{Location: location, Registry: m[1], Version: v, ID: m[3]}, nil
}

// Reference identifies one delta image.
type Reference struct {
	Src  Image
	Dest Image
	// Tag is "delta-" plus the first TagIDLength characters of the source id.
	Tag string
	// Name is the full delta image reference, dest:tag.
	Name string
}

// Derive validates src and dest and computes the delta reference. The result
// depends only on its inputs.
func Derive(src, dest string) (Reference, error) {
	s, err := ParseImage(src)
	if err != nil {
		return Reference{}, fmt.Errorf("parsing src: %w", err)
	}
	d, err := ParseImage(dest)
	if err != nil {
		return Reference{}, fmt.Errorf("parsing dest: %w", err)
	}
	if !s.Version.Equal(d.Version) {
		return Reference{}, fmt.Errorf("%w: v%s and v%s", ErrVersionMismatch, s.Version, d.Version)
	}

	id := s.ID
	if len(id) > TagIDLength {
		id = id[:TagIDLength]
	}
	tag := "delta-" + id
	return Reference{
		Src:  s,
		Dest: d,
		Tag:  tag,
		Name: dest + ":" + tag,
	}, nil
}

// LockName maps the delta reference to a file name. Requests for the same
// (src, dest) pair map to the same name.
func (r Reference) LockName() string {
	return strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '.', c == '-':
			return c
		default:
			return '_'
		}
	}, r.Name)
}
