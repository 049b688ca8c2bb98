package delta

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridctl/fleetbuild/pkg/metadata"
)

func TestPickDeltas(t *testing.T) {
	img := func(svc int64, loc, hash string) metadata.ReleaseImage {
		return metadata.ReleaseImage{ServiceID: svc, ImageLocation: loc, ContentHash: hash}
	}

	tests := []struct {
		name     string
		old, new []metadata.ReleaseImage
		want     []Job
	}{
		{
			name: "hash match despite location change is a retag",
			old:  []metadata.ReleaseImage{img(1, "a", "h1"), img(2, "b", "h2")},
			new:  []metadata.ReleaseImage{img(1, "a2", "h1"), img(2, "b2", "h3")},
			want: []Job{{ServiceID: 2, Src: "b", Dest: "b2"}},
		},
		{
			name: "new service is pulled whole",
			old:  []metadata.ReleaseImage{img(1, "a", "h1")},
			new:  []metadata.ReleaseImage{img(1, "a", "h1"), img(3, "c", "h3")},
			want: nil,
		},
		{
			name: "same location is not rebuilt",
			old:  []metadata.ReleaseImage{img(1, "a", "h1")},
			new:  []metadata.ReleaseImage{img(1, "a", "h9")},
			want: nil,
		},
		{
			name: "output follows new release order",
			old:  []metadata.ReleaseImage{img(1, "a", "h1"), img(2, "b", "h2")},
			new:  []metadata.ReleaseImage{img(2, "b2", "x2"), img(1, "a2", "x1")},
			want: []Job{{ServiceID: 2, Src: "b", Dest: "b2"}, {ServiceID: 1, Src: "a", Dest: "a2"}},
		},
		{
			name: "no previous release",
			old:  nil,
			new:  []metadata.ReleaseImage{img(1, "a", "h1")},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PickDeltas(tt.old, tt.new))
		})
	}
}

func TestDerive(t *testing.T) {
	src := "registry2.example.io/v2/0123456789abcdef0123"
	dest := "registry2.example.io/v2/fedcba9876543210"

	ref, err := Derive(src, dest)
	require.NoError(t, err)
	assert.Equal(t, "delta-0123456789abcdef", ref.Tag)
	assert.Equal(t, dest+":delta-0123456789abcdef", ref.Name)
	assert.Equal(t, "registry2.example.io_v2_fedcba9876543210_delta-0123456789abcdef", ref.LockName())

	again, err := Derive(src, dest)
	require.NoError(t, err)
	assert.Equal(t, ref.Name, again.Name)
	assert.Equal(t, ref.LockName(), again.LockName())
}

func TestDerive_ShortSourceID(t *testing.T) {
	ref, err := Derive("r/v2/abc", "r/v2/def")
	require.NoError(t, err)
	assert.Equal(t, "delta-abc", ref.Tag)
}

func TestDerive_Errors(t *testing.T) {
	tests := []struct {
		name      string
		src, dest string
		want      error
	}{
		{"missing version", "registry/abc", "registry/v2/def", ErrInvalidReference},
		{"non hex id", "registry/v2/xyz", "registry/v2/def", ErrInvalidReference},
		{"bad dest", "registry/v2/abc", "registry/v2/", ErrInvalidReference},
		{"version mismatch", "registry/v2/abc", "registry/v3/def", ErrVersionMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Derive(tt.src, tt.dest)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}
