package source

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCacheKey(t *testing.T) {
	s := NewFileSource(File{URL: "https://example.com/path/to/file.zip"})
	key, err := CacheKey(s)
	require.NoError(t, err)
	assert.Equal(t, "files/https/example.com/path/to/file.zip", key)
}

func TestFileCacheKeyWithQueryAndFragment(t *testing.T) {
	s := NewFileSource(File{URL: "https://example.com/file.bin?token=abc#frag"})
	key, err := CacheKey(s)
	require.NoError(t, err)
	assert.Equal(t, "files/https/example.com/file.bin?token=abc#frag", key)
}

func TestFileCacheKeyRejectsMissingHost(t *testing.T) {
	s := NewFileSource(File{URL: "/just/a/path"})
	_, err := CacheKey(s)
	assert.Error(t, err)
}

func TestImageCacheKeyTaggedNoDigest(t *testing.T) {
	s := NewImageSource(Image{Registry: "ghcr.io", Name: "org/app", Tag: "1.2.3"})
	key, err := CacheKey(s)
	require.NoError(t, err)
	assert.Equal(t, "images/ghcr.io/org/app:1.2.3", key)
}

func TestImageCacheKeyWithDigest(t *testing.T) {
	s := NewImageSource(Image{
		Registry: "docker.io",
		Name:     "library/alpine",
		Tag:      "latest",
		Digest:   "sha256:abcdef0123456789",
	})
	key, err := CacheKey(s)
	require.NoError(t, err)
	assert.Equal(t, "images/docker.io/library/alpine:latest@sha256_abcdef0123456789", key)
}

func TestSourceIdentifierFile(t *testing.T) {
	s := NewFileSource(File{URL: "https://example.com/a.zim"})
	assert.Equal(t, "https://example.com/a.zim", s.Identifier())
}

func TestSourceIdentifierImage(t *testing.T) {
	s := NewImageSource(Image{Registry: "ghcr.io", Name: "org/app", Tag: "1.0"})
	assert.Equal(t, "ghcr.io/org/app:1.0", s.Identifier())
}

func TestParseImageIdentDefaultsToLatest(t *testing.T) {
	img, err := ParseImageIdent("alpine")
	require.NoError(t, err)
	assert.Equal(t, "docker.io", img.Registry)
	assert.Equal(t, "library/alpine", img.Name)
	assert.Equal(t, "latest", img.Tag)
	assert.Empty(t, img.Digest)
}

func TestParseImageIdentExplicitTag(t *testing.T) {
	img, err := ParseImageIdent("ghcr.io/org/app:1.2.3")
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io", img.Registry)
	assert.Equal(t, "org/app", img.Name)
	assert.Equal(t, "1.2.3", img.Tag)
}

func TestParseImageIdentDigest(t *testing.T) {
	img, err := ParseImageIdent("org/app@sha256:" + fakeHex64())
	require.NoError(t, err)
	assert.Equal(t, "org/app", img.Name)
	assert.Empty(t, img.Tag)
	assert.Contains(t, img.Digest, "sha256:")
}

func TestParseImageIdentInvalid(t *testing.T) {
	_, err := ParseImageIdent("THIS IS NOT A REF")
	assert.Error(t, err)
}

func fakeHex64() string {
	b := make([]byte, 64)
	for i := range b {
		b[i] = "0123456789abcdef"[i%16]
	}
	return string(b)
}
