package cachestore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathJoinsRootAndKey(t *testing.T) {
	s := New("/cache")
	assert.Equal(t, filepath.Join("/cache", "files/https/example.com/a.bin"), s.Path("files/https/example.com/a.bin"))
}

func TestWriteReadMetadataRoundtrip(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	require.NoError(t, s.EnsureRoot())

	artifact := filepath.Join(root, "files", "example.bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(artifact), 0o755))
	require.NoError(t, os.WriteFile(artifact, []byte("hello"), 0o644))

	now := time.Now().UTC().Truncate(time.Second)
	m := Metadata{
		AddedOn:    now,
		LastUsedOn: now,
		NbUsed:     3,
		Kind:       "file",
		SourceIdent: "https://example.com/example.bin",
		Digest:     "sha256:deadbeef",
	}
	if err := WriteMetadata(artifact, m); err != nil {
		t.Skipf("filesystem does not support user xattrs: %v", err)
	}

	assert.True(t, LooksLikeEntry(artifact))

	got, err := ReadMetadata(artifact)
	require.NoError(t, err)
	assert.Equal(t, m.NbUsed, got.NbUsed)
	assert.Equal(t, m.Kind, got.Kind)
	assert.Equal(t, m.SourceIdent, got.SourceIdent)
	assert.Equal(t, m.Digest, got.Digest)
	assert.True(t, got.AddedOn.Equal(now))
	assert.True(t, got.LastUsedOn.Equal(now))
	assert.True(t, got.LastCheckedOn.IsZero())
}

func TestLooksLikeEntryFalseForPlainFile(t *testing.T) {
	root := t.TempDir()
	plain := filepath.Join(root, "plain.txt")
	require.NoError(t, os.WriteFile(plain, []byte("x"), 0o644))
	assert.False(t, LooksLikeEntry(plain))
}

func TestSize(t *testing.T) {
	root := t.TempDir()
	f := filepath.Join(root, "sized.bin")
	require.NoError(t, os.WriteFile(f, []byte("0123456789"), 0o644))
	sz, err := Size(f)
	require.NoError(t, err)
	assert.Equal(t, int64(10), sz)
}

func TestWalkSkipsPolicyFileAndProbe(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	require.NoError(t, s.EnsureRoot())

	require.NoError(t, os.WriteFile(filepath.Join(root, PolicyFileName), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".xattr-probe"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "files"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "files", "a.bin"), []byte("x"), 0o644))

	var seen []string
	err := s.Walk(func(relPath, absPath string) error {
		seen = append(seen, relPath)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"files/a.bin"}, seen)
}

func TestCheckXattrSupportOrSkip(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	if err := s.CheckXattrSupport(); err != nil {
		t.Skipf("filesystem does not support user xattrs: %v", err)
	}
}
