package ociexport

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutTagSanitizesDigest(t *testing.T) {
	assert.Equal(t, "sha256_deadbeef", layoutTag("sha256:deadbeef"))
	assert.Equal(t, "plain", layoutTag("plain"))
}

func TestTarDirectoryArchivesFilesAndSymlinks(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc", "hostname"), []byte("box\n"), 0o644))
	require.NoError(t, os.Symlink("hostname", filepath.Join(root, "etc", "hostname-link")))

	destTar := filepath.Join(t.TempDir(), "out.tar")
	require.NoError(t, tarDirectory(root, destTar))

	f, err := os.Open(destTar)
	require.NoError(t, err)
	defer f.Close()

	tr := tar.NewReader(f)
	seen := map[string]*tar.Header{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		seen[hdr.Name] = hdr
		if hdr.Typeflag == tar.TypeReg {
			data, err := io.ReadAll(tr)
			require.NoError(t, err)
			assert.Equal(t, "box\n", string(data))
		}
	}

	require.Contains(t, seen, "etc")
	require.Contains(t, seen, "etc/hostname")
	require.Contains(t, seen, "etc/hostname-link")
	assert.Equal(t, byte(tar.TypeSymlink), seen["etc/hostname-link"].Typeflag)
	assert.Equal(t, "hostname", seen["etc/hostname-link"].Linkname)
	assert.NotContains(t, seen, ".")
}
