package appctx

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offspot/image-creator/internal/pipeline"
)

func TestNewWiresCollaborators(t *testing.T) {
	layoutDir := filepath.Join(t.TempDir(), "oci-layout")
	opts := pipeline.Options{OutputPath: "/tmp/out.img", Debug: true}

	ac, err := New(opts, layoutDir)
	require.NoError(t, err)

	assert.NotNil(t, ac.Log)
	assert.NotNil(t, ac.Reporter)
	assert.NotNil(t, ac.HTTPClient)
	assert.NotNil(t, ac.BlockDev)
	assert.NotNil(t, ac.OCI)
	assert.Equal(t, opts, ac.Opts)

	_, err = os.Stat(layoutDir)
	assert.NoError(t, err)
}

func TestNewFailsWhenLayoutDirCannotBeCreated(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := New(pipeline.Options{}, filepath.Join(blocker, "layout"))
	assert.Error(t, err)
}

func TestNewPayloadSeedsFromContext(t *testing.T) {
	layoutDir := filepath.Join(t.TempDir(), "oci-layout")
	opts := pipeline.Options{OutputPath: "/tmp/out.img"}

	ac, err := New(opts, layoutDir)
	require.NoError(t, err)

	p := ac.NewPayload(context.Background())
	assert.Equal(t, ac.Opts, p.Opts)
	assert.Same(t, ac.Log, p.Log)
	assert.Same(t, ac.Reporter, p.Reporter)
	assert.Same(t, ac.HTTPClient, p.HTTPClient)
	assert.Same(t, ac.BlockDev, p.BlockDev)
	assert.Same(t, ac.OCI, p.OCI)
	assert.Equal(t, "/tmp/out.img", p.OutputPath)
}
