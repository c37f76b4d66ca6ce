package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offspot/image-creator/internal/buildconfig"
	"github.com/offspot/image-creator/internal/source"
)

func newSizesPayload(t *testing.T, cfg *buildconfig.Document) *Payload {
	t.Helper()
	return &Payload{
		Ctx:      context.Background(),
		Opts:     Options{OutputPath: filepath.Join(t.TempDir(), "out.img"), BuildDir: t.TempDir()},
		Config:   cfg,
		Reporter: &fakeReporter{},
	}
}

func TestComputeSizesRunSucceedsWithAutoOutputSize(t *testing.T) {
	basePath := filepath.Join(t.TempDir(), "base.img")
	require.NoError(t, os.WriteFile(basePath, make([]byte, 1000), 0o644))

	p := newSizesPayload(t, &buildconfig.Document{
		Base:   basePath,
		Output: buildconfig.Output{Size: "auto"},
	})

	step := NewComputeSizes()
	require.Equal(t, 0, step.Run(p))
	assert.Equal(t, int64(1000), p.NeededBytes)
}

func TestComputeSizesRunFailsWhenDeclaredSizeTooSmall(t *testing.T) {
	basePath := filepath.Join(t.TempDir(), "base.img")
	require.NoError(t, os.WriteFile(basePath, make([]byte, 10_000_000), 0o644))

	p := newSizesPayload(t, &buildconfig.Document{
		Base:   basePath,
		Output: buildconfig.Output{Size: "1KB"},
	})

	step := NewComputeSizes()
	assert.Equal(t, 3, step.Run(p))
}

func TestComputeSizesRunFailsWhenExceedingMaxSize(t *testing.T) {
	basePath := filepath.Join(t.TempDir(), "base.img")
	require.NoError(t, os.WriteFile(basePath, make([]byte, 1000), 0o644))

	p := newSizesPayload(t, &buildconfig.Document{
		Base:   basePath,
		Output: buildconfig.Output{Size: "2KB"},
	})
	p.Opts.MaxSize = 500

	step := NewComputeSizes()
	assert.Equal(t, 3, step.Run(p))
}

func TestCacheDestinedSizeCountsOnlyAdmittedFiles(t *testing.T) {
	p := newSizesPayload(t, &buildconfig.Document{
		Files: []buildconfig.File{
			{To: DataPartPath + "/a", URL: "https://example.com/a.bin", Size: 100},
			{To: DataPartPath + "/b", URL: "https://example.com/b.bin", Size: 200},
		},
	})
	mgr := attachCache(t, p)

	require.NoError(t, mgr.AddCandidate(source.NewFileSource(source.File{URL: "https://example.com/a.bin"})))
	require.NoError(t, mgr.ApplyCandidates())

	step := &ComputeSizes{}
	total, err := step.cacheDestinedSize(p)
	require.NoError(t, err)
	assert.Equal(t, int64(100), total, "only the admitted candidate's declared size counts")
}

func TestCacheDestinedSizeZeroWithoutCache(t *testing.T) {
	p := newSizesPayload(t, &buildconfig.Document{
		Files: []buildconfig.File{{To: DataPartPath + "/a", URL: "https://example.com/a.bin", Size: 100}},
	})

	step := &ComputeSizes{}
	total, err := step.cacheDestinedSize(p)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestCheckPhysicalSpaceDiscountsCacheDestinedFromBuildDir(t *testing.T) {
	p := newSizesPayload(t, &buildconfig.Document{})

	free, err := freeBytes(targetDirOf(p.Opts.BuildDir))
	require.NoError(t, err)

	// needed comfortably fits once cache-destined bytes are excluded from
	// build_dir's own requirement, but would not fit if double-counted.
	cacheDestined := free / 2
	needed := free - 1024
	require.NoError(t, checkPhysicalSpace(p, needed, 0, cacheDestined))
}

func TestCheckPhysicalSpaceFailsWhenVolumeTooSmall(t *testing.T) {
	p := newSizesPayload(t, &buildconfig.Document{})

	free, err := freeBytes(targetDirOf(p.Opts.BuildDir))
	require.NoError(t, err)

	err = checkPhysicalSpace(p, free*2, 0, 0)
	assert.Error(t, err)
}
