package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/offspot/image-creator/internal/cachestore"
	"github.com/offspot/image-creator/internal/policy"
	"github.com/offspot/image-creator/internal/source"
)

type fakeDigestChecker struct {
	fileDigest  string
	imageDigest string
	err         error
}

func (f *fakeDigestChecker) FileDigest(ctx context.Context, url string) (string, error) {
	return f.fileDigest, f.err
}

func (f *fakeDigestChecker) ImageDigest(ctx context.Context, ref string) (string, error) {
	return f.imageDigest, f.err
}

func newTestManager(t *testing.T, p policy.Main, checker DigestChecker) (*Manager, *cachestore.Store) {
	t.Helper()
	root := t.TempDir()
	store := cachestore.New(root)
	require.NoError(t, store.EnsureRoot())
	if err := store.CheckXattrSupport(); err != nil {
		t.Skipf("filesystem does not support user xattrs: %v", err)
	}
	mgr := NewManager(store, p, checker, time.Now())
	require.NoError(t, mgr.Walk())
	return mgr, store
}

func TestIntroduceAndGet(t *testing.T) {
	p := policy.Defaults()
	mgr, _ := newTestManager(t, p, &fakeDigestChecker{})

	srcFile := filepath.Join(t.TempDir(), "downloaded.bin")
	require.NoError(t, os.WriteFile(srcFile, []byte("payload"), 0o644))

	src := source.NewFileSource(source.File{URL: "https://example.com/a/b.bin"})
	ok, err := mgr.Introduce(src, srcFile, "sha256:digest")
	require.NoError(t, err)
	assert.True(t, ok)

	e, err := mgr.Get(src)
	require.NoError(t, err)
	assert.Equal(t, "sha256:digest", e.Digest)
	assert.Equal(t, int64(len("payload")), e.SizeBytes)
	assert.Equal(t, 1, e.NbUsed)
}

func TestInCacheMissing(t *testing.T) {
	p := policy.Defaults()
	mgr, _ := newTestManager(t, p, &fakeDigestChecker{})

	src := source.NewFileSource(source.File{URL: "https://example.com/missing.bin"})
	present, err := mgr.InCache(context.Background(), src, false)
	require.NoError(t, err)
	assert.False(t, present)
}

func TestInCacheOutdacyEvictsOnDigestMismatch(t *testing.T) {
	p := policy.Defaults()
	checker := &fakeDigestChecker{fileDigest: "sha256:new"}
	mgr, _ := newTestManager(t, p, checker)

	srcFile := filepath.Join(t.TempDir(), "downloaded.bin")
	require.NoError(t, os.WriteFile(srcFile, []byte("payload"), 0o644))
	src := source.NewFileSource(source.File{URL: "https://example.com/a.bin"})
	_, err := mgr.Introduce(src, srcFile, "sha256:old")
	require.NoError(t, err)

	present, err := mgr.InCache(context.Background(), src, true)
	require.NoError(t, err)
	assert.False(t, present)

	_, err = mgr.Get(src)
	assert.ErrorIs(t, err, ErrNotPresent)
}

func TestInCacheOutdacyKeepsOnDigestMatch(t *testing.T) {
	p := policy.Defaults()
	checker := &fakeDigestChecker{fileDigest: "sha256:same"}
	mgr, _ := newTestManager(t, p, checker)

	srcFile := filepath.Join(t.TempDir(), "downloaded.bin")
	require.NoError(t, os.WriteFile(srcFile, []byte("payload"), 0o644))
	src := source.NewFileSource(source.File{URL: "https://example.com/a.bin"})
	_, err := mgr.Introduce(src, srcFile, "sha256:same")
	require.NoError(t, err)

	present, err := mgr.InCache(context.Background(), src, true)
	require.NoError(t, err)
	assert.True(t, present)
}

func TestInCacheTransientDigestFailureTreatedAsNotOutdated(t *testing.T) {
	p := policy.Defaults()
	checker := &fakeDigestChecker{err: assert.AnError}
	mgr, _ := newTestManager(t, p, checker)

	srcFile := filepath.Join(t.TempDir(), "downloaded.bin")
	require.NoError(t, os.WriteFile(srcFile, []byte("payload"), 0o644))
	src := source.NewFileSource(source.File{URL: "https://example.com/a.bin"})
	_, err := mgr.Introduce(src, srcFile, "sha256:whatever")
	require.NoError(t, err)

	present, err := mgr.InCache(context.Background(), src, true)
	require.NoError(t, err)
	assert.True(t, present)
}

func TestAddCandidateNoopWhenPolicyDisabled(t *testing.T) {
	disabled := false
	p := policy.Main{Enabled: &disabled}
	mgr, _ := newTestManager(t, p, &fakeDigestChecker{})

	src := source.NewFileSource(source.File{URL: "https://example.com/a.bin"})
	require.NoError(t, mgr.AddCandidate(src))

	ok, err := mgr.ShouldCache(src)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShouldCacheSurvivesAdmission(t *testing.T) {
	p := policy.Defaults()
	mgr, _ := newTestManager(t, p, &fakeDigestChecker{})

	src := source.NewFileSource(source.File{URL: "https://example.com/a.bin"})
	require.NoError(t, mgr.AddCandidate(src))

	ok, err := mgr.ShouldCache(src)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestApplyEvictsEntriesExceedingMaxSize(t *testing.T) {
	p := policy.Main{Bounds: policy.Bounds{MaxSize: 5, Eviction: policy.DisciplineOldest}}
	mgr, _ := newTestManager(t, p, &fakeDigestChecker{})

	dir := t.TempDir()
	for _, name := range []string{"a.bin", "b.bin"} {
		f := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(f, []byte("0123456789"), 0o644))
		src := source.NewFileSource(source.File{URL: "https://example.com/" + name})
		_, err := mgr.Introduce(src, f, "sha256:"+name)
		require.NoError(t, err)
	}

	require.NoError(t, mgr.Apply())

	srcA := source.NewFileSource(source.File{URL: "https://example.com/a.bin"})
	_, err := mgr.Get(srcA)
	assert.ErrorIs(t, err, ErrNotPresent)
}

func TestMarkUsageIncrementsCount(t *testing.T) {
	p := policy.Defaults()
	mgr, _ := newTestManager(t, p, &fakeDigestChecker{})

	srcFile := filepath.Join(t.TempDir(), "downloaded.bin")
	require.NoError(t, os.WriteFile(srcFile, []byte("payload"), 0o644))
	src := source.NewFileSource(source.File{URL: "https://example.com/a.bin"})
	_, err := mgr.Introduce(src, srcFile, "sha256:digest")
	require.NoError(t, err)

	e, err := mgr.Get(src)
	require.NoError(t, err)
	require.NoError(t, mgr.MarkUsage(e, 1))
	assert.Equal(t, 2, e.NbUsed)
}
