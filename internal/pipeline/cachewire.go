package pipeline

import (
	"github.com/offspot/image-creator/internal/source"
)

// cacheHitFile reports whether rawURL is already cached and, if so, copies
// the cached content to dest and records the use. A miss or a disabled
// cache returns (false, nil); InCache's own outdacy check may evict a
// stale entry, in which case this also reports a miss.
func cacheHitFile(p *Payload, rawURL, dest string) (bool, error) {
	if p.Cache == nil {
		return false, nil
	}
	src := source.NewFileSource(source.File{URL: rawURL})
	ok, err := p.Cache.InCache(p.Ctx, src, true)
	if err != nil || !ok {
		return false, err
	}
	e, err := p.Cache.Get(src)
	if err != nil {
		return false, nil
	}
	if err := p.Cache.CopyOut(e, dest); err != nil {
		return false, err
	}
	if err := p.Cache.MarkUsage(e, 1); err != nil {
		return false, err
	}
	return true, nil
}

// cacheIntroduceFile copies a freshly downloaded file into the cache, if
// the policy admitted rawURL as a candidate (spec §4.4/§4.7 step 8/13). A
// digest-resolution failure is non-fatal: the download already succeeded,
// so the run proceeds without caching this item.
func cacheIntroduceFile(p *Payload, rawURL, localPath string) {
	if p.Cache == nil {
		return
	}
	src := source.NewFileSource(source.File{URL: rawURL})
	shouldCache, err := p.Cache.ShouldCache(src)
	if err != nil || !shouldCache {
		return
	}
	digest, err := source.FileDigest(p.Ctx, p.HTTPClient, rawURL, false)
	if err != nil {
		return
	}
	_, _ = p.Cache.Introduce(src, localPath, digest)
}

// cacheHitImage is cacheHitFile's image-arm counterpart.
func cacheHitImage(p *Payload, img source.Image, dest string) (bool, error) {
	if p.Cache == nil {
		return false, nil
	}
	src := source.NewImageSource(img)
	ok, err := p.Cache.InCache(p.Ctx, src, true)
	if err != nil || !ok {
		return false, err
	}
	e, err := p.Cache.Get(src)
	if err != nil {
		return false, nil
	}
	if err := p.Cache.CopyOut(e, dest); err != nil {
		return false, err
	}
	if err := p.Cache.MarkUsage(e, 1); err != nil {
		return false, err
	}
	return true, nil
}

// cacheIntroduceImage is cacheIntroduceFile's image-arm counterpart; img
// is expected to already carry a resolved Digest.
func cacheIntroduceImage(p *Payload, img source.Image, localPath string) {
	if p.Cache == nil || img.Digest == "" {
		return
	}
	src := source.NewImageSource(img)
	shouldCache, err := p.Cache.ShouldCache(src)
	if err != nil || !shouldCache {
		return
	}
	_, _ = p.Cache.Introduce(src, localPath, img.Digest)
}
