package pipeline

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/offspot/image-creator/internal/source"
)

// marginFraction adds headroom atop declared content size, matching
// original_source/steps/sizes.py's get_margin_for (10%).
const marginFraction = 0.10

// ComputeSizes is pipeline step 7, grounded on
// original_source/steps/sizes.py: sums the base image, every declared OCI
// image (tar + expanded rootfs), and every declared file (plus a 10%
// margin on their total), asserts the image still fits within
// output.size/--max-size, and checks free space on every distinct volume
// backing target/build-dir/cache-dir.
type ComputeSizes struct{}

func NewComputeSizes() Step { return &ComputeSizes{} }

func (s *ComputeSizes) Name() string { return "ComputeSizes" }

func (s *ComputeSizes) Run(p *Payload) int {
	baseSize, err := baseImageSize(p)
	if err != nil {
		p.Reporter.FailTask("sizing base image", err)
		return 3
	}

	var contentSize int64
	for _, img := range p.Config.OCIImages {
		contentSize += img.FileSize + img.FullSize
	}
	for _, f := range p.Config.Files {
		contentSize += f.Size
	}
	margin := int64(float64(contentSize) * marginFraction)

	needed := baseSize + contentSize + margin
	p.NeededBytes = needed

	declaredSize, err := p.Config.Output.SizeBytes()
	if err != nil {
		p.Reporter.FailTask("output.size", err)
		return 3
	}
	if declaredSize == 0 {
		declaredSize = needed
	}
	if needed > declaredSize {
		p.Reporter.FailTask("output size", fmt.Errorf("content needs %d bytes, output.size allows %d", needed, declaredSize))
		return 3
	}
	if p.Opts.MaxSize > 0 && declaredSize > p.Opts.MaxSize {
		p.Reporter.FailTask("max-size", fmt.Errorf("output size %d exceeds --max-size %d", declaredSize, p.Opts.MaxSize))
		return 3
	}
	p.Reporter.Dot(dotOK())

	cacheDestined, err := s.cacheDestinedSize(p)
	if err != nil {
		p.Reporter.FailTask("sizing cache-destined content", err)
		return 3
	}

	if err := checkPhysicalSpace(p, needed, declaredSize, cacheDestined); err != nil {
		p.Reporter.FailTask("free space", err)
		return 1
	}
	p.Reporter.Dot(dotOK())
	return 0
}

func (s *ComputeSizes) Cleanup(p *Payload) {}

// cacheDestinedSize sums the declared size of every image/file the cache
// will admit, mirroring original_source/steps/sizes.py's get_needs(),
// which discounts cache-bound content from build_dir's own requirement
// and charges it to cache_dir instead.
func (s *ComputeSizes) cacheDestinedSize(p *Payload) (int64, error) {
	if p.Cache == nil {
		return 0, nil
	}

	var total int64
	for _, img := range p.Config.OCIImages {
		ident, err := source.ParseImageIdent(img.Ident)
		if err != nil {
			return 0, fmt.Errorf("pipeline: parsing image ident %q: %w", img.Ident, err)
		}
		if ident.Digest == "" {
			digest, err := source.ImageDigest(p.Ctx, img.Ident, source.DefaultPlatform)
			if err != nil {
				return 0, fmt.Errorf("pipeline: resolving digest for %s: %w", img.Ident, err)
			}
			ident.Digest = digest
		}
		should, err := p.Cache.ShouldCache(source.NewImageSource(ident))
		if err != nil {
			return 0, err
		}
		if should {
			total += img.FileSize + img.FullSize
		}
	}
	for _, f := range p.Config.Files {
		if f.URL == "" {
			continue
		}
		should, err := p.Cache.ShouldCache(source.NewFileSource(source.File{URL: f.URL}))
		if err != nil {
			return 0, err
		}
		if should {
			total += f.Size
		}
	}
	return total, nil
}

func baseImageSize(p *Payload) (int64, error) {
	if isLocalPath(p.Config.Base) {
		fi, err := os.Stat(p.Config.Base)
		if err != nil {
			return 0, err
		}
		return fi.Size(), nil
	}
	// Remote base: a HEAD already verified reachability in CheckURLs; a
	// fresh Content-Length probe supplies the size (-1/absent is treated
	// as "unknown", matching the original's fetch_size() semantics).
	req, err := http.NewRequestWithContext(p.Ctx, http.MethodHead, p.Config.Base, nil)
	if err != nil {
		return 0, err
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.ContentLength >= 0 {
		return resp.ContentLength, nil
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			return n, nil
		}
	}
	return 0, nil
}

type volumeNeed struct {
	devID uint64
	needs int64
	path  string
}

// checkPhysicalSpace asserts every distinct volume backing the target
// image, build directory, and cache directory has enough free space for
// what will be written there. Volumes sharing a device (st_dev) are
// folded into a single accumulated requirement — the original's
// update_map closure used a bare, non-assigning expression when a volume
// was seen a second time, silently discarding the second requirement;
// this accumulates with += so repeated volumes are correctly summed.
func checkPhysicalSpace(p *Payload, needed, declaredOutputSize, cacheDestined int64) error {
	volumes := make(map[uint64]*volumeNeed)

	addNeed := func(path string, needs int64) error {
		dir := targetDirOf(path)
		dev, err := deviceIDOf(dir)
		if err != nil {
			return err
		}
		if v, ok := volumes[dev]; ok {
			v.needs += needs // fixed: original discarded this on repeat volumes
		} else {
			volumes[dev] = &volumeNeed{devID: dev, needs: needs, path: dir}
		}
		return nil
	}

	if err := addNeed(p.Opts.OutputPath, declaredOutputSize); err != nil {
		return err
	}
	buildDirNeeds := needed
	buildDirNeeds -= declaredOutputSize // the image itself lives on the target volume, not build_dir
	buildDirNeeds -= cacheDestined      // cache-admitted content lands in cache_dir, not build_dir
	if buildDirNeeds < 0 {
		buildDirNeeds = 0
	}
	if err := addNeed(p.Opts.BuildDir, buildDirNeeds); err != nil {
		return err
	}
	if p.Opts.CacheDir != "" {
		if err := addNeed(p.Opts.CacheDir, cacheDestined); err != nil {
			return err
		}
	}

	for _, v := range volumes {
		free, err := freeBytes(v.path)
		if err != nil {
			return err
		}
		if free < v.needs {
			return fmt.Errorf("volume backing %s needs %d bytes, only %d free", v.path, v.needs, free)
		}
	}
	return nil
}

func targetDirOf(path string) string {
	dir := filepath.Dir(path)
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}

func deviceIDOf(path string) (uint64, error) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("pipeline: stat %s: %w", path, err)
	}
	return uint64(st.Dev), nil
}

func freeBytes(path string) (int64, error) {
	var fs syscall.Statfs_t
	if err := syscall.Statfs(path, &fs); err != nil {
		return 0, fmt.Errorf("pipeline: statfs %s: %w", path, err)
	}
	return int64(fs.Bavail) * int64(fs.Bsize), nil
}
