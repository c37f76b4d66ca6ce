package pipeline

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/offspot/image-creator/internal/downloader"
	"github.com/ulikunitz/xz"
)

// DownloadImage is pipeline step 8, grounded on
// original_source/steps/base.py's DownloadImage: places the base image at
// the output path, decompressing a ".xz"-suffixed source on the fly
// (original's extract_xz_image), or copying/downloading it verbatim. A
// remote base is served from the content cache when present (spec §4.7
// step 8), and a fresh download is introduced into the cache afterward.
type DownloadImage struct{}

func NewDownloadImage() Step { return &DownloadImage{} }

func (s *DownloadImage) Name() string { return "DownloadImage" }

func (s *DownloadImage) Run(p *Payload) int {
	base := p.Config.Base
	isXz := strings.HasSuffix(base, ".xz")

	var err error
	if isLocalPath(base) {
		err = s.runLocal(p, base, isXz)
	} else {
		err = s.runRemote(p, base, isXz)
	}
	if err != nil {
		p.Reporter.FailTask("downloading base image", err)
		return 1
	}
	p.Reporter.Dot(dotOK())
	return 0
}

func (s *DownloadImage) Cleanup(p *Payload) {
	// A failed run may leave a partial output file; the orchestrator's
	// Halt already removes OutputPath unless --keep was set.
}

func (s *DownloadImage) runLocal(p *Payload, path string, isXz bool) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("pipeline: opening base image %s: %w", path, err)
	}
	defer src.Close()
	return s.materialize(p, src, isXz)
}

func (s *DownloadImage) runRemote(p *Payload, url string, isXz bool) error {
	cachedPath := p.Opts.OutputPath + ".base-cache-src"
	hit, err := cacheHitFile(p, url, cachedPath)
	if err != nil {
		return err
	}
	if hit {
		defer os.Remove(cachedPath)
		f, err := os.Open(cachedPath)
		if err != nil {
			return err
		}
		defer f.Close()
		return s.materialize(p, f, isXz)
	}
	return s.downloadRemote(p, url, isXz)
}

// downloadRemote fetches the base image to a scratch file (so the raw
// bytes can be introduced into the cache), then decompresses/copies it
// into place via materialize.
func (s *DownloadImage) downloadRemote(p *Payload, url string, isXz bool) error {
	tmp, err := os.CreateTemp(p.Opts.BuildDir, "base-image-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if isHTTPTransport(url) {
		err = s.fetchHTTP(p, url, tmpPath)
	} else {
		err = s.fetchTransport(p, url, tmpPath)
	}
	if err != nil {
		return err
	}

	cacheIntroduceFile(p, url, tmpPath)

	f, err := os.Open(tmpPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.materialize(p, f, isXz)
}

func (s *DownloadImage) fetchHTTP(p *Payload, rawURL, destPath string) error {
	req, err := http.NewRequestWithContext(p.Ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("pipeline: downloading base image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pipeline: downloading base image: status %s", resp.Status)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

// fetchTransport hands non-HTTP(S) schemes (metalink, magnet, .torrent)
// to the aria2-backed downloader, which natively understands them.
func (s *DownloadImage) fetchTransport(p *Payload, rawURL, destPath string) error {
	dl, err := downloader.NewRPCDownloader(p.Ctx)
	if err != nil {
		return fmt.Errorf("pipeline: starting transport downloader: %w", err)
	}
	defer dl.Shutdown()

	h := dl.Submit(p.Ctx, rawURL, destPath, "", nil, nil)
	if err := h.BlockUntilDone(p.Ctx); err != nil {
		return err
	}
	return h.Err()
}

func (s *DownloadImage) materialize(p *Payload, r io.Reader, isXz bool) error {
	dst, err := os.Create(p.Opts.OutputPath)
	if err != nil {
		return fmt.Errorf("pipeline: creating %s: %w", p.Opts.OutputPath, err)
	}
	defer dst.Close()

	if isXz {
		zr, err := xz.NewReader(r)
		if err != nil {
			return fmt.Errorf("pipeline: opening xz stream: %w", err)
		}
		r = zr
	}

	n, err := io.Copy(dst, r)
	if err != nil {
		return fmt.Errorf("pipeline: writing base image: %w", err)
	}
	p.DownloadedBytes += n
	return nil
}
