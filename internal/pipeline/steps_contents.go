package pipeline

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"

	"github.com/offspot/image-creator/internal/archive"
	"github.com/offspot/image-creator/internal/buildconfig"
	"github.com/offspot/image-creator/internal/downloader"
)

// ProcessingLocalContent is pipeline step 12, grounded on
// original_source/steps/contents.py's ProcessingLocalContent: places
// every file with inline `content` (no URL) directly at its destination.
type ProcessingLocalContent struct{}

func NewProcessingLocalContent() Step { return &ProcessingLocalContent{} }

func (s *ProcessingLocalContent) Name() string { return "ProcessingLocalContent" }

func (s *ProcessingLocalContent) Run(p *Payload) int {
	for _, f := range p.Config.Files {
		if f.URL != "" {
			continue
		}
		dest := dataPartDest(p, f.To)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			p.Reporter.FailTask("file "+f.To, err)
			return 1
		}
		if err := os.WriteFile(dest, []byte(f.Content), 0o644); err != nil {
			p.Reporter.FailTask("file "+f.To, err)
			return 1
		}
		p.Reporter.Dot(dotOK())
	}
	return 0
}

func (s *ProcessingLocalContent) Cleanup(p *Payload) {}

// DownloadingContent is pipeline step 13, grounded on
// original_source/steps/contents.py's DownloadingContent: downloads every
// remote file to its destination, expanding archives per `via`. Files are
// fetched one at a time, each transfer finishing before the next starts;
// with a concurrency above 1 a direct-mode HTTP(S) file goes through the
// bounded HTTP downloader, otherwise through a plain GET.
type DownloadingContent struct{}

func NewDownloadingContent() Step { return &DownloadingContent{} }

func (s *DownloadingContent) Name() string { return "DownloadingContent" }

func (s *DownloadingContent) Run(p *Payload) int {
	var remotes []buildconfig.File
	for _, f := range p.Config.Files {
		if f.URL != "" {
			remotes = append(remotes, f)
		}
	}
	if len(remotes) == 0 {
		return 0
	}

	concurrency := p.Opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}

	var dl downloader.Downloader
	if concurrency > 1 {
		dl = downloader.NewHTTPDownloader(p.HTTPClient, concurrency)
	}
	defer func() {
		if dl != nil {
			dl.Shutdown()
		}
	}()

	for _, f := range remotes {
		if err := s.fetchOne(p, dl, f); err != nil {
			p.Reporter.FailTask("file "+f.To, err)
			return 1
		}
		p.Reporter.Dot(dotOK())
	}
	return 0
}

func (s *DownloadingContent) Cleanup(p *Payload) {}

func (s *DownloadingContent) fetchOne(p *Payload, dl downloader.Downloader, f buildconfig.File) error {
	dest := dataPartDest(p, f.To)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	via := f.Via
	if via == "" {
		via = "direct"
	}

	if via != "direct" {
		return s.downloadAndExpand(p, f.URL, dest, via)
	}

	hit, err := cacheHitFile(p, f.URL, dest)
	if err != nil {
		return err
	}
	if hit {
		return nil
	}

	if !isHTTPTransport(f.URL) {
		if err := s.fetchViaTransport(p, f.URL, dest); err != nil {
			return err
		}
		cacheIntroduceFile(p, f.URL, dest)
		return nil
	}

	if dl != nil {
		h := dl.Submit(p.Ctx, f.URL, dest, "", func(n int64) { p.DownloadedBytes += n }, nil)
		if err := h.BlockUntilDone(p.Ctx); err != nil {
			return err
		}
		if err := h.Err(); err != nil {
			return err
		}
	} else if err := s.directGet(p, f.URL, dest); err != nil {
		return err
	}
	cacheIntroduceFile(p, f.URL, dest)
	return nil
}

// fetchViaTransport hands non-HTTP(S) schemes (metalink, magnet, .torrent)
// to the aria2-backed downloader, which natively understands them.
func (s *DownloadingContent) fetchViaTransport(p *Payload, rawURL, dest string) error {
	dl, err := downloader.NewRPCDownloader(p.Ctx)
	if err != nil {
		return fmt.Errorf("pipeline: starting transport downloader: %w", err)
	}
	defer dl.Shutdown()

	h := dl.Submit(p.Ctx, rawURL, dest, "", func(n int64) { p.DownloadedBytes += n }, nil)
	if err := h.BlockUntilDone(p.Ctx); err != nil {
		return err
	}
	return h.Err()
}

func (s *DownloadingContent) directGet(p *Payload, url, dest string) error {
	req, err := http.NewRequestWithContext(p.Ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("pipeline: downloading %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pipeline: downloading %s: status %s", url, resp.Status)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	n, err := io.Copy(out, resp.Body)
	p.DownloadedBytes += n
	return err
}

// downloadAndExpand fetches the remote archive to a temporary file under
// build_dir (serving it from the content cache when present, and
// introducing a fresh download into the cache afterward), then expands it
// onto dest per `via` (unzip/untar), matching the original's expand_file.
func (s *DownloadingContent) downloadAndExpand(p *Payload, url, dest, via string) error {
	tmp, err := os.CreateTemp(p.Opts.BuildDir, "content-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	hit, err := cacheHitFile(p, url, tmpPath)
	if err != nil {
		return err
	}
	if !hit {
		if isHTTPTransport(url) {
			err = s.directGet(p, url, tmpPath)
		} else {
			err = s.fetchViaTransport(p, url, tmpPath)
		}
		if err != nil {
			return err
		}
		cacheIntroduceFile(p, url, tmpPath)
	}

	switch via {
	case "unzip":
		return expandZip(tmpPath, dest)
	case "untar":
		return expandTar(tmpPath, dest)
	default:
		return fmt.Errorf("pipeline: unsupported via %q", via)
	}
}

func dataPartDest(p *Payload, to string) string {
	rel := to
	if len(to) >= len(DataPartPath) && to[:len(DataPartPath)] == DataPartPath {
		rel = to[len(DataPartPath):]
	}
	return filepath.Join(p.DataMountPath, rel)
}

func expandZip(srcPath, destDir string) error {
	_, err := archive.ExtractZip(srcPath, destDir)
	return err
}

func expandTar(srcPath, destDir string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = archive.ExtractTar(f, destDir)
	return err
}
