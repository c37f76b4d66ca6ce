package pipeline

import (
	"fmt"
	"net/http"

	"github.com/offspot/image-creator/internal/source"
)

// CheckURLs is pipeline step 6, grounded on
// original_source/steps/check_inputs.py's CheckURLs: verifies every
// remote base, declared file, and declared OCI image is reachable, and
// registers each as a cache candidate (spec §4.4's two-phase admission).
// A plain (non-URL) local file is skipped, matching the original's
// "is_plain" short-circuit.
type CheckURLs struct{}

func NewCheckURLs() Step { return &CheckURLs{} }

func (s *CheckURLs) Name() string { return "CheckURLs" }

func (s *CheckURLs) Run(p *Payload) int {
	ok := true

	if isLocalPath(p.Config.Base) {
		p.Reporter.Dot(dotNeutral())
	} else if err := s.checkFileURL(p, p.Config.Base); err != nil {
		p.Reporter.FailTask("base image", err)
		ok = false
	} else {
		p.Reporter.Dot(dotOK())
	}

	for _, f := range p.Config.Files {
		if f.URL == "" {
			p.Reporter.Dot(dotNeutral()) // inline content, nothing to reach
			continue
		}
		if err := s.checkFileURL(p, f.URL); err != nil {
			p.Reporter.FailTask("file "+f.To, err)
			ok = false
			continue
		}
		p.Reporter.Dot(dotOK())
	}

	for _, img := range p.Config.OCIImages {
		if err := s.checkImage(p, img.Ident); err != nil {
			p.Reporter.FailTask("image "+img.Ident, err)
			ok = false
			continue
		}
		p.Reporter.Dot(dotOK())
	}

	if p.Cache != nil {
		if err := p.Cache.ApplyCandidates(); err != nil {
			p.Reporter.FailTask("applying cache candidates", err)
			return 1
		}
	}

	if !ok {
		return 4
	}
	return 0
}

func (s *CheckURLs) Cleanup(p *Payload) {}

// checkFileURL issues a conservative HEAD request; a size of -1 (server
// doesn't report Content-Length) is treated as reachable per the
// original's fetch_size() semantics.
func (s *CheckURLs) checkFileURL(p *Payload, rawURL string) error {
	req, err := http.NewRequestWithContext(p.Ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("pipeline: building request for %s: %w", rawURL, err)
	}
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("pipeline: unreachable %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pipeline: %s: status %s", rawURL, resp.Status)
	}

	if p.Cache != nil {
		src := source.NewFileSource(source.File{URL: rawURL})
		_ = p.Cache.AddCandidate(src)
	}
	return nil
}

// checkImage resolves the image digest as an existence probe, mirroring
// the original's image_exists(image) check.
func (s *CheckURLs) checkImage(p *Payload, ident string) error {
	img, err := source.ParseImageIdent(ident)
	if err != nil {
		return fmt.Errorf("pipeline: parsing image ident %q: %w", ident, err)
	}
	digest, err := source.ImageDigest(p.Ctx, ident, source.DefaultPlatform)
	if err != nil {
		return fmt.Errorf("pipeline: image %s: %w", ident, err)
	}
	img.Digest = digest

	if p.Cache != nil {
		_ = p.Cache.AddCandidate(source.NewImageSource(img))
	}
	return nil
}
