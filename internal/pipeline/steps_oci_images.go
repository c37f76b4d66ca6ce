package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/offspot/image-creator/internal/buildconfig"
	"github.com/offspot/image-creator/internal/source"
)

// imagesDirName is the directory under the data partition that receives
// each declared image's flattened rootfs tar, grounded on
// original_source/steps/oci_images.py's DownloadingOCIImages.
const imagesDirName = "images"

// DownloadingOCIImages is pipeline step 11.
type DownloadingOCIImages struct{}

func NewDownloadingOCIImages() Step { return &DownloadingOCIImages{} }

func (s *DownloadingOCIImages) Name() string { return "DownloadingOCIImages" }

func (s *DownloadingOCIImages) Run(p *Payload) int {
	if len(p.Config.OCIImages) == 0 {
		return 0
	}

	imagesDir := filepath.Join(p.DataMountPath, imagesDirName)
	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		p.Reporter.FailTask("creating images directory", err)
		return 1
	}

	for _, decl := range p.Config.OCIImages {
		if err := s.downloadOne(p, decl, imagesDir); err != nil {
			p.Reporter.FailTask("image "+decl.Ident, err)
			return 1
		}
		p.Reporter.Dot(dotOK())
	}
	return 0
}

func (s *DownloadingOCIImages) Cleanup(p *Payload) {}

func (s *DownloadingOCIImages) downloadOne(p *Payload, decl buildconfig.OCIImage, imagesDir string) error {
	img, err := source.ParseImageIdent(decl.Ident)
	if err != nil {
		return fmt.Errorf("pipeline: parsing image ident %q: %w", decl.Ident, err)
	}

	digest := img.Digest
	if digest == "" {
		digest, err = p.OCI.GetManifestDigest(p.Ctx, decl.Ident, source.DefaultPlatform)
		if err != nil {
			return fmt.Errorf("pipeline: resolving digest for %s: %w", decl.Ident, err)
		}
		img.Digest = digest
	}

	fsName := sanitizeForFilename(img.Name)
	target := filepath.Join(imagesDir, fsName+".tar")

	if hit, err := cacheHitImage(p, img, target); err != nil {
		return fmt.Errorf("pipeline: serving image %s from cache: %w", decl.Ident, err)
	} else if hit {
		return nil
	}

	if err := p.OCI.Export(p.Ctx, decl.Ident, digest, target, p.Opts.BuildDir); err != nil {
		return fmt.Errorf("pipeline: exporting image: %w", err)
	}

	cacheIntroduceImage(p, img, target)

	fi, statErr := os.Stat(target)
	if statErr == nil {
		p.DownloadedBytes += fi.Size()
	}
	return nil
}

func sanitizeForFilename(name string) string {
	return strings.ReplaceAll(strings.ReplaceAll(name, "/", "_"), ":", "_")
}
