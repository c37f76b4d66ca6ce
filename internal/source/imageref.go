package source

import (
	"fmt"

	"github.com/distribution/reference"
)

// ParseImageIdent parses a declared `ident` string (e.g.
// "ghcr.io/org/app:1.2.3" or "org/app@sha256:...") into an Image arm,
// grounded on original_source/utils/oci_images.py's `Image.parse(ident)`
// (there backed by the docker_export library; here by the ecosystem's own
// reference parser).
func ParseImageIdent(ident string) (Image, error) {
	named, err := reference.ParseNormalizedNamed(ident)
	if err != nil {
		return Image{}, fmt.Errorf("source: parse image ident %q: %w", ident, err)
	}

	img := Image{
		Registry: reference.Domain(named),
		Name:     reference.Path(named),
	}
	if tagged, ok := named.(reference.Tagged); ok {
		img.Tag = tagged.Tag()
	}
	if digested, ok := named.(reference.Digested); ok {
		img.Digest = digested.Digest().String()
	}
	if img.Tag == "" && img.Digest == "" {
		img.Tag = "latest"
	}
	return img, nil
}
