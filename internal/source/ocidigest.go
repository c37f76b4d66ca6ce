package source

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/containers/image/v5/docker"
	"github.com/containers/image/v5/manifest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Platform identifies the (os, arch, variant) triple images are resolved
// against. The default target throughout this tool is linux/arm64/v8.
type Platform struct {
	OS      string
	Arch    string
	Variant string
}

// DefaultPlatform is the only target this assembler produces images for.
var DefaultPlatform = Platform{OS: "linux", Arch: "arm64", Variant: "v8"}

func (p Platform) matches(m imgspecv1.Platform) bool {
	if p.OS != "" && p.OS != m.OS {
		return false
	}
	if p.Arch != "" && p.Arch != m.Architecture {
		return false
	}
	if p.Variant != "" && m.Variant != "" && p.Variant != m.Variant {
		return false
	}
	return true
}

// ImageDigest resolves the platform-specific manifest digest for an OCI
// image reference, per spec §4.1:
//   - multi-platform index: pick the manifest entry matching the target
//     platform;
//   - single-manifest v2: use its config digest, but only when the target
//     is the image's default platform;
//   - v1 manifest: resolve the v1-chain config digest.
func ImageDigest(ctx context.Context, imageRef string, platform Platform) (string, error) {
	srcRef, err := docker.ParseReference("//" + imageRef)
	if err != nil {
		return "", fmt.Errorf("source: parse image reference %q: %w", imageRef, err)
	}

	src, err := srcRef.NewImageSource(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("source: open image source: %w", err)
	}
	defer src.Close()

	raw, mimeType, err := src.GetManifest(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("source: get manifest: %w", err)
	}

	if manifest.MIMETypeIsMultiImage(mimeType) {
		return resolveIndexDigest(raw, platform)
	}

	schemaVersion, err := manifestSchemaVersion(raw)
	if err != nil {
		return "", err
	}
	if schemaVersion == 1 {
		return resolveV1ChainDigest(raw)
	}

	// single-manifest v2: config digest is only meaningful if we were
	// asking for this image's native (default) platform.
	if platform != DefaultPlatform {
		return "", fmt.Errorf("source: image %q is single-platform, not %+v", imageRef, platform)
	}
	m, err := manifest.Schema2FromManifest(raw)
	if err != nil {
		return "", fmt.Errorf("source: parse schema2 manifest: %w", err)
	}
	return m.ConfigInfo().Digest.String(), nil
}

func resolveIndexDigest(raw []byte, platform Platform) (string, error) {
	var found string
	var generic struct {
		Manifests []struct {
			Digest   string             `json:"digest"`
			Platform imgspecv1.Platform `json:"platform"`
		} `json:"manifests"`
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("source: decode manifest list: %w", err)
	}
	for _, m := range generic.Manifests {
		if platform.matches(m.Platform) {
			found = m.Digest
			break
		}
	}
	if found == "" {
		return "", fmt.Errorf("source: no manifest for platform %+v", platform)
	}
	return found, nil
}

func manifestSchemaVersion(raw []byte) (int, error) {
	var generic struct {
		SchemaVersion int `json:"schemaVersion"`
	}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return 0, fmt.Errorf("source: decode manifest schemaVersion: %w", err)
	}
	return generic.SchemaVersion, nil
}

// resolveV1ChainDigest resolves the config digest for a v1 (schema 1)
// manifest by converting it to an OCI/v2 config through the image/v5
// manifest package, mirroring the Python original's v1-chain resolution.
func resolveV1ChainDigest(raw []byte) (string, error) {
	m, err := manifest.Schema1FromManifest(raw)
	if err != nil {
		return "", fmt.Errorf("source: parse schema1 manifest: %w", err)
	}
	cfg, err := m.ToSchema2Config(nil)
	if err != nil {
		return "", fmt.Errorf("source: resolve v1 config chain: %w", err)
	}
	d, err := manifest.Digest(cfg)
	if err != nil {
		return "", fmt.Errorf("source: digest v1 config: %w", err)
	}
	return d.String(), nil
}
