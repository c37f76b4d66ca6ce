// Package ociexport implements the OCI Exporter adapter (spec C8):
// Export(ctx, imageRef, digest, destinationTar, buildDir), which takes no
// platform argument and always pulls for source.DefaultPlatform, and
// GetManifestDigest(ctx, imageRef, platform). Pulls go through a shared
// OCI-layout cache so repeated pulls of the same digest are free,
// adapted from kernel-hypeman's lib/images/oci.go (there used to produce
// a VM rootfs; here used to produce a docker-style flattened image tar).
package ociexport

import (
	"archive/tar"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/containers/image/v5/copy"
	"github.com/containers/image/v5/docker"
	imgoci "github.com/containers/image/v5/oci/layout"
	"github.com/containers/image/v5/signature"
	"github.com/containers/image/v5/types"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	rspec "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/opencontainers/umoci/oci/cas/dir"
	"github.com/opencontainers/umoci/oci/casext"
	"github.com/opencontainers/umoci/oci/layer"

	"github.com/offspot/image-creator/internal/source"
)

// Exporter is the concrete OCI Exporter adapter.
type Exporter struct {
	// LayoutDir is the shared OCI-layout cache root; multiple images and
	// their common layers are stored and deduplicated here across runs.
	LayoutDir string
}

func New(layoutDir string) (*Exporter, error) {
	if err := os.MkdirAll(layoutDir, 0o755); err != nil {
		return nil, fmt.Errorf("ociexport: create layout dir: %w", err)
	}
	return &Exporter{LayoutDir: layoutDir}, nil
}

func layoutTag(digest string) string {
	return strings.ReplaceAll(digest, ":", "_")
}

// GetManifestDigest returns the platform-specific manifest digest for an
// image reference without pulling it.
func (e *Exporter) GetManifestDigest(ctx context.Context, imageRef string, platform source.Platform) (string, error) {
	return source.ImageDigest(ctx, imageRef, platform)
}

// Export pulls imageRef at digest (if not already present in the shared
// layout) and writes a flattened rootfs tar to destinationTar, using
// buildDir as scratch space for the intermediate unpacked tree.
func (e *Exporter) Export(ctx context.Context, imageRef, digest string, destinationTar, buildDir string) error {
	tag := layoutTag(digest)

	if !e.existsInLayout(tag) {
		if err := e.pullToLayout(ctx, imageRef, tag); err != nil {
			return fmt.Errorf("ociexport: pull: %w", err)
		}
	}

	unpackDir, err := os.MkdirTemp(buildDir, "oci-unpack-")
	if err != nil {
		return fmt.Errorf("ociexport: mkdtemp: %w", err)
	}
	defer os.RemoveAll(unpackDir)

	if err := e.unpackLayers(ctx, tag, unpackDir); err != nil {
		return fmt.Errorf("ociexport: unpack: %w", err)
	}

	if err := tarDirectory(unpackDir, destinationTar); err != nil {
		return fmt.Errorf("ociexport: tar: %w", err)
	}
	return nil
}

func (e *Exporter) existsInLayout(tag string) bool {
	casEngine, err := dir.Open(e.LayoutDir)
	if err != nil {
		return false
	}
	defer casEngine.Close()
	engine := casext.NewEngine(casEngine)
	paths, err := engine.ResolveReference(context.Background(), tag)
	return err == nil && len(paths) > 0
}

func (e *Exporter) pullToLayout(ctx context.Context, imageRef, tag string) error {
	srcRef, err := docker.ParseReference("//" + imageRef)
	if err != nil {
		return fmt.Errorf("parse image reference: %w", err)
	}
	destRef, err := imgoci.ParseReference(e.LayoutDir + ":" + tag)
	if err != nil {
		return fmt.Errorf("parse oci layout reference: %w", err)
	}
	policyContext, err := signature.NewPolicyContext(&signature.Policy{
		Default: []signature.PolicyRequirement{signature.NewPRInsecureAcceptAnything()},
	})
	if err != nil {
		return fmt.Errorf("create policy context: %w", err)
	}
	defer policyContext.Destroy()

	_, err = copy.Image(ctx, policyContext, destRef, srcRef, &copy.Options{
		SourceCtx: &types.SystemContext{
			OSChoice:           source.DefaultPlatform.OS,
			ArchitectureChoice: source.DefaultPlatform.Arch,
			VariantChoice:      source.DefaultPlatform.Variant,
		},
	})
	if err != nil {
		return fmt.Errorf("copy image: %w", err)
	}
	return nil
}

func (e *Exporter) unpackLayers(ctx context.Context, tag, targetDir string) error {
	casEngine, err := dir.Open(e.LayoutDir)
	if err != nil {
		return fmt.Errorf("open oci layout: %w", err)
	}
	defer casEngine.Close()
	engine := casext.NewEngine(casEngine)

	paths, err := engine.ResolveReference(ctx, tag)
	if err != nil {
		return fmt.Errorf("resolve reference: %w", err)
	}
	if len(paths) == 0 {
		return fmt.Errorf("no image found for tag %s", tag)
	}

	manifestBlob, err := engine.FromDescriptor(ctx, paths[0].Descriptor())
	if err != nil {
		return fmt.Errorf("get manifest: %w", err)
	}
	manifest, ok := manifestBlob.Data.(imgspecv1.Manifest)
	if !ok {
		return fmt.Errorf("manifest data is not v1.Manifest (got %T)", manifestBlob.Data)
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}

	uid, gid := uint32(os.Getuid()), uint32(os.Getgid())
	opts := &layer.UnpackOptions{
		OnDiskFormat: layer.DirRootfs{
			MapOptions: layer.MapOptions{
				Rootless:    true,
				UIDMappings: []rspec.LinuxIDMapping{{HostID: uid, ContainerID: 0, Size: 1}},
				GIDMappings: []rspec.LinuxIDMapping{{HostID: gid, ContainerID: 0, Size: 1}},
			},
		},
	}
	return layer.UnpackRootfs(ctx, casEngine, targetDir, manifest, opts)
}

// tarDirectory writes every file under root into a tar archive at
// destTar, producing the flattened "docker-style image tar" spec §4.8
// describes as the exporter's output.
func tarDirectory(root, destTar string) error {
	f, err := os.OpenFile(destTar, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	defer tw.Close()

	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(p)
			if err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			data, err := os.Open(p)
			if err != nil {
				return err
			}
			defer data.Close()
			if _, err := tarCopy(tw, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func tarCopy(tw *tar.Writer, f *os.File) (int64, error) {
	buf := make([]byte, 1<<20)
	var total int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if _, werr := tw.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err != nil {
			if err.Error() == "EOF" {
				return total, nil
			}
			return total, err
		}
	}
}
