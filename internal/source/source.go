// Package source implements the tagged Source union and the deterministic
// CacheKey derivation described for the content cache.
package source

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// Kind distinguishes the two arms of the Source union.
type Kind string

const (
	KindFile  Kind = "file"
	KindImage Kind = "image"
)

// Way is the expansion mode for a declared file.
type Way string

const (
	WayDirect Way = "direct"
	WayUnzip  Way = "unzip"
	WayUntar  Way = "untar"
)

// File is the File arm of Source: a plain or archived remote/local resource.
type File struct {
	URL          string
	Checksum     string // optional, empty if undeclared
	DeclaredSize int64  // optional, 0 if undeclared
	Mode         Way
}

// Image is the Image arm of Source: an OCI image reference.
type Image struct {
	Registry   string
	Repository string
	Name       string
	Tag        string // empty if unset
	Digest     string // empty if unset
	FileSize   int64  // compressed layer size, as declared in config
	FullSize   int64  // uncompressed size, as declared in config
}

// Source is a tagged union: exactly one of File/Image is non-nil.
type Source struct {
	kind  Kind
	file  *File
	image *Image
}

func NewFileSource(f File) Source { return Source{kind: KindFile, file: &f} }
func NewImageSource(i Image) Source { return Source{kind: KindImage, image: &i} }

func (s Source) Kind() Kind   { return s.kind }
func (s Source) File() *File   { return s.file }
func (s Source) Image() *Image { return s.image }

// Identifier is the original identifier string for the source, as recorded
// in CacheEntry.source and matched against filter patterns.
func (s Source) Identifier() string {
	switch s.kind {
	case KindFile:
		return s.file.URL
	case KindImage:
		return s.image.ref()
	default:
		return ""
	}
}

func (img *Image) ref() string {
	var b strings.Builder
	b.WriteString(img.Registry)
	b.WriteByte('/')
	if img.Repository != "" {
		b.WriteString(img.Repository)
		b.WriteByte('/')
	}
	b.WriteString(img.Name)
	if img.Tag != "" {
		b.WriteByte(':')
		b.WriteString(img.Tag)
	}
	if img.Digest != "" {
		b.WriteByte('@')
		b.WriteString(img.Digest)
	}
	return b.String()
}

// CacheKey is the deterministic, relative on-disk path derived from a
// Source's identity. It is injective under equality of the identifying
// fields (see package doc and spec §3).
func CacheKey(s Source) (string, error) {
	switch s.kind {
	case KindFile:
		return fileCacheKey(*s.file)
	case KindImage:
		return imageCacheKey(*s.image), nil
	default:
		return "", fmt.Errorf("source: cache key: unknown kind %q", s.kind)
	}
}

// fileCacheKey builds files/<scheme>/<host>/<path-dirs>/<basename[;params][?query][#frag]>.
func fileCacheKey(f File) (string, error) {
	u, err := url.Parse(f.URL)
	if err != nil {
		return "", fmt.Errorf("source: parse file url %q: %w", f.URL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("source: file url %q missing scheme or host", f.URL)
	}

	dir, base := path.Split(u.EscapedPath())
	dir = strings.Trim(dir, "/")

	var tail strings.Builder
	tail.WriteString(base)
	if u.Opaque != "" {
		// rare case: opaque URLs carry no path; fall back to opaque as basename.
		tail.Reset()
		tail.WriteString(u.Opaque)
	}
	if u.RawQuery != "" {
		tail.WriteByte('?')
		tail.WriteString(u.RawQuery)
	}
	if u.Fragment != "" {
		tail.WriteByte('#')
		tail.WriteString(u.EscapedFragment())
	}

	parts := []string{"files", u.Scheme, u.Host}
	if dir != "" {
		parts = append(parts, strings.Split(dir, "/")...)
	}
	parts = append(parts, tail.String())
	return path.Join(parts...), nil
}

// imageCacheKey builds images/<registry>/<repo>/<name>[:tag][@digest].
func imageCacheKey(img Image) string {
	parts := []string{"images", img.Registry}
	if img.Repository != "" {
		parts = append(parts, img.Repository)
	}
	name := img.Name
	if img.Tag != "" {
		name += ":" + img.Tag
	}
	if img.Digest != "" {
		name += "@" + sanitizeDigestForPath(img.Digest)
	}
	parts = append(parts, name)
	return path.Join(parts...)
}

// sanitizeDigestForPath replaces the colon in "sha256:abcd" with an
// underscore so the digest can live inside a single path segment.
func sanitizeDigestForPath(digest string) string {
	return strings.ReplaceAll(digest, ":", "_")
}
