// Package cachestore persists cache artifacts under a deterministic
// relative path rooted at the cache directory, with sidecar metadata
// attached as extended attributes on the artifact file itself.
package cachestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/xattr"
)

// attrPrefix is an implementation detail: callers of this package see
// unprefixed keys (added_on, last_checked_on, ...); on disk they are
// namespaced under the user.* xattr namespace, which is what unprivileged
// processes can read and write on Linux.
const attrPrefix = "user.image-creator."

// PolicyFileName is reserved: it is never treated as a cache entry even
// if it happens to carry the probe/digest attribute.
const PolicyFileName = "policy.yaml"

var ErrNotSupported = errors.New("cachestore: filesystem does not support extended attributes")

// Store roots cache content under a single directory.
type Store struct {
	Root string
}

func New(root string) *Store {
	return &Store{Root: root}
}

// EnsureRoot creates the root directory on first use.
func (s *Store) EnsureRoot() error {
	return os.MkdirAll(s.Root, 0o755)
}

// CheckXattrSupport writes and reads back a probe attribute in Root,
// per spec §4.3/§4.7 step 3 ("CheckCache verifies user-xattr support").
func (s *Store) CheckXattrSupport() error {
	if err := s.EnsureRoot(); err != nil {
		return fmt.Errorf("cachestore: ensure root: %w", err)
	}
	probe := filepath.Join(s.Root, ".xattr-probe")
	if err := os.WriteFile(probe, []byte{}, 0o644); err != nil {
		return fmt.Errorf("cachestore: create probe file: %w", err)
	}
	defer os.Remove(probe)

	if err := xattr.Set(probe, attrPrefix+"probe", []byte("1")); err != nil {
		return fmt.Errorf("%w: %v", ErrNotSupported, err)
	}
	v, err := xattr.Get(probe, attrPrefix+"probe")
	if err != nil || string(v) != "1" {
		return fmt.Errorf("%w: readback mismatch", ErrNotSupported)
	}
	return nil
}

// Path returns the absolute on-disk path for a CacheKey.
func (s *Store) Path(cacheKey string) string {
	return filepath.Join(s.Root, filepath.FromSlash(cacheKey))
}

// Metadata is the fixed sidecar field set carried by every entry.
// This is the struct replacement spec §9 calls for in place of dynamic
// attribute manipulation.
type Metadata struct {
	AddedOn       time.Time
	LastCheckedOn time.Time
	LastUsedOn    time.Time
	NbUsed        int
	Kind          string
	SourceIdent   string
	Digest        string
}

// LooksLikeEntry reports whether path carries the digest attribute, the
// store's definition of "this is an entry" (spec §4.3).
func LooksLikeEntry(path string) bool {
	_, err := xattr.Get(path, attrPrefix+"digest")
	return err == nil
}

// ReadMetadata reads the full sidecar set from an on-disk artifact.
func ReadMetadata(path string) (Metadata, error) {
	var m Metadata
	digest, err := xattr.Get(path, attrPrefix+"digest")
	if err != nil {
		return m, fmt.Errorf("cachestore: read digest attr: %w", err)
	}
	m.Digest = string(digest)

	addedOn, err := readTime(path, "added_on")
	if err != nil {
		return m, err
	}
	m.AddedOn = addedOn

	// last_checked_on is optional: an entry that has never been
	// outdacy-checked since introduction carries no value yet.
	if v, err := xattr.Get(path, attrPrefix+"last_checked_on"); err == nil {
		t, perr := parseTime(string(v))
		if perr != nil {
			return m, fmt.Errorf("cachestore: parse last_checked_on: %w", perr)
		}
		m.LastCheckedOn = t
	}

	lastUsed, err := readTime(path, "last_used_on")
	if err != nil {
		return m, err
	}
	m.LastUsedOn = lastUsed

	nbUsed, err := xattr.Get(path, attrPrefix+"nb_used")
	if err != nil {
		return m, fmt.Errorf("cachestore: read nb_used attr: %w", err)
	}
	n, err := strconv.Atoi(string(nbUsed))
	if err != nil {
		return m, fmt.Errorf("cachestore: parse nb_used: %w", err)
	}
	m.NbUsed = n

	kind, err := xattr.Get(path, attrPrefix+"kind")
	if err != nil {
		return m, fmt.Errorf("cachestore: read kind attr: %w", err)
	}
	m.Kind = string(kind)

	src, err := xattr.Get(path, attrPrefix+"source")
	if err != nil {
		return m, fmt.Errorf("cachestore: read source attr: %w", err)
	}
	m.SourceIdent = string(src)

	return m, nil
}

// WriteMetadata writes the full sidecar field set, overwriting any
// previous values.
func WriteMetadata(path string, m Metadata) error {
	sets := map[string]string{
		"added_on":    formatTime(m.AddedOn),
		"last_used_on": formatTime(m.LastUsedOn),
		"nb_used":     strconv.Itoa(m.NbUsed),
		"kind":        m.Kind,
		"source":      m.SourceIdent,
		"digest":      m.Digest,
	}
	if !m.LastCheckedOn.IsZero() {
		sets["last_checked_on"] = formatTime(m.LastCheckedOn)
	}
	for k, v := range sets {
		if err := xattr.Set(path, attrPrefix+k, []byte(v)); err != nil {
			return fmt.Errorf("cachestore: write %s attr: %w", k, err)
		}
	}
	return nil
}

func readTime(path, attr string) (time.Time, error) {
	v, err := xattr.Get(path, attrPrefix+attr)
	if err != nil {
		return time.Time{}, fmt.Errorf("cachestore: read %s attr: %w", attr, err)
	}
	t, err := parseTime(string(v))
	if err != nil {
		return time.Time{}, fmt.Errorf("cachestore: parse %s: %w", attr, err)
	}
	return t, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Size returns the on-disk size of the artifact at path.
func Size(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Walk visits every regular file under root except the reserved policy
// file, calling fn with its path relative to root (the CacheKey).
func (s *Store) Walk(fn func(relPath, absPath string) error) error {
	return filepath.WalkDir(s.Root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.Root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == PolicyFileName || filepath.Base(rel) == ".xattr-probe" {
			return nil
		}
		return fn(rel, p)
	})
}
