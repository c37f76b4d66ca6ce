// Package cache implements the Cache Manager (spec C5): it walks the
// store, maintains entries and candidates, resolves membership queries,
// applies eviction, admits candidates, and introduces items after
// download.
package cache

import (
	"strings"
	"time"

	"github.com/offspot/image-creator/internal/source"
)

// Kind mirrors cachestore.Metadata.Kind / source.Kind as strings, matching
// the "kind:source" sidecar encoding used by the prior implementation's
// combined source field (this port keeps kind and source as separate
// sidecar attributes instead, see internal/cachestore).
type Kind string

const (
	KindFile  Kind = "file"
	KindImage Kind = "image"
)

// Entry is a persistent cache entry: backed by one file on disk plus its
// sidecar metadata.
type Entry struct {
	FPath         string // CacheKey, relative to the store root
	Kind          Kind
	SourceIdent   string
	Digest        string
	SizeBytes     int64
	AddedOnTime   time.Time
	LastCheckedOn time.Time
	LastUsedOnTime time.Time
	NbUsed        int
}

func (e *Entry) Identifier() string      { return e.SourceIdent }
func (e *Entry) Size() int64             { return e.SizeBytes }
func (e *Entry) AddedOn() time.Time      { return e.AddedOnTime }
func (e *Entry) LastUsedOn() time.Time   { return e.LastUsedOnTime }

// IsCacheable is false only for non-http file entries (e.g. file://),
// matching spec §4.4 phase B's "Source protocol not cacheable" rule.
// Images are always cacheable.
func (e *Entry) IsCacheable() bool {
	if e.Kind == KindImage {
		return true
	}
	return strings.HasPrefix(e.SourceIdent, "http://") || strings.HasPrefix(e.SourceIdent, "https://")
}

// Candidate is a transient item declared by the current run, not yet on
// disk. It shares Entry's shape so it can be fed through the same
// eviction engine.
type Candidate struct {
	Entry
}

// NewCandidate builds a Candidate for a Source at the run's reference
// instant, with nb_used = 0 and no digest; the digest is recorded only
// when Introduce turns the item into an entry.
func NewCandidate(key string, src source.Source, refInstant time.Time) *Candidate {
	kind := KindFile
	if src.Kind() == source.KindImage {
		kind = KindImage
	}
	return &Candidate{Entry{
		FPath:          key,
		Kind:           kind,
		SourceIdent:    src.Identifier(),
		AddedOnTime:    refInstant,
		LastUsedOnTime: refInstant,
		NbUsed:         0,
	}}
}
