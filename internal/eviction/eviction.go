// Package eviction implements the policy-driven eviction engine (spec C4):
// given a set of entries and a policy, decide which to drop and why.
//
// Filter evaluation order is declaration order with first-match-wins; this
// is intentional (spec Open Question #2), not an artifact to fix. Type
// parameter E is expected to be a pointer type (e.g. *cache.Entry) so that
// equality-based "already claimed" bookkeeping is identity-based.
package eviction

import (
	"fmt"
	"sort"
	"time"

	"github.com/offspot/image-creator/internal/policy"
)

// Entry is the minimal shape the eviction engine needs from a cache entry
// or candidate; internal/cache provides a concrete type satisfying it.
type Entry interface {
	Identifier() string // source identifier, matched against filter patterns
	IsCacheable() bool  // false for non-http files; always true for images
	Size() int64
	AddedOn() time.Time
	LastUsedOn() time.Time
}

// Decision pairs an evicted entry with the reason it was dropped.
type Decision[E Entry] struct {
	Entry  E
	Reason string
}

// sortFor orders entries by the priority a given discipline assigns for
// retention: entries earlier in the returned slice are considered first
// and thus kept preferentially within a tight bound.
func sortFor[E Entry](discipline policy.Discipline, entries []E) []E {
	out := make([]E, len(entries))
	copy(out, entries)
	switch discipline {
	case policy.DisciplineOldest:
		sort.SliceStable(out, func(i, j int) bool { return out[i].AddedOn().Before(out[j].AddedOn()) })
	case policy.DisciplineNewest:
		sort.SliceStable(out, func(i, j int) bool { return out[i].AddedOn().After(out[j].AddedOn()) })
	case policy.DisciplineLargest:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Size() < out[j].Size() })
	case policy.DisciplineSmallest:
		sort.SliceStable(out, func(i, j int) bool { return out[i].Size() > out[j].Size() })
	case policy.DisciplineLRU:
		fallthrough
	default:
		sort.SliceStable(out, func(i, j int) bool { return out[i].LastUsedOn().After(out[j].LastUsedOn()) })
	}
	return out
}

type versionedEntry[E Entry] struct {
	version string
	e       E
}

// ForSubpolicy computes evictions for one kind's entry set against its
// subpolicy: phase A (filters, in declaration order) then phase B
// (subpolicy-level bounds over whatever filters didn't already claim).
// E must implement Entry directly; pointer types (e.g. *cache.Entry)
// naturally satisfy both Entry and comparable.
func ForSubpolicy[E interface {
	Entry
	comparable
}](entries []E, sp policy.Subpolicy, now time.Time) []Decision[E] {
	if sp.Enabled != nil && !*sp.Enabled {
		return nil
	}

	var decisions []Decision[E]
	claimed := make(map[E]bool, len(entries))

	for _, f := range sp.Filters {
		filterSize := int64(0)
		filterNum := 0
		versionBuckets := map[string][]versionedEntry[E]{}

		for _, e := range sortFor(f.Eviction, entries) {
			if claimed[e] {
				continue
			}
			if !f.Matches(e.Identifier()) {
				continue
			}
			claimed[e] = true

			if f.Ignore {
				decisions = append(decisions, Decision[E]{e, fmt.Sprintf("ignored pattern %s", f.Pattern)})
				continue
			}
			if f.MaxAge != 0 && e.AddedOn().Before(now.Add(-f.MaxAge)) {
				decisions = append(decisions, Decision[E]{e, "too old for filter max_age"})
				continue
			}
			if f.MaxSize != 0 && filterSize+e.Size() > f.MaxSize {
				decisions = append(decisions, Decision[E]{e, "would exceed filter max_size"})
				continue
			}
			if f.MaxNum != 0 && filterNum+1 > f.MaxNum {
				decisions = append(decisions, Decision[E]{e, "would exceed filter max_num"})
				continue
			}

			filterSize += e.Size()
			filterNum++
			if f.KeepIdentifiedVersions > 0 {
				if ident, version, ok := splitIdentVersion(e.Identifier()); ok {
					versionBuckets[ident] = append(versionBuckets[ident], versionedEntry[E]{version: version, e: e})
				}
			}
		}

		for _, bucket := range versionBuckets {
			for _, ve := range obsoleteVersions(bucket, f.KeepIdentifiedVersions) {
				claimed[ve.e] = true
				decisions = append(decisions, Decision[E]{ve.e, "version now obsolete"})
			}
		}
	}

	remaining := make([]E, 0, len(entries))
	for _, e := range entries {
		if !claimed[e] {
			remaining = append(remaining, e)
		}
	}

	decisions = append(decisions, forBounds(remaining, sp.Bounds, sp.KeepIdentifiedVersions, now, "subpolicy")...)
	return decisions
}

// ForMain computes evictions at the top-level policy for whatever entries
// weren't already claimed by the oci_images/files subpolicy pass (the
// wrapper at manager level splits by kind first; see internal/cache).
func ForMain[E interface {
	Entry
	comparable
}](entries []E, m policy.Main, now time.Time) []Decision[E] {
	if m.Enabled != nil && !*m.Enabled {
		return nil
	}
	return forBounds(entries, m.Bounds, m.KeepIdentifiedVersions, now, "main")
}

func forBounds[E interface {
	Entry
	comparable
}](entries []E, b policy.Bounds, keepVersions int, now time.Time, label string) []Decision[E] {
	var decisions []Decision[E]
	totalSize := int64(0)
	totalNum := 0
	versionBuckets := map[string][]versionedEntry[E]{}

	for _, e := range sortFor(b.Eviction, entries) {
		if !e.IsCacheable() {
			decisions = append(decisions, Decision[E]{e, "source protocol not cacheable"})
			continue
		}
		if b.MaxAge != 0 && e.AddedOn().Before(now.Add(-b.MaxAge)) {
			decisions = append(decisions, Decision[E]{e, fmt.Sprintf("too old for %s max_age", label)})
			continue
		}
		if b.MaxSize != 0 && totalSize+e.Size() > b.MaxSize {
			decisions = append(decisions, Decision[E]{e, fmt.Sprintf("would exceed %s max_size", label)})
			continue
		}
		if b.MaxNum != 0 && totalNum+1 > b.MaxNum {
			decisions = append(decisions, Decision[E]{e, fmt.Sprintf("would exceed %s max_num", label)})
			continue
		}
		totalSize += e.Size()
		totalNum++
		if keepVersions > 0 {
			if ident, version, ok := splitIdentVersion(e.Identifier()); ok {
				versionBuckets[ident] = append(versionBuckets[ident], versionedEntry[E]{version: version, e: e})
			}
		}
	}

	for _, bucket := range versionBuckets {
		for _, ve := range obsoleteVersions(bucket, keepVersions) {
			decisions = append(decisions, Decision[E]{ve.e, "version now obsolete"})
		}
	}
	return decisions
}
