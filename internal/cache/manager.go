package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/offspot/image-creator/internal/cachestore"
	"github.com/offspot/image-creator/internal/eviction"
	"github.com/offspot/image-creator/internal/policy"
	"github.com/offspot/image-creator/internal/source"
)

var (
	ErrNotPresent = errors.New("cache: item not present")
)

// DigestChecker resolves the current remote digest for a source, used by
// outdacy checks (spec §4.1). A transient failure must not be treated as
// "outdated" (spec §4.1 "Failure of digest retrieval is a non-fatal
// not-outdated result").
type DigestChecker interface {
	FileDigest(ctx context.Context, url string) (string, error)
	ImageDigest(ctx context.Context, ref string) (string, error)
}

// Manager is the Cache Manager (spec C5). It is not concurrency-safe: all
// mutating operations must happen on the single driver thread (spec §5).
type Manager struct {
	store      *cachestore.Store
	policy     policy.Main
	digests    DigestChecker
	refInstant time.Time

	entries    map[string]*Entry
	candidates map[string]*Candidate

	discovered bool
	applied    bool // apply() has run
	considered bool // apply_candidates() has run
}

func NewManager(store *cachestore.Store, p policy.Main, digests DigestChecker, refInstant time.Time) *Manager {
	return &Manager{
		store:      store,
		policy:     p,
		digests:    digests,
		refInstant: refInstant,
		entries:    make(map[string]*Entry),
		candidates: make(map[string]*Candidate),
	}
}

// Walk scans the root and populates the in-memory entry map. Files missing
// the digest attribute are skipped. Idempotent.
func (m *Manager) Walk() error {
	if err := m.store.EnsureRoot(); err != nil {
		return fmt.Errorf("cache: walk: %w", err)
	}
	entries := make(map[string]*Entry)
	err := m.store.Walk(func(rel, abs string) error {
		if !cachestore.LooksLikeEntry(abs) {
			return nil
		}
		md, err := cachestore.ReadMetadata(abs)
		if err != nil {
			return nil // malformed sidecar: treat as "not an entry", never fatal
		}
		size, err := cachestore.Size(abs)
		if err != nil {
			return nil
		}
		entries[rel] = &Entry{
			FPath:          rel,
			Kind:           Kind(md.Kind),
			SourceIdent:    md.SourceIdent,
			Digest:         md.Digest,
			SizeBytes:      size,
			AddedOnTime:    md.AddedOn,
			LastCheckedOn:  md.LastCheckedOn,
			LastUsedOnTime: md.LastUsedOn,
			NbUsed:         md.NbUsed,
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: walk: %w", err)
	}
	m.entries = entries
	m.discovered = true
	return nil
}

// Get returns the entry for a source or ErrNotPresent.
func (m *Manager) Get(src source.Source) (*Entry, error) {
	key, err := source.CacheKey(src)
	if err != nil {
		return nil, err
	}
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotPresent
	}
	return e, nil
}

// InCache reports whether an entry exists for item. When checkOutdacy is
// set, it triggers an outdacy check (§4.1) and evicts the entry (reason
// "found outdated") if stale; a transient-failure check is treated as
// not-outdated, per spec.
func (m *Manager) InCache(ctx context.Context, src source.Source, checkOutdacy bool) (bool, error) {
	key, err := source.CacheKey(src)
	if err != nil {
		return false, err
	}
	e, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if !checkOutdacy {
		return true, nil
	}
	stale, err := m.isOutdated(ctx, e, 0)
	if err != nil {
		// transient failure: not outdated.
		return true, nil
	}
	if stale {
		m.Evict(e, "found outdated")
		return false, nil
	}
	return true, nil
}

// isOutdated implements spec §4.1/§4.5: digest=="" is always outdated; a
// cached is_outdated_if(checkAfter) short-circuits without a remote call
// when the entry was checked recently enough.
func (m *Manager) isOutdated(ctx context.Context, e *Entry, checkAfter time.Duration) (bool, error) {
	if checkAfter > 0 && !e.LastCheckedOn.IsZero() && e.LastCheckedOn.Add(checkAfter).After(m.refInstant) {
		return false, nil
	}
	if e.Digest == "" {
		return true, nil
	}
	var remote string
	var err error
	if e.Kind == KindImage {
		remote, err = m.digests.ImageDigest(ctx, e.SourceIdent)
	} else {
		remote, err = m.digests.FileDigest(ctx, e.SourceIdent)
	}
	if err != nil {
		return false, err
	}
	stale := remote == "" || remote != e.Digest
	if !stale {
		e.LastCheckedOn = m.refInstant
		abs := m.store.Path(e.FPath)
		_ = cachestore.WriteMetadata(abs, m.metadataOf(e))
	}
	return stale, nil
}

// AddCandidate registers a candidate for item at the run's reference
// instant. No-op if the policy is disabled.
func (m *Manager) AddCandidate(src source.Source) error {
	if m.policy.Enabled != nil && !*m.policy.Enabled {
		return nil
	}
	key, err := source.CacheKey(src)
	if err != nil {
		return err
	}
	m.candidates[key] = NewCandidate(key, src, m.refInstant)
	return nil
}

// kindSplit groups entries by kind, used by both Apply and ApplyCandidates
// to feed the manager-level eviction wrapper (spec §4.4 "wrapper at
// manager level").
func kindSplit[E interface {
	eviction.Entry
	comparable
	kindOf() Kind
}](all []E) (images, files, rest []E) {
	for _, e := range all {
		switch e.kindOf() {
		case KindImage:
			images = append(images, e)
		case KindFile:
			files = append(files, e)
		default:
			rest = append(rest, e)
		}
	}
	return
}

func (e *Entry) kindOf() Kind { return e.Kind }

// evictionFor runs the full manager-level wrapper over a combined set:
// images through oci_images subpolicy, then files through files
// subpolicy, then anything not already evicted through the main policy;
// results are deduplicated by identity.
func (m *Manager) evictionFor(all []*Entry) []eviction.Decision[*Entry] {
	if m.policy.Enabled != nil && !*m.policy.Enabled {
		return nil
	}

	images, files, rest := kindSplit(all)

	decisions := eviction.ForSubpolicy(images, m.policy.OCIImages, m.refInstant)
	claimed := claimedSet(decisions)

	remaining := append(filterOut(files, claimed), rest...)
	fileDecisions := eviction.ForSubpolicy(remaining, m.policy.Files, m.refInstant)
	decisions = append(decisions, fileDecisions...)
	for _, d := range fileDecisions {
		claimed[d.Entry] = true
	}

	stillRemaining := filterOut(all, claimed)
	decisions = append(decisions, eviction.ForMain(stillRemaining, m.policy, m.refInstant)...)

	return dedupeDecisions(decisions)
}

func claimedSet(decisions []eviction.Decision[*Entry]) map[*Entry]bool {
	out := make(map[*Entry]bool, len(decisions))
	for _, d := range decisions {
		out[d.Entry] = true
	}
	return out
}

func filterOut(all []*Entry, claimed map[*Entry]bool) []*Entry {
	out := make([]*Entry, 0, len(all))
	for _, e := range all {
		if !claimed[e] {
			out = append(out, e)
		}
	}
	return out
}

func dedupeDecisions(decisions []eviction.Decision[*Entry]) []eviction.Decision[*Entry] {
	seen := make(map[*Entry]bool, len(decisions))
	out := make([]eviction.Decision[*Entry], 0, len(decisions))
	for _, d := range decisions {
		if seen[d.Entry] {
			continue
		}
		seen[d.Entry] = true
		out = append(out, d)
	}
	return out
}

// Apply runs the eviction engine over current entries, deletes them from
// disk, and marks the manager applied.
func (m *Manager) Apply() error {
	if m.policy.Enabled != nil && !*m.policy.Enabled {
		m.applied = true
		return nil
	}
	all := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
	}
	for _, d := range m.evictionFor(all) {
		m.Evict(d.Entry, d.Reason)
	}
	m.applied = true
	return nil
}

// ApplyCandidates runs the engine over entries ∪ candidates: entries on
// the eviction list are deleted, candidates on the eviction list are
// dropped from the candidate map. Marks considered. Idempotent: a second
// call with unchanged inputs makes no further change (testable property
// #3) because eviction is a pure function of the current entries and
// candidates, which do not change between calls with no new activity.
func (m *Manager) ApplyCandidates() error {
	all := make([]*Entry, 0, len(m.entries)+len(m.candidates))
	for _, e := range m.entries {
		all = append(all, e)
	}
	candidateSet := make(map[*Entry]bool, len(m.candidates))
	for _, c := range m.candidates {
		all = append(all, &c.Entry)
		candidateSet[&c.Entry] = true
	}

	for _, d := range m.evictionFor(all) {
		if candidateSet[d.Entry] {
			delete(m.candidates, d.Entry.FPath)
			continue
		}
		m.Evict(d.Entry, d.Reason)
	}
	m.considered = true
	return nil
}

// ShouldCache ensures apply_candidates has run, then reports whether the
// candidate for item survived admission.
func (m *Manager) ShouldCache(src source.Source) (bool, error) {
	if !m.considered {
		if err := m.ApplyCandidates(); err != nil {
			return false, err
		}
	}
	key, err := source.CacheKey(src)
	if err != nil {
		return false, err
	}
	_, ok := m.candidates[key]
	return ok, nil
}

// Introduce copies srcPath into the store under item's CacheKey, writes
// sidecar metadata, and promotes the candidate to an entry. On metadata
// write failure, removes any partial file and returns false.
func (m *Manager) Introduce(src source.Source, srcPath, digest string) (bool, error) {
	key, err := source.CacheKey(src)
	if err != nil {
		return false, err
	}
	dest := m.store.Path(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return false, fmt.Errorf("cache: introduce: mkdir: %w", err)
	}
	if err := copyFile(srcPath, dest); err != nil {
		return false, fmt.Errorf("cache: introduce: copy: %w", err)
	}

	kind := KindFile
	if src.Kind() == source.KindImage {
		kind = KindImage
	}
	e := &Entry{
		FPath:          key,
		Kind:           kind,
		SourceIdent:    src.Identifier(),
		Digest:         digest,
		AddedOnTime:    m.refInstant,
		LastCheckedOn:  m.refInstant,
		LastUsedOnTime: m.refInstant,
		NbUsed:         1,
	}
	if size, err := cachestore.Size(dest); err == nil {
		e.SizeBytes = size
	}

	if err := cachestore.WriteMetadata(dest, m.metadataOf(e)); err != nil {
		os.Remove(dest)
		return false, nil
	}

	m.entries[key] = e
	delete(m.candidates, key)
	return true, nil
}

// CopyOut copies a cached entry's on-disk file to dest, for steps that
// consume a cache hit without going through Introduce.
func (m *Manager) CopyOut(e *Entry, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("cache: copy out: mkdir: %w", err)
	}
	return copyFile(m.store.Path(e.FPath), dest)
}

// Evict deletes entry's on-disk file and removes it from the entry map.
func (m *Manager) Evict(e *Entry, reason string) bool {
	abs := m.store.Path(e.FPath)
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return false
	}
	delete(m.entries, e.FPath)
	return true
}

// EvictOutdated checks outdacy for every entry, respecting each entry's
// per-entry check_after (resolved from the policy tree), and evicts stale
// ones.
func (m *Manager) EvictOutdated(ctx context.Context) {
	for _, e := range snapshot(m.entries) {
		checkAfter := m.checkAfterFor(e)
		stale, err := m.isOutdated(ctx, e, checkAfter)
		if err != nil || !stale {
			continue
		}
		m.Evict(e, "found outdated")
	}
}

func snapshot(m map[string]*Entry) []*Entry {
	out := make([]*Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out
}

// checkAfterFor resolves the most specific check_after bound (filter >
// subpolicy > main) applicable to an entry's source identifier.
func (m *Manager) checkAfterFor(e *Entry) time.Duration {
	sp := m.policy.Files
	if e.Kind == KindImage {
		sp = m.policy.OCIImages
	}
	for _, f := range sp.Filters {
		if f.Matches(e.SourceIdent) && f.CheckAfter > 0 {
			return f.CheckAfter
		}
	}
	if sp.CheckAfter > 0 {
		return sp.CheckAfter
	}
	return m.policy.CheckAfter
}

// MarkUsage increments nb_used by n and updates last_used_on. Every
// consumer of a cached artifact must call it exactly once per use.
func (m *Manager) MarkUsage(e *Entry, n int) error {
	e.NbUsed += n
	e.LastUsedOnTime = m.refInstant
	abs := m.store.Path(e.FPath)
	return cachestore.WriteMetadata(abs, m.metadataOf(e))
}

func (m *Manager) metadataOf(e *Entry) cachestore.Metadata {
	return cachestore.Metadata{
		AddedOn:       e.AddedOnTime,
		LastCheckedOn: e.LastCheckedOn,
		LastUsedOn:    e.LastUsedOnTime,
		NbUsed:        e.NbUsed,
		Kind:          string(e.Kind),
		SourceIdent:   e.SourceIdent,
		Digest:        e.Digest,
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
