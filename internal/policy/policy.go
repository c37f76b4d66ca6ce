// Package policy implements the hierarchical cache eviction policy: a
// four-level tree of Main policy, per-kind Subpolicy, per-pattern Filter,
// and the common bound set they all share.
package policy

import (
	"fmt"
	"regexp"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/ghodss/yaml"
)

// Discipline orders entries for retention priority when a bound is tight.
type Discipline string

const (
	DisciplineOldest   Discipline = "oldest"
	DisciplineNewest   Discipline = "newest"
	DisciplineLargest  Discipline = "largest"
	DisciplineSmallest Discipline = "smallest"
	DisciplineLRU      Discipline = "lru"
)

// Bounds is the common parameter set shared by Main, Subpolicy, and Filter.
type Bounds struct {
	MaxSize    int64         // bytes; 0 means "unset"
	MaxAge     time.Duration // 0 means "unset"
	MaxNum     int           // 0 means "unset"
	Eviction   Discipline
	CheckAfter time.Duration // 0 means "always check"
}

// exceeds reports whether this bound set exceeds parent, per-field, for
// every bound parent has set (hierarchical constraint, spec §4.2).
func (b Bounds) exceeds(parent Bounds, child, parentLabel string) error {
	if parent.MaxSize != 0 && b.MaxSize != 0 && b.MaxSize > parent.MaxSize {
		return fmt.Errorf("policy: %s.max_size (%d) exceeds %s.max_size (%d)", child, b.MaxSize, parentLabel, parent.MaxSize)
	}
	if parent.MaxAge != 0 && b.MaxAge != 0 && b.MaxAge > parent.MaxAge {
		return fmt.Errorf("policy: %s.max_age (%s) exceeds %s.max_age (%s)", child, b.MaxAge, parentLabel, parent.MaxAge)
	}
	if parent.MaxNum != 0 && b.MaxNum != 0 && b.MaxNum > parent.MaxNum {
		return fmt.Errorf("policy: %s.max_num (%d) exceeds %s.max_num (%d)", child, b.MaxNum, parentLabel, parent.MaxNum)
	}
	return nil
}

// Filter is a pattern-scoped rule inside a Subpolicy.
type Filter struct {
	Pattern                string
	re                      *regexp.Regexp
	Ignore                  bool
	KeepIdentifiedVersions  int
	Bounds
}

func (f *Filter) compile() error {
	re, err := regexp.Compile("(?i)" + f.Pattern)
	if err != nil {
		return fmt.Errorf("policy: filter pattern %q: %w", f.Pattern, err)
	}
	f.re = re
	return nil
}

// Matches reports whether identifier matches this filter's pattern.
func (f *Filter) Matches(identifier string) bool {
	if f.re == nil {
		_ = f.compile()
	}
	return f.re != nil && f.re.MatchString(identifier)
}

// Subpolicy is the per-kind (oci_images or files) policy node.
type Subpolicy struct {
	Enabled *bool // nil means "unset" (inherits enabled-ness of parent)
	Bounds
	KeepIdentifiedVersions int
	Filters                []Filter
}

func (s Subpolicy) enabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Main is the root of the policy tree.
type Main struct {
	Enabled *bool
	Bounds
	KeepIdentifiedVersions int
	OCIImages              Subpolicy
	Files                  Subpolicy
}

func (m Main) enabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Defaults returns the policy used when no policy file is present:
// enabled, max_size=10GiB, eviction=lru, everything else unset.
func Defaults() Main {
	const tenGiB = 10 * 1024 * 1024 * 1024
	return Main{
		Bounds: Bounds{
			MaxSize:  tenGiB,
			Eviction: DisciplineLRU,
		},
		OCIImages: Subpolicy{Bounds: Bounds{Eviction: DisciplineLRU}},
		Files:     Subpolicy{Bounds: Bounds{Eviction: DisciplineLRU}},
	}
}

// wireBounds is the YAML/JSON wire shape for Bounds, using human-friendly
// size/duration strings per spec §4.2 ("accepts human units").
type wireBounds struct {
	MaxSize    string `json:"max_size,omitempty"`
	MaxAge     string `json:"max_age,omitempty"`
	MaxNum     int    `json:"max_num,omitempty"`
	Eviction   string `json:"eviction,omitempty"`
	CheckAfter string `json:"check_after,omitempty"`
}

func (w wireBounds) parse() (Bounds, error) {
	var b Bounds
	if w.MaxSize != "" {
		var sz datasize.ByteSize
		if err := sz.UnmarshalText([]byte(w.MaxSize)); err != nil {
			return b, fmt.Errorf("policy: max_size %q: %w", w.MaxSize, err)
		}
		if int64(sz) < 0 {
			return b, fmt.Errorf("policy: max_size %q: negative sizes are rejected", w.MaxSize)
		}
		b.MaxSize = int64(sz)
	}
	if w.MaxAge != "" {
		d, err := ParseHumanDuration(w.MaxAge)
		if err != nil {
			return b, fmt.Errorf("policy: max_age %q: %w", w.MaxAge, err)
		}
		b.MaxAge = d
	}
	b.MaxNum = w.MaxNum
	if w.Eviction != "" {
		b.Eviction = Discipline(w.Eviction)
	} else {
		b.Eviction = DisciplineLRU
	}
	if w.CheckAfter != "" {
		d, err := ParseHumanDuration(w.CheckAfter)
		if err != nil {
			return b, fmt.Errorf("policy: check_after %q: %w", w.CheckAfter, err)
		}
		b.CheckAfter = d
	}
	return b, nil
}

type wireFilter struct {
	wireBounds
	Pattern                string `json:"pattern"`
	Ignore                 bool   `json:"ignore,omitempty"`
	KeepIdentifiedVersions int    `json:"keep_identified_versions,omitempty"`
}

type wireSubpolicy struct {
	wireBounds
	Enabled                *bool        `json:"enabled,omitempty"`
	KeepIdentifiedVersions int          `json:"keep_identified_versions,omitempty"`
	Filters                []wireFilter `json:"filters,omitempty"`
}

type wireMain struct {
	wireBounds
	Enabled                *bool         `json:"enabled,omitempty"`
	KeepIdentifiedVersions int           `json:"keep_identified_versions,omitempty"`
	OCIImages              wireSubpolicy `json:"oci_images,omitempty"`
	Files                  wireSubpolicy `json:"files,omitempty"`
}

// ReadFrom parses a policy.yaml document into a validated Main tree.
// Unrecognized top-level keys are accepted (ghodss/yaml -> json.Unmarshal
// silently ignores them, matching spec's parse contract); a missing
// subpolicy is instantiated with defaults.
func ReadFrom(text []byte) (Main, error) {
	var w wireMain
	if err := yaml.Unmarshal(text, &w); err != nil {
		return Main{}, fmt.Errorf("policy: parse yaml: %w", err)
	}
	return w.resolve()
}

func (w wireMain) resolve() (Main, error) {
	mb, err := w.wireBounds.parse()
	if err != nil {
		return Main{}, err
	}
	m := Main{
		Enabled:                w.Enabled,
		Bounds:                 mb,
		KeepIdentifiedVersions: w.KeepIdentifiedVersions,
	}

	oci, err := w.OCIImages.resolve(mb, "oci_images")
	if err != nil {
		return Main{}, err
	}
	m.OCIImages = oci

	files, err := w.Files.resolve(mb, "files")
	if err != nil {
		return Main{}, err
	}
	m.Files = files

	return m, nil
}

func (w wireSubpolicy) resolve(parent Bounds, label string) (Subpolicy, error) {
	sb, err := w.wireBounds.parse()
	if err != nil {
		return Subpolicy{}, err
	}
	if err := sb.exceeds(parent, label, "main"); err != nil {
		return Subpolicy{}, err
	}
	s := Subpolicy{
		Enabled:                w.Enabled,
		Bounds:                 sb,
		KeepIdentifiedVersions: w.KeepIdentifiedVersions,
	}
	for i, wf := range w.Filters {
		fb, err := wf.wireBounds.parse()
		if err != nil {
			return Subpolicy{}, err
		}
		if err := fb.exceeds(sb, fmt.Sprintf("%s.filters[%d]", label, i), label); err != nil {
			return Subpolicy{}, err
		}
		f := Filter{
			Pattern:                wf.Pattern,
			Ignore:                 wf.Ignore,
			KeepIdentifiedVersions: wf.KeepIdentifiedVersions,
			Bounds:                 fb,
		}
		if err := f.compile(); err != nil {
			return Subpolicy{}, err
		}
		s.Filters = append(s.Filters, f)
	}
	return s, nil
}
