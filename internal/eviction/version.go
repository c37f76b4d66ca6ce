package eviction

import (
	"regexp"
	"sort"
)

// imageVersionRe and zimVersionRe match the two version-identified shapes
// spec §4.4 describes: "<ident>:<version>" (images) and
// "<ident>_<YYYY-MM>.zim" (files).
var (
	imageVersionRe = regexp.MustCompile(`^(?P<ident>.+):(?P<version>[^:]+)$`)
	zimVersionRe   = regexp.MustCompile(`^(?P<ident>.+)_(?P<version>\d{4}-\d{2})\.zim$`)
)

// splitIdentVersion extracts (ident, version) from a source identifier if
// it matches one of the two version-identified shapes.
func splitIdentVersion(identifier string) (ident, version string, ok bool) {
	if m := zimVersionRe.FindStringSubmatch(identifier); m != nil {
		return m[1], m[2], true
	}
	if m := imageVersionRe.FindStringSubmatch(identifier); m != nil {
		return m[1], m[2], true
	}
	return "", "", false
}

// obsoleteVersions returns every entry in bucket beyond the keep newest
// naturally-sorted versions.
func obsoleteVersions[E Entry](bucket []versionedEntry[E], keep int) []versionedEntry[E] {
	if keep <= 0 || len(bucket) <= keep {
		return nil
	}
	sorted := make([]versionedEntry[E], len(bucket))
	copy(sorted, bucket)
	sort.Slice(sorted, func(i, j int) bool {
		return naturalLess(sorted[i].version, sorted[j].version)
	})
	return sorted[:len(sorted)-keep]
}

// naturalLess compares version-like strings ("1.0" < "1.1" < "1.2" < "2.0",
// "2024-01" < "2024-02") by splitting into alternating digit/non-digit runs
// and comparing numerically where both sides are numeric.
func naturalLess(a, b string) bool {
	ar, br := splitRuns(a), splitRuns(b)
	for i := 0; i < len(ar) && i < len(br); i++ {
		if ar[i] == br[i] {
			continue
		}
		an, aIsNum := toInt(ar[i])
		bn, bIsNum := toInt(br[i])
		if aIsNum && bIsNum {
			return an < bn
		}
		return ar[i] < br[i]
	}
	return len(ar) < len(br)
}

func splitRuns(s string) []string {
	var runs []string
	var cur []rune
	curDigit := false
	for i, r := range s {
		isDigit := r >= '0' && r <= '9'
		if i == 0 {
			curDigit = isDigit
		}
		if isDigit != curDigit {
			runs = append(runs, string(cur))
			cur = nil
			curDigit = isDigit
		}
		cur = append(cur, r)
	}
	if len(cur) > 0 {
		runs = append(runs, string(cur))
	}
	return runs
}

func toInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}
