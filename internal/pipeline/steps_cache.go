package pipeline

import (
	"os"
	"path/filepath"
	"time"

	"github.com/offspot/image-creator/internal/cache"
	"github.com/offspot/image-creator/internal/cachestore"
	"github.com/offspot/image-creator/internal/policy"
)

// CheckCache is pipeline step 3, grounded on
// original_source/steps/cache.py's CheckCache: verifies xattr support on
// the cache directory, loads policy.yaml or defaults, constructs the
// Cache Manager and walks the store. With no --cache-dir, the driver
// removes this step (RemoveStep), matching spec §4.7 point 4/5.
type CheckCache struct{}

func NewCheckCache() Step { return &CheckCache{} }

func (s *CheckCache) Name() string { return "CheckCache" }

func (s *CheckCache) Run(p *Payload) int {
	if err := os.MkdirAll(p.Opts.CacheDir, 0o755); err != nil {
		p.Reporter.FailTask("preparing cache dir", err)
		return 1
	}

	store := cachestore.New(p.Opts.CacheDir)
	if err := store.CheckXattrSupport(); err != nil {
		p.Reporter.FailTask("checking user_xattr support", err)
		return 1
	}
	p.Reporter.Dot(dotOK())

	pol := policy.Defaults()
	policyPath := filepath.Join(p.Opts.CacheDir, cachestore.PolicyFileName)
	if text, err := os.ReadFile(policyPath); err == nil {
		parsed, perr := policy.ReadFrom(text)
		if perr != nil {
			p.Reporter.FailTask("parsing cache policy", perr)
			return 1
		}
		pol = parsed
		p.Reporter.Dot(dotOK())
	} else {
		p.Reporter.Message("cache policy not present; using defaults")
	}

	checker := cache.NewHTTPDigestChecker(p.HTTPClient)
	mgr := cache.NewManager(store, pol, checker, time.Now())
	if err := mgr.Walk(); err != nil {
		p.Reporter.FailTask("initializing cache", err)
		return 1
	}
	p.Cache = mgr
	p.Policy = pol
	p.Reporter.Dot(dotOK())
	return 0
}

func (s *CheckCache) Cleanup(p *Payload) {}

// PrintingCache is pipeline step 4: reporting only.
type PrintingCache struct{}

func NewPrintingCache() Step { return &PrintingCache{} }

func (s *PrintingCache) Name() string { return "PrintingCache" }

func (s *PrintingCache) Run(p *Payload) int {
	if p.Cache == nil {
		return 0
	}
	p.Reporter.Message("cache status at %s", p.Opts.CacheDir)
	return 0
}

func (s *PrintingCache) Cleanup(p *Payload) {}

// ApplyCachePolicy is pipeline step 5, grounded on
// original_source/steps/cache.py's ApplyCachePolicy: runs apply() then
// evict_outdated().
type ApplyCachePolicy struct{}

func NewApplyCachePolicy() Step { return &ApplyCachePolicy{} }

func (s *ApplyCachePolicy) Name() string { return "ApplyCachePolicy" }

func (s *ApplyCachePolicy) Run(p *Payload) int {
	if p.Cache == nil {
		return 0
	}
	if err := p.Cache.Apply(); err != nil {
		p.Reporter.FailTask("enforcing cache policy", err)
		return 1
	}
	p.Cache.EvictOutdated(p.Ctx)
	p.Reporter.Dot(dotOK())
	return 0
}

func (s *ApplyCachePolicy) Cleanup(p *Payload) {}
