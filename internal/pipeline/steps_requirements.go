package pipeline

import "strings"

// CheckRequirements is pipeline step 1, grounded on
// original_source/steps/cache.py's CheckRequirements: verifies
// super-user, required binaries, loop-device availability, and kernel
// ext4 support.
type CheckRequirements struct{}

func NewCheckRequirements() Step { return &CheckRequirements{} }

func (s *CheckRequirements) Name() string { return "CheckRequirements" }

func (s *CheckRequirements) Run(p *Payload) int {
	allGood := true

	if !isRoot() {
		p.Reporter.FailTask("uid", errString("you must be root"))
		allGood = false
	} else {
		p.Reporter.Dot(dotOK())
	}

	if missing := missingBinaries(); len(missing) > 0 {
		p.Reporter.FailTask("binary dependencies", errString("missing: "+strings.Join(missing, ", ")))
		allGood = false
	} else {
		p.Reporter.Dot(dotOK())
	}

	if !hasLoopDevice() {
		p.Reporter.FailTask("loop-device capability", errString("unavailable"))
		allGood = false
	} else {
		p.Reporter.Dot(dotOK())
	}

	if !hasExt4Support() {
		p.Reporter.FailTask("ext4 support", errString("unavailable"))
		allGood = false
	} else {
		p.Reporter.Dot(dotOK())
	}

	if !allGood {
		p.Reporter.Message(HelpText)
		return 2
	}
	return 0
}

func (s *CheckRequirements) Cleanup(p *Payload) {}
