// Package pipeline implements the Step Orchestrator (spec C6) and the
// concrete pipeline steps (spec C7) that assemble the final image.
package pipeline

import (
	"log/slog"
)

// Step is a named unit with two operations. Run returns 0 on success;
// nonzero stops the pipeline and becomes the process exit code. Cleanup
// is best-effort and must never panic.
type Step interface {
	Name() string
	Run(p *Payload) int
	Cleanup(p *Payload)
}

// StepFactory constructs a fresh Step instance. The orchestrator keeps an
// ordered list of factories, not instances, so that cleanup (spec §4.6)
// can run against freshly constructed steps — state that needs to survive
// between Run and a later Cleanup lives in Payload, never in step fields
// (spec §9, replacing the original's stateful step objects).
type StepFactory func() Step

// Machine is the Step Orchestrator: an ordered, 0-based-cursor list of
// step factories, run forward, cleaned up in reverse on halt.
type Machine struct {
	factories []namedFactory
	cursor    int // index of the next step to run
	highWater int // highest index actually started
	log       *slog.Logger
}

type namedFactory struct {
	name    string
	factory StepFactory
}

func NewMachine(log *slog.Logger) *Machine {
	return &Machine{log: log}
}

// Add appends a step factory to the end of the pipeline.
func (m *Machine) Add(name string, f StepFactory) {
	m.factories = append(m.factories, namedFactory{name, f})
}

// HaltAfter truncates the pipeline to end after the named step
// (inclusive). Used by the CLI driver to implement --check.
func (m *Machine) HaltAfter(name string) {
	for i, nf := range m.factories {
		if nf.name == name {
			m.factories = m.factories[:i+1]
			return
		}
	}
}

// RemoveStep drops a single named step from the pipeline. Used by the CLI
// driver when no cache directory is configured (PrintingCache,
// ApplyCachePolicy are removable).
func (m *Machine) RemoveStep(name string) {
	for i, nf := range m.factories {
		if nf.name == name {
			m.factories = append(m.factories[:i], m.factories[i+1:]...)
			return
		}
	}
}

// Run executes the pipeline forward until a step returns nonzero or the
// list is exhausted. Returns the exit code of the failing step, or 0.
func (m *Machine) Run(p *Payload) int {
	for m.cursor = 0; m.cursor < len(m.factories); m.cursor++ {
		nf := m.factories[m.cursor]
		m.highWater = m.cursor
		step := nf.factory()
		m.log.Debug("running step", "step", nf.name)
		if code := step.Run(p); code != 0 {
			m.log.Error("step failed", "step", nf.name, "code", code)
			return code
		}
	}
	return 0
}

// Halt walks from the highest-reached cursor down to index 0, invoking
// Cleanup on a freshly constructed instance of each step that was
// started. It also removes the output image file unless the run
// succeeded or KeepFailed was set.
func (m *Machine) Halt(p *Payload, succeeded bool) {
	for i := m.highWater; i >= 0; i-- {
		nf := m.factories[i]
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Warn("panic during cleanup", "step", nf.name, "recover", r)
				}
			}()
			step := nf.factory()
			m.log.Debug("cleaning up step", "step", nf.name)
			step.Cleanup(p)
		}()
	}

	if !succeeded && !p.Opts.KeepFailed && p.OutputPath != "" {
		_ = p.removeOutput()
	}
}
