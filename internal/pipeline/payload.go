package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/offspot/image-creator/internal/blockdev"
	"github.com/offspot/image-creator/internal/buildconfig"
	"github.com/offspot/image-creator/internal/cache"
	"github.com/offspot/image-creator/internal/ociexport"
	"github.com/offspot/image-creator/internal/policy"
	"github.com/offspot/image-creator/internal/ui"
)

// Options carries the parsed CLI flags (spec §6's table plus -T/--concurrency).
type Options struct {
	ConfigPath string
	OutputPath string
	BuildDir   string
	CacheDir   string
	ShowCache  bool
	CheckOnly  bool // -C/--check: stop after ComputeSizes
	KeepFailed bool // -K/--keep
	Overwrite  bool // -X/--overwrite
	MaxSize    int64
	Debug      bool // -D/--debug
	Concurrency int // -T/--concurrency: 0 = auto, 1 = disable
}

// Payload is the shared, mutable state every pipeline step reads and
// writes across Run and a later Cleanup. Step instances are reconstructed
// fresh before each call (spec §4.6), so anything that must survive
// between a step's own Run and Cleanup — or be visible to a later step —
// lives here instead of on the step.
type Payload struct {
	Ctx context.Context

	Opts   Options
	Config *buildconfig.Document
	Policy policy.Main

	Log      *slog.Logger
	Reporter ui.Reporter

	HTTPClient *http.Client
	BlockDev   *blockdev.Helper
	OCI        *ociexport.Exporter
	Cache      *cache.Manager

	// OutputPath is the disk image under construction; removed on an
	// unsuccessful halt unless KeepFailed is set (spec §4.6).
	OutputPath string

	// Attach/mount state, populated by the corresponding steps and
	// consumed by later steps and by Cleanup in reverse.
	LoopDevice    string
	BootMountPath string
	DataMountPath string

	// ComputeSizes accumulates the total bytes needed for declared
	// content; ResizingImage reads it when output.size is "auto".
	NeededBytes int64

	// Per-run bookkeeping used by GivingFeedback and by steps that must
	// not repeat expensive work.
	DownloadedBytes int64
	Warnings        []string
}

// removeOutput deletes the in-progress output image file, if any.
func (p *Payload) removeOutput() error {
	if p.OutputPath == "" {
		return nil
	}
	if err := os.Remove(p.OutputPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pipeline: remove output: %w", err)
	}
	return nil
}

// Warn records a non-fatal condition surfaced to the user at the end of
// the run (spec §4.9 "collects warnings surfaced at the end").
func (p *Payload) Warn(format string, args ...interface{}) {
	p.Warnings = append(p.Warnings, fmt.Sprintf(format, args...))
}
