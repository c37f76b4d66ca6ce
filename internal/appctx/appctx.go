// Package appctx builds the explicit composition root (spec §9's
// replacement for the prior implementation's `_Global` singleton):
// logger, UI reporter, HTTP client, and the block-device/OCI adapters,
// threaded explicitly through the pipeline instead of living as package
// level mutable state. Grounded on kernel-hypeman's lib/providers, without
// google/wire: constructed directly, no dependency-injection framework.
package appctx

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/offspot/image-creator/internal/blockdev"
	"github.com/offspot/image-creator/internal/ociexport"
	"github.com/offspot/image-creator/internal/pipeline"
	"github.com/offspot/image-creator/internal/ui"
)

// AppContext carries every shared collaborator the CLI driver wires
// together before running the step machine.
type AppContext struct {
	Opts     pipeline.Options
	Log      *slog.Logger
	Reporter ui.Reporter

	HTTPClient *http.Client
	BlockDev   *blockdev.Helper
	OCI        *ociexport.Exporter
}

// New builds an AppContext from parsed CLI options. ociLayoutDir is the
// shared OCI-layout cache directory the exporter deduplicates pulls into
// (normally a subdirectory of the build directory).
func New(opts pipeline.Options, ociLayoutDir string) (*AppContext, error) {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	exporter, err := ociexport.New(ociLayoutDir)
	if err != nil {
		return nil, err
	}

	return &AppContext{
		Opts:     opts,
		Log:      log,
		Reporter: ui.NewTermReporter(),
		HTTPClient: &http.Client{
			Timeout: 2 * time.Hour, // base images and OCI layers can be large
		},
		BlockDev: blockdev.New(),
		OCI:      exporter,
	}, nil
}

// NewPayload seeds a fresh pipeline.Payload from this context, ready for
// the step machine's first Run.
func (a *AppContext) NewPayload(ctx context.Context) *pipeline.Payload {
	return &pipeline.Payload{
		Ctx:        ctx,
		Opts:       a.Opts,
		Log:        a.Log,
		Reporter:   a.Reporter,
		HTTPClient: a.HTTPClient,
		BlockDev:   a.BlockDev,
		OCI:        a.OCI,
		OutputPath: a.Opts.OutputPath,
	}
}
