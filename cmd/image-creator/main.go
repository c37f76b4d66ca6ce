// Command image-creator assembles a bootable SBC disk image from a
// configuration document, per spec.md/SPEC_FULL.md. It wires the step
// orchestrator (internal/pipeline) with the block-device, downloader,
// and OCI-export adapters, and maps step failures to the process exit
// codes below.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"

	"github.com/offspot/image-creator/internal/appctx"
	"github.com/offspot/image-creator/internal/pipeline"
)

// version is set at build time via -ldflags, left "dev" otherwise.
var version = "dev"

// Exit codes, grounded on original_source/exceptions.py /
// steps/machine.py's returncodes: 0 success, 1 generic I/O/orchestration
// failure, 2 missing system requirement, 3 invalid inputs, 4 unreachable
// source.
const (
	exitOK               = 0
	exitGeneric          = 1
	exitMissingRequirement = 2
	exitInvalidInput     = 3
	exitUnreachableSource = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var opts pipeline.Options

	var showVersion bool

	root := &cobra.Command{
		Use:           "image-creator CONFIG_SRC OUTPUT",
		Short:         "Assemble a bootable SBC disk image from a configuration document",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, posArgs []string) error {
			if showVersion {
				fmt.Println(version)
				return nil
			}
			opts.ConfigPath = posArgs[0]
			opts.OutputPath = posArgs[1]
			if maxSize != "" {
				var sz datasize.ByteSize
				if err := sz.UnmarshalText([]byte(maxSize)); err != nil {
					return fmt.Errorf("--max-size %q: %w", maxSize, err)
				}
				opts.MaxSize = int64(sz)
			}
			code := runPipeline(cmd.Context(), opts)
			if code != exitOK {
				return exitError{code: code}
			}
			return nil
		},
	}
	root.Args = func(cmd *cobra.Command, posArgs []string) error {
		if showVersion {
			return nil
		}
		return cobra.ExactArgs(2)(cmd, posArgs)
	}

	flags := root.Flags()
	flags.BoolVarP(&showVersion, "version", "V", false, "print version and exit")
	flags.StringVar(&opts.BuildDir, "build-dir", os.TempDir(), "scratch directory for intermediate files")
	flags.StringVar(&opts.CacheDir, "cache-dir", "", "content cache directory (disabled if unset)")
	flags.BoolVar(&opts.ShowCache, "show-cache", false, "print cache status and exit")
	flags.BoolVarP(&opts.CheckOnly, "check", "C", false, "validate inputs and stop before writing the image")
	flags.BoolVarP(&opts.KeepFailed, "keep", "K", false, "keep the partial output image on failure")
	flags.BoolVarP(&opts.Overwrite, "overwrite", "X", false, "overwrite OUTPUT if it already exists")
	var maxSize string
	flags.StringVar(&maxSize, "max-size", "", "upper bound on image size (human units, e.g. 16GiB); empty means no limit")
	flags.BoolVarP(&opts.Debug, "debug", "D", false, "enable debug logging")
	flags.IntVarP(&opts.Concurrency, "concurrency", "T", 0, "transfer bound for the HTTP downloader (0 = auto/GOMAXPROCS, 1 uses a plain GET); files are fetched one at a time")

	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		if ee, ok := err.(exitError); ok {
			return ee.code
		}
		fmt.Fprintln(os.Stderr, err)
		return exitInvalidInput
	}
	return exitOK
}

type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit code %d", e.code) }

func runPipeline(ctx context.Context, opts pipeline.Options) int {
	ociLayoutDir := filepath.Join(opts.BuildDir, "oci-layout")
	app, err := appctx.New(opts, ociLayoutDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitGeneric
	}

	machine := pipeline.NewMachine(app.Log)
	machine.Add("CheckRequirements", pipeline.NewCheckRequirements)
	machine.Add("CheckInputs", pipeline.NewCheckInputs)
	machine.Add("CheckCache", pipeline.NewCheckCache)
	machine.Add("PrintingCache", pipeline.NewPrintingCache)
	machine.Add("ApplyCachePolicy", pipeline.NewApplyCachePolicy)
	machine.Add("CheckURLs", pipeline.NewCheckURLs)
	machine.Add("ComputeSizes", pipeline.NewComputeSizes)
	machine.Add("DownloadImage", pipeline.NewDownloadImage)
	machine.Add("ResizingImage", pipeline.NewResizingImage)
	machine.Add("MountingDataPart", pipeline.NewMountingDataPart)
	machine.Add("DownloadingOCIImages", pipeline.NewDownloadingOCIImages)
	machine.Add("ProcessingLocalContent", pipeline.NewProcessingLocalContent)
	machine.Add("DownloadingContent", pipeline.NewDownloadingContent)
	machine.Add("UnmountingDataPart", pipeline.NewUnmountingDataPart)
	machine.Add("MountingBootPart", pipeline.NewMountingBootPart)
	machine.Add("WritingOffspotConfig", pipeline.NewWritingOffspotConfig)
	machine.Add("UnmountingBootPart", pipeline.NewUnmountingBootPart)
	machine.Add("DetachingImage", pipeline.NewDetachingImage)
	machine.Add("ShrinkingImage", pipeline.NewShrinkingImage)
	machine.Add("GivingFeedback", pipeline.NewGivingFeedback)

	if opts.CacheDir == "" {
		machine.RemoveStep("CheckCache")
		machine.RemoveStep("PrintingCache")
		machine.RemoveStep("ApplyCachePolicy")
	} else if !opts.ShowCache {
		machine.RemoveStep("PrintingCache")
	}
	if opts.ShowCache {
		machine.HaltAfter("PrintingCache")
	} else if opts.CheckOnly {
		machine.HaltAfter("ComputeSizes")
	}

	payload := app.NewPayload(ctx)
	code := machine.Run(payload)
	machine.Halt(payload, code == exitOK)
	return code
}
