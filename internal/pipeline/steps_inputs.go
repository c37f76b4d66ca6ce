package pipeline

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/offspot/image-creator/internal/buildconfig"
)

// DataPartPath is where the data partition is mounted on the final
// device; used as the reference root for `to` destinations in the
// configuration file (original_source/constants.py's DATA_PART_PATH).
const DataPartPath = "/data"

// CheckInputs is pipeline step 2, grounded on
// original_source/steps/check_inputs.py's CheckInputs: reads and parses
// the configuration document, checks base != output, and clears or
// confirms the output path per `overwrite`.
type CheckInputs struct{}

func NewCheckInputs() Step { return &CheckInputs{} }

func (s *CheckInputs) Name() string { return "CheckInputs" }

func (s *CheckInputs) Run(p *Payload) int {
	text, err := readConfigText(p.Opts.ConfigPath)
	if err != nil {
		p.Reporter.FailTask("reading config", err)
		return 3
	}

	doc, err := buildconfig.ReadFrom(text)
	if err != nil {
		p.Reporter.FailTask("parsing config", err)
		return 3
	}
	if err := doc.ValidateDestinations(DataPartPath); err != nil {
		p.Reporter.FailTask("validating config", err)
		return 3
	}
	p.Config = doc
	p.Reporter.Dot(dotOK())

	if isLocalPath(doc.Base) && doc.Base == p.Opts.OutputPath {
		p.Reporter.FailTask("base vs output", errString("base and output image are the same"))
		return 3
	}

	if p.Opts.CheckOnly {
		return 0
	}

	if _, err := os.Stat(p.Opts.OutputPath); err == nil {
		if !p.Opts.Overwrite {
			p.Reporter.FailTask("target path", fmt.Errorf("%s exists", p.Opts.OutputPath))
			return 3
		}
		if err := os.Remove(p.Opts.OutputPath); err != nil {
			p.Reporter.FailTask("removing target path", err)
			return 3
		}
	}

	if err := touchAndRemove(p.Opts.OutputPath); err != nil {
		p.Reporter.FailTask("testing target location", err)
		return 3
	}
	p.Reporter.Dot(dotOK())
	return 0
}

func (s *CheckInputs) Cleanup(p *Payload) {}

func isLocalPath(s string) bool {
	return !strings.Contains(s, "://") || strings.HasPrefix(s, "file://")
}

func touchAndRemove(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(path)
}

func readConfigText(src string) ([]byte, error) {
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		resp, err := http.Get(src)
		if err != nil {
			return nil, fmt.Errorf("pipeline: fetch config %s: %w", src, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("pipeline: fetch config %s: status %s", src, resp.Status)
		}
		return io.ReadAll(resp.Body)
	}
	return os.ReadFile(src)
}
