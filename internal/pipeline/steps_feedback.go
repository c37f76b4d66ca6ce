package pipeline

// GivingFeedback is the final pipeline step, grounded on
// original_source/steps/machine.py's GivingFeedback: prints a summary of
// the run, including any warnings accumulated along the way.
type GivingFeedback struct{}

func NewGivingFeedback() Step { return &GivingFeedback{} }

func (s *GivingFeedback) Name() string { return "GivingFeedback" }

func (s *GivingFeedback) Run(p *Payload) int {
	p.Reporter.Message("image ready: %s", p.Opts.OutputPath)
	if p.DownloadedBytes > 0 {
		p.Reporter.Message("downloaded %d bytes", p.DownloadedBytes)
	}
	for _, w := range p.Warnings {
		p.Reporter.Message("warning: %s", w)
	}
	return 0
}

func (s *GivingFeedback) Cleanup(p *Payload) {}
