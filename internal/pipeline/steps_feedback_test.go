package pipeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/offspot/image-creator/internal/ui"
)

type fakeReporter struct {
	messages []string
	dots     []ui.DotStatus
	failures []string
}

func (f *fakeReporter) StartTask(name string)  {}
func (f *fakeReporter) SucceedTask(name string) {}
func (f *fakeReporter) FailTask(name string, err error) {
	f.failures = append(f.failures, name+": "+err.Error())
}
func (f *fakeReporter) Dot(status ui.DotStatus)           { f.dots = append(f.dots, status) }
func (f *fakeReporter) Table(h []string, rows [][]string) {}
func (f *fakeReporter) Message(format string, args ...interface{}) {
	f.messages = append(f.messages, fmt.Sprintf(format, args...))
}

func TestGivingFeedbackReportsOutputAndWarnings(t *testing.T) {
	r := &fakeReporter{}
	p := &Payload{
		Opts:            Options{OutputPath: "/tmp/out.img"},
		Reporter:        r,
		DownloadedBytes: 1024,
		Warnings:        []string{"cache disabled", "size rounded up"},
	}

	step := NewGivingFeedback()
	assert.Equal(t, 0, step.Run(p))

	assert.Contains(t, r.messages, "image ready: /tmp/out.img")
	assert.Contains(t, r.messages, "downloaded 1024 bytes")
	assert.Contains(t, r.messages, "warning: cache disabled")
	assert.Contains(t, r.messages, "warning: size rounded up")
}

func TestGivingFeedbackOmitsDownloadLineWhenZero(t *testing.T) {
	r := &fakeReporter{}
	p := &Payload{
		Opts:     Options{OutputPath: "/tmp/out.img"},
		Reporter: r,
	}

	step := NewGivingFeedback()
	assert.Equal(t, 0, step.Run(p))

	for _, m := range r.messages {
		assert.NotContains(t, m, "downloaded")
	}
}
