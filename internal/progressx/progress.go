// Package progressx reports pipeline progress to the CLI. It is an
// external-collaborator interface only: the orchestrator and payload engine
// depend on Progress, never on a concrete reporter, so extraction and
// patching stay usable from tests and from library callers that want no
// output at all.
package progressx

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"
)

// Progress reports the phases of a patch or extract run.
type Progress interface {
	Begin(total int)
	Step(msg string)
	Done()
}

// noop discards every call; the zero value is ready to use.
type noop struct{}

// Noop is the default Progress used when the caller wants no output.
var Noop Progress = noop{}

func (noop) Begin(int)   {}
func (noop) Step(string) {}
func (noop) Done()       {}

// bar reports progress to the terminal via a progressbar/v3 bar.
type bar struct {
	w   io.Writer
	bar *progressbar.ProgressBar
}

// NewBar returns a terminal-facing Progress writing to w.
func NewBar(w io.Writer) Progress {
	return &bar{w: w}
}

func (b *bar) Begin(total int) {
	b.bar = progressbar.NewOptions(total,
		progressbar.OptionSetWriter(b.w),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

func (b *bar) Step(msg string) {
	if b.bar == nil {
		fmt.Fprintln(b.w, msg)
		return
	}
	b.bar.Describe(msg)
	b.bar.Add(1)
}

func (b *bar) Done() {
	if b.bar != nil {
		b.bar.Finish()
	}
}
