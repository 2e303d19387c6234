package progressx_test

import (
	"bytes"
	"testing"

	"otapatch/internal/progressx"
)

func TestNoopNeverPanics(t *testing.T) {
	progressx.Noop.Begin(3)
	progressx.Noop.Step("extracting boot")
	progressx.Noop.Done()
}

func TestBarReportsSteps(t *testing.T) {
	var buf bytes.Buffer
	p := progressx.NewBar(&buf)
	p.Begin(2)
	p.Step("extracting boot")
	p.Step("patching boot")
	p.Done()
}
