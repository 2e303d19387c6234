package archive

import (
	"bytes"
	"io"
)

// capturingWriter tees every write to the underlying writer while optionally
// also accumulating a copy in a buffer, so the central-directory byte range
// can be handed to a signer after it has already been flushed to disk.
type capturingWriter struct {
	underlying io.Writer
	buf        *bytes.Buffer
}

func newCapturingWriter(w io.Writer) *capturingWriter {
	return &capturingWriter{underlying: w}
}

func (c *capturingWriter) Write(p []byte) (int, error) {
	n, err := c.underlying.Write(p)
	if err != nil {
		return n, err
	}
	if c.buf != nil {
		c.buf.Write(p[:n])
	}
	return n, nil
}

func (c *capturingWriter) beginCapture() {
	c.buf = &bytes.Buffer{}
}

func (c *capturingWriter) endCapture() []byte {
	if c.buf == nil {
		return nil
	}
	region := c.buf.Bytes()
	c.buf = nil
	return region
}
