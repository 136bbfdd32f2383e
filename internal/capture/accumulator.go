package capture

import (
	"bytes"
	"strings"
)

// Accumulator collects the bytes of a streamed response for capture. It is an
// io.Writer that never fails, so it can sit next to the client writer in the
// relay fan-out.
type Accumulator struct {
	buf bytes.Buffer
}

// Write appends p.
func (a *Accumulator) Write(p []byte) (int, error) {
	return a.buf.Write(p)
}

// Text returns everything written so far as UTF-8 text. Invalid sequences are
// dropped. Decoding happens over the whole buffer, so a character split across
// two chunks is kept intact.
func (a *Accumulator) Text() string {
	return strings.ToValidUTF8(a.buf.String(), "")
}
