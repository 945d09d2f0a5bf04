package engine

import (
	"bytes"
	"io"
	"sync"
)

// diagnostics captures guest stdout/stderr up to a fixed number of bytes.
// Writes past the limit are dropped and reported as successful so the guest
// never sees an I/O error.
type diagnostics struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
	mu        sync.Mutex
}

func newDiagnostics(limit int) *diagnostics {
	return &diagnostics{limit: limit}
}

func (d *diagnostics) Write(p []byte) (int, error) {
	if d.limit < 0 {
		return len(p), nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	room := d.limit - d.buf.Len()
	if room <= 0 {
		d.truncated = d.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		d.buf.Write(p[:room])
		d.truncated = true
		return len(p), nil
	}
	d.buf.Write(p)
	return len(p), nil
}

func (d *diagnostics) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.truncated {
		return d.buf.String() + "\n[truncated]"
	}
	return d.buf.String()
}

func (d *diagnostics) Reset() {
	d.mu.Lock()
	d.buf.Reset()
	d.truncated = false
	d.mu.Unlock()
}

var _ io.Writer = (*diagnostics)(nil)
