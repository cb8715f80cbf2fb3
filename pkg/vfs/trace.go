package vfs

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

const defaultTraceCapacity = 200

func attr(k string, v any) slog.Attr { return slog.Any(k, v) }

// call is one traced Manager or File call.
type call struct {
	seq   uint64
	op    string
	path  string
	err   error
	attrs []slog.Attr
}

// appendTo renders the call as "#seq op path=... k=v ok|err=... injected=...".
func (c *call) appendTo(b *strings.Builder) {
	b.WriteByte('#')
	b.WriteString(strconv.FormatUint(c.seq, 10))
	b.WriteByte(' ')
	b.WriteString(c.op)

	if c.path != "" {
		b.WriteString(" path=")
		b.WriteString(strconv.Quote(c.path))
	}

	for _, a := range c.attrs {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(a.Value.String())
	}

	if c.err == nil {
		b.WriteString(" ok")

		return
	}

	b.WriteString(" err=")
	b.WriteString(c.err.Error())
	b.WriteString(" injected=")
	b.WriteString(strconv.FormatBool(IsInjected(c.err)))
}

// traceLog keeps the most recent calls in a fixed ring. Capacity 0 disables
// tracing.
type traceLog struct {
	mu    sync.Mutex
	ring  []call
	start int // index of the oldest call
	n     int
	seq   uint64
}

func newTraceLog(capacity *int) *traceLog {
	size := defaultTraceCapacity
	if capacity != nil {
		size = max(*capacity, 0)
	}

	return &traceLog{ring: make([]call, size)}
}

func (t *traceLog) add(op, path string, err error, attrs ...slog.Attr) {
	if len(t.ring) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	c := call{seq: t.seq, op: op, path: path, err: err, attrs: attrs}

	if t.n < len(t.ring) {
		t.ring[(t.start+t.n)%len(t.ring)] = c
		t.n++

		return
	}

	t.ring[t.start] = c
	t.start = (t.start + 1) % len(t.ring)
}

// String renders the retained calls oldest first, one per line.
func (t *traceLog) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder

	for i := range t.n {
		if i > 0 {
			b.WriteByte('\n')
		}

		t.ring[(t.start+i)%len(t.ring)].appendTo(&b)
	}

	return b.String()
}
