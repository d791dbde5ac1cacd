// Package trace records local agreement transitions with vector clocks so the
// consumer's and the publisher's logs can be merged into one causal history
// (for example with ShiViz).
package trace

import (
	"fmt"
	"sync"

	"github.com/DistributedClocks/GoVector/govec"
)

type TracerConf struct {
	// Process names this participant in the merged trace.
	Process string
	// Path is the log file prefix; GoVector appends "-Log.txt".
	Path string
	// Buffered delays writes until Flush.
	Buffered bool
}

// Tracer is safe for concurrent use. A nil *Tracer discards everything.
type Tracer struct {
	mu  sync.Mutex
	log *govec.GoLog
}

func NewTracer(conf TracerConf) *Tracer {
	config := govec.GetDefaultConfig()
	config.Buffered = conf.Buffered
	config.UseTimestamps = true
	return &Tracer{log: govec.InitGoVector(conf.Process, conf.Path, config)}
}

// Event logs a local transition.
func (t *Tracer) Event(format string, args ...interface{}) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log.LogLocalEvent(fmt.Sprintf(format, args...), govec.GetDefaultLogOptions())
}

// Send ticks the clock for an outgoing message and returns the clock and
// payload encoded together.
func (t *Tracer) Send(msg string, payload interface{}) []byte {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.log.PrepareSend(msg, payload, govec.GetDefaultLogOptions())
}

// Receive merges the clock carried by buf and decodes its payload into out.
// An empty buf is ignored.
func (t *Tracer) Receive(msg string, buf []byte, out interface{}) {
	if t == nil || len(buf) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log.UnpackReceive(msg, buf, out, govec.GetDefaultLogOptions())
}

// Flush writes buffered entries.
func (t *Tracer) Flush() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log.Flush()
}
