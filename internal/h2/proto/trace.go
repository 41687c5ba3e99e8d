package proto

import (
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
)

// Tracer prints one line per frame the engine reads or writes. Used by
// tests to inspect wire traffic.
type Tracer struct {
	mu   sync.Mutex
	wr   *tabwriter.Writer
	once sync.Once
	name string
}

func NewTracer(name string, wr io.Writer) *Tracer {
	return &Tracer{
		wr:   tabwriter.NewWriter(wr, 12, 2, 2, ' ', 0),
		name: name,
	}
}

// Attach installs the tracer on an engine.
func (t *Tracer) Attach(e *Engine) {
	e.SetTrace(t.record)
}

func (t *Tracer) record(dir string, info FrameInfo) {
	t.printHeader()
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.wr, "%s\t%s\t%v\t0x%x\t%d\t0x%x\n", t.name, dir, info.Type, info.StreamID, info.Length, info.Flags)
	t.wr.Flush()
}

func (t *Tracer) printHeader() {
	t.once.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		fmt.Fprintf(t.wr, "%s\t%s\t%s\t%s\t%s\t%s\n", "NAME", "OP", "TYPE", "STREAMID", "LENGTH", "FLAGS")
		fmt.Fprintf(t.wr, "%s\t%s\t%s\t%s\t%s\t%s\n", "----", "--", "----", "--------", "------", "-----")
	})
}
