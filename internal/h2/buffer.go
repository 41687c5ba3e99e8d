package h2

import (
	"bytes"
	"io"
	"sync"
)

// bodySink is the demand-driven response body buffer. DATA chunks are
// pushed in from the session's reader; consumers block on Read until bytes
// arrive, the peer ends the stream, or the stream fails. EOF is surfaced
// only when the queue is drained and the peer has finished.
type bodySink struct {
	cond sync.Cond
	mu   sync.Mutex
	bytes.Buffer
	done bool
	err  error

	// onEOF fires once, when a consumer first observes EOF.
	onEOF   func()
	eofSeen bool
}

func newBodySink(onEOF func()) *bodySink {
	b := &bodySink{onEOF: onEOF}
	b.cond.L = &b.mu
	return b
}

func (b *bodySink) Add(p []byte) {
	b.mu.Lock()
	if !b.done && b.err == nil {
		b.Buffer.Write(p)
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}

// Complete marks the end of the body; queued bytes remain readable.
func (b *bodySink) Complete() {
	b.mu.Lock()
	b.done = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Fail poisons the sink; readers get err once the queue drains.
func (b *bodySink) Fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *bodySink) Read(p []byte) (n int, err error) {
	b.mu.Lock()
	for {
		if b.Len() != 0 {
			n, err = b.Buffer.Read(p)
			break
		}
		if b.err != nil {
			err = b.err
			break
		}
		if b.done {
			err = io.EOF
			break
		}
		b.cond.Wait()
	}
	var eof func()
	if err == io.EOF && !b.eofSeen {
		b.eofSeen = true
		eof = b.onEOF
	}
	b.mu.Unlock()
	if eof != nil {
		eof()
	}
	return
}
