package h2

import (
	"context"
	"io"
)

// State is the per-exchange progress marker. Transitions are strictly
// monotone; setState ignores anything that would move backwards.
type State int

const (
	StateNone State = iota
	StateWriteHeaders
	StateWriteData
	StateWriteDone
	StateReadHeaders
	StateReadDataStart
	StateReadingBody
	StateReadDone
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateWriteHeaders:
		return "write-headers"
	case StateWriteData:
		return "write-data"
	case StateWriteDone:
		return "write-done"
	case StateReadHeaders:
		return "read-headers"
	case StateReadDataStart:
		return "read-data-start"
	case StateReadingBody:
		return "reading-body"
	case StateReadDone:
		return "read-done"
	}
	return "unknown"
}

// Stream is one in-flight request/response exchange. All fields are
// guarded by the owning session's mutex.
type Stream struct {
	sess *Session
	req  *Request
	id   uint32 // 0 until assigned by the protocol engine

	state       State
	paused      bool
	canRestart  bool
	expectCont  bool
	bodyHeld    bool // body withheld behind Expect: 100-continue
	sniffing    bool
	finished    bool
	firstErr    error
	respStatus  int
	respHeaders [][2]string

	sink *bodySink
	pump *pump

	// one-shot async waiter; fired when the stream reaches ReadingBody
	// or fails, unless paused
	waiter func(error)

	completion func(error)
}

// setState advances the state machine. Backwards transitions are a defect
// and are dropped with a debug log.
func (st *Stream) setState(next State) {
	if next < st.state {
		st.sess.log.Debug("ignoring backwards state transition", "stream", st.id, "from", st.state, "to", next)
		return
	}
	if next == st.state {
		return
	}
	st.state = next
}

// fail records the stream's first error; later errors are dropped.
func (st *Stream) fail(err error) {
	if st.firstErr == nil {
		st.firstErr = err
	}
	if st.sink != nil {
		st.sink.Fail(err)
	}
}

func (st *Stream) metrics() MetricsSink { return st.req.Metrics }

////////////////////////////////
// public interface
////////////////////////////////

// ID returns the stream's HTTP/2 stream id, 0 before submission reached
// the wire.
func (st *Stream) ID() uint32 {
	st.sess.mu.Lock()
	defer st.sess.mu.Unlock()
	return st.id
}

// State returns the stream's current progress state.
func (st *Stream) State() State {
	st.sess.mu.Lock()
	defer st.sess.mu.Unlock()
	return st.state
}

// Err returns the stream's first error, nil while healthy.
func (st *Stream) Err() error {
	st.sess.mu.Lock()
	defer st.sess.mu.Unlock()
	return st.errLocked()
}

// errLocked folds the session error in on first read, per the propagation
// policy: a session failure is copied to each stream once.
func (st *Stream) errLocked() error {
	if st.firstErr == nil && st.sess.err != nil {
		st.firstErr = st.sess.err
	}
	return st.firstErr
}

// CanRestart reports whether this exchange may be resubmitted on a new
// connection after a failure.
func (st *Stream) CanRestart() bool {
	st.sess.mu.Lock()
	defer st.sess.mu.Unlock()
	return st.canRestart
}

// InProgress reports whether the exchange has neither completed nor been
// finished by the upper layer.
func (st *Stream) InProgress() bool {
	st.sess.mu.Lock()
	defer st.sess.mu.Unlock()
	return !st.finished && st.state < StateReadDone && st.errLocked() == nil
}

// Response returns the terminal response metadata, nil before headers have
// been fully received.
func (st *Stream) Response() *Response {
	st.sess.mu.Lock()
	defer st.sess.mu.Unlock()
	if st.respStatus == 0 || st.state < StateReadDataStart && st.respStatus < 200 {
		return nil
	}
	return &Response{Status: st.respStatus, Headers: st.respHeaders}
}

// Body returns the response body reader. Reads block until data arrives
// and return io.EOF at the end of the body.
func (st *Stream) Body() io.Reader {
	st.sess.mu.Lock()
	defer st.sess.mu.Unlock()
	return st.sess.ensureSinkLocked(st)
}

// Pause withholds waiter completion for this stream. Wire I/O continues.
func (st *Stream) Pause() {
	st.sess.mu.Lock()
	st.paused = true
	st.sess.mu.Unlock()
}

// Unpause re-evaluates the waiter against the current state.
func (st *Stream) Unpause() {
	s := st.sess
	s.mu.Lock()
	st.paused = false
	fns := s.checkWaitersLocked()
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (st *Stream) IsPaused() bool {
	st.sess.mu.Lock()
	defer st.sess.mu.Unlock()
	return st.paused
}

// RunUntilRead drives the exchange until the response body is readable or
// the stream fails. On cancellation the stream is finished with CANCEL.
func (st *Stream) RunUntilRead(ctx context.Context) error {
	done := make(chan error, 1)
	st.RunUntilReadAsync(func(err error) { done <- err })

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		st.sess.cancelStream(st)
		return ctx.Err()
	case <-st.sess.dead:
		st.sess.mu.Lock()
		err := st.errLocked()
		st.sess.mu.Unlock()
		if err == nil {
			err = sessionClosed
		}
		return err
	}
}

// RunUntilReadAsync registers fn as the stream's one-shot waiter. It fires
// once the body is readable or the stream has failed: on the calling
// goroutine if that is already the case (or the session has terminated),
// otherwise on the session's goroutines.
func (st *Stream) RunUntilReadAsync(fn func(error)) {
	s := st.sess
	s.mu.Lock()
	if s.terminated {
		// the registries are gone; complete directly
		err := st.errLocked()
		if err == nil {
			err = sessionClosed
		}
		s.mu.Unlock()
		fn(err)
		return
	}
	st.waiter = fn
	fns := s.checkWaitersLocked()
	s.mu.Unlock()
	for _, f := range fns {
		f()
	}
	s.kickWriter()
}

// Skip discards the remainder of the response body, resetting the stream
// with STREAM_CLOSED. Late DATA from the peer is silently dropped.
func (st *Stream) Skip() {
	st.sess.skipStream(st)
}

// Finish finalizes the exchange: RST_STREAM goes out with NO_ERROR on
// normal completion or CANCEL on interruption, the completion callback
// runs, and the stream leaves the registries once the reset is serialized.
func (st *Stream) Finish() {
	st.sess.finishStream(st)
}
