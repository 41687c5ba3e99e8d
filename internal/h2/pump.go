package h2

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/matevzmihalic/libsoup/internal/h2/proto"
)

// pump adapts a request body Source into the protocol engine's pull
// callback. Pollable sources are read inline into the engine's buffer;
// everything else is read on a goroutine with the result latched until the
// next pull. The pump holds no reference to its stream: resume is the only
// way back into the session.
type pump struct {
	src    Source
	resume func()
	logfn  func(p []byte)

	// latched state for non-pollable sources; buffered bytes are handed
	// out before eof is reported, and err is set only when nothing was read
	mu       sync.Mutex
	buffered []byte
	eof      bool
	err      error
	reading  bool
	scratch  []byte
}

func newPump(src Source, logfn func(p []byte), resume func()) *pump {
	return &pump{src: src, logfn: logfn, resume: resume}
}

// pull is handed to the engine as the stream's DATA provider.
func (p *pump) pull(out []byte) (int, error) {
	if ps, ok := p.src.(PollableSource); ok {
		return p.pullPollable(ps, out)
	}
	return p.pullBuffered(out)
}

func (p *pump) pullPollable(ps PollableSource, out []byte) (int, error) {
	n, err := ps.Read(out)
	switch {
	case n > 0:
		p.log(out[:n])
		if errors.Is(err, io.EOF) {
			return n, io.EOF
		}
		return n, nil
	case err == nil || errors.Is(err, io.EOF):
		return 0, io.EOF
	case errors.Is(err, ErrWouldBlock):
		ps.OnReadable(p.resume)
		return 0, proto.ErrDeferred
	default:
		return 0, fmt.Errorf("%w: %v", proto.ErrTemporaryFailure, err)
	}
}

func (p *pump) pullBuffered(out []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buffered) > 0 {
		n := copy(out, p.buffered)
		p.buffered = p.buffered[n:]
		p.log(out[:n])
		return n, nil
	}
	if p.eof {
		return 0, io.EOF
	}
	if p.err != nil {
		return 0, fmt.Errorf("%w: %v", proto.ErrTemporaryFailure, p.err)
	}
	if !p.reading {
		p.reading = true
		if cap(p.scratch) < len(out) {
			p.scratch = make([]byte, len(out))
		}
		go p.read(p.scratch[:len(out)])
	}
	return 0, proto.ErrDeferred
}

// read runs off the session goroutines; it latches the result (bytes,
// possibly together with EOF, or EOF alone, or an error) and wakes the
// stream.
func (p *pump) read(buf []byte) {
	n, err := p.src.Read(buf)
	p.mu.Lock()
	p.reading = false
	switch {
	case n > 0:
		p.buffered = buf[:n]
		if errors.Is(err, io.EOF) {
			p.eof = true
		}
	case err == nil || errors.Is(err, io.EOF):
		p.eof = true
	default:
		p.err = err
	}
	p.mu.Unlock()
	p.resume()
}

func (p *pump) log(chunk []byte) {
	if p.logfn != nil {
		p.logfn(chunk)
	}
}
