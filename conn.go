package libsoup

import (
	"context"
	"errors"
	"io"
	"sync"

	log "github.com/inconshreveable/log15"

	"github.com/matevzmihalic/libsoup/internal/h2"
)

// ErrConnClosed is returned when a message is submitted on a connection
// that no longer accepts new exchanges.
var ErrConnClosed = errors.New("connection closed")

var errUnknownMessage = errors.New("message not in progress on this connection")

// IsRestartable reports whether a send failure should be retried
// transparently on a fresh connection instead of being surfaced.
func IsRestartable(err error) bool {
	return h2.IsRestartable(err)
}

// ConnConfig configures an HTTP/2 connection wrapper.
type ConnConfig struct {
	// Opaque id of the underlying transport connection.
	ID uint64

	// Logger for session events; defaults to discarding.
	Logger log.Logger

	// LogRequestData observes each request body chunk as it is
	// dispatched to the protocol engine.
	LogRequestData func(msg *Message, chunk []byte)

	// WindowSize overrides the flow control window; see h2.Config.
	WindowSize uint32
}

// Conn drives HTTP/2 message exchanges over one already-established byte
// stream. ALPN, TLS and proxy setup happen before a Conn exists.
type Conn struct {
	sess  *h2.Session
	logfn func(msg *Message, chunk []byte)

	mu    sync.Mutex
	items map[*Message]*h2.Stream
}

// NewConn binds an open transport to a new HTTP/2 session. The session
// preface and settings are flushed asynchronously.
func NewConn(transport io.ReadWriteCloser, config *ConnConfig) *Conn {
	if config == nil {
		config = &ConnConfig{}
	}
	c := &Conn{
		logfn: config.LogRequestData,
		items: make(map[*Message]*h2.Stream),
	}
	c.sess = h2.NewSession(transport, &h2.Config{
		ConnID:     config.ID,
		Logger:     config.Logger,
		WindowSize: config.WindowSize,
	})
	return c
}

// SendItem submits msg on this connection. fn runs once the exchange has
// been finished, with the message's terminal error; a restartable failure
// flips the message to Restarting instead of surfacing an error result.
func (c *Conn) SendItem(msg *Message, fn func(*Message, error)) error {
	req := &h2.Request{
		Method:      msg.Method,
		Scheme:      msg.URL.Scheme,
		Authority:   msg.URL.Host,
		Path:        msg.URL.EscapedPath(),
		Query:       msg.URL.RawQuery,
		OptionsPing: msg.OptionsPing,
		Headers:     msg.RequestHeaders.list(),
		Priority:    msg.Priority.h2(),
		Body:        msg.Body,
		Metrics:     &msg.Metrics,
	}
	if msg.Sniffer != nil {
		req.ContentSniffer = msg.Sniffer
	}
	if msg.OnInformational != nil {
		req.OnInformational = msg.OnInformational
	}
	if c.logfn != nil {
		req.LogBody = func(p []byte) { c.logfn(msg, p) }
	}

	st, err := c.sess.Send(req, func(err error) {
		if h2.IsRestartable(err) {
			msg.setRestarting(true)
			err = nil
		}
		if fn != nil {
			fn(msg, err)
		}
	})
	if err != nil {
		if h2.IsRestartable(err) {
			msg.setRestarting(true)
		}
		return err
	}

	c.mu.Lock()
	c.items[msg] = st
	c.mu.Unlock()
	return nil
}

func (c *Conn) lookup(msg *Message) *h2.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[msg]
}

// Finished finalizes msg's exchange and releases its stream.
func (c *Conn) Finished(msg *Message) {
	c.mu.Lock()
	st := c.items[msg]
	delete(c.items, msg)
	c.mu.Unlock()
	if st != nil {
		st.Finish()
	}
}

// Pause withholds completion dispatch for msg. Wire I/O continues.
func (c *Conn) Pause(msg *Message) {
	if st := c.lookup(msg); st != nil {
		st.Pause()
	}
}

func (c *Conn) Unpause(msg *Message) {
	if st := c.lookup(msg); st != nil {
		st.Unpause()
	}
}

func (c *Conn) IsPaused(msg *Message) bool {
	if st := c.lookup(msg); st != nil {
		return st.IsPaused()
	}
	return false
}

// Skip discards the rest of msg's response body.
func (c *Conn) Skip(msg *Message) {
	if st := c.lookup(msg); st != nil {
		st.Skip()
	}
}

func (c *Conn) InProgress(msg *Message) bool {
	if st := c.lookup(msg); st != nil {
		return st.InProgress()
	}
	return false
}

// SetPriority reprioritizes a live exchange.
func (c *Conn) SetPriority(msg *Message, p Priority) {
	msg.Priority = p
	if st := c.lookup(msg); st != nil {
		c.sess.SetPriority(st, p.h2())
	}
}

// RunUntilRead drives msg until its response body is readable, delivering
// the response status and headers onto the message.
func (c *Conn) RunUntilRead(ctx context.Context, msg *Message) error {
	st := c.lookup(msg)
	if st == nil {
		return errUnknownMessage
	}
	err := st.RunUntilRead(ctx)
	c.deliver(msg, st, err)
	return err
}

// RunUntilReadAsync is RunUntilRead with callback completion; fn runs on
// the calling goroutine if the outcome is already known, otherwise on the
// connection's goroutines.
func (c *Conn) RunUntilReadAsync(msg *Message, fn func(error)) {
	st := c.lookup(msg)
	if st == nil {
		fn(errUnknownMessage)
		return
	}
	st.RunUntilReadAsync(func(err error) {
		c.deliver(msg, st, err)
		fn(err)
	})
}

func (c *Conn) deliver(msg *Message, st *h2.Stream, err error) {
	if err == nil {
		if resp := st.Response(); resp != nil {
			msg.setResponse(resp.Status, headersFromList(resp.Headers))
		}
		return
	}
	if st.CanRestart() {
		msg.setRestarting(true)
	}
}

// ResponseInputStream returns msg's response body reader. Reads block
// until bytes arrive and return io.EOF at the end of the body.
func (c *Conn) ResponseInputStream(msg *Message) io.Reader {
	st := c.lookup(msg)
	if st == nil {
		return nil
	}
	return st.Body()
}

// IsOpen reports whether the connection accepts new exchanges.
func (c *Conn) IsOpen() bool { return c.sess.IsOpen() }

// IsReusable is an alias of IsOpen.
func (c *Conn) IsReusable() bool { return c.sess.IsReusable() }

// CloseAsync starts graceful shutdown; fn fires once GOAWAY has been
// flushed. Returns false if shutdown was already under way.
func (c *Conn) CloseAsync(fn func(error)) bool {
	return c.sess.CloseAsync(fn)
}

// Close tears the connection down immediately.
func (c *Conn) Close() error { return c.sess.Close() }

// Wait blocks until the session has fully shut down.
func (c *Conn) Wait() error { return c.sess.Wait() }
