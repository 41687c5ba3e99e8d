package libsoup

import (
	"io"
	"net/url"
	"sync"

	"github.com/matevzmihalic/libsoup/internal/h2"
)

// Priority is the relative scheduling weight of a message against its
// connection siblings.
type Priority int

const (
	PriorityVeryLow Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityVeryHigh
)

func (p Priority) h2() h2.Priority {
	switch p {
	case PriorityVeryLow:
		return h2.PriorityVeryLow
	case PriorityLow:
		return h2.PriorityLow
	case PriorityHigh:
		return h2.PriorityHigh
	case PriorityVeryHigh:
		return h2.PriorityVeryHigh
	default:
		return h2.PriorityNormal
	}
}

// ErrWouldBlock is returned by a pollable body source's Read when no data
// is available yet.
var ErrWouldBlock = h2.ErrWouldBlock

// PollableSource is a request body source with readiness notification:
// Read returns ErrWouldBlock instead of blocking, and OnReadable arranges
// a one-shot wakeup. Plain io.Readers are read on a separate goroutine.
type PollableSource interface {
	io.Reader
	OnReadable(fn func())
}

// ContentSniffer inspects leading response body bytes. Feed returns true
// once it has seen enough to decide; Force commits it with whatever it has.
type ContentSniffer interface {
	Feed(p []byte) bool
	Force()
}

// Message is one HTTP request/response exchange. The request half is
// filled by the caller before SendItem; the response half is populated by
// the connection once headers have been received.
type Message struct {
	Method string
	URL    *url.URL

	// RequestHeaders in submission order. Hop-by-hop fields are
	// stripped before they reach the wire.
	RequestHeaders *Headers

	Priority Priority

	// Body is the request body, nil for bodyless requests. Sources
	// implementing PollableSource are read inline under the event
	// loop; anything else is read on its own goroutine.
	Body io.Reader

	// OptionsPing selects the server-wide OPTIONS form ("OPTIONS *").
	OptionsPing bool

	// Sniffer, when set, delays body readability until content type
	// detection has finished.
	Sniffer ContentSniffer

	// OnInformational fires for each 1xx response received before the
	// final one.
	OnInformational func(status int)

	Metrics Metrics

	mu              sync.Mutex
	statusCode      int
	responseHeaders *Headers
	restarting      bool
}

// NewMessage builds a message for method and the parsed uri.
func NewMessage(method, uri string) (*Message, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	return &Message{
		Method:         method,
		URL:            u,
		RequestHeaders: NewHeaders(),
		Priority:       PriorityNormal,
	}, nil
}

// StatusCode returns the response status, 0 before headers arrived.
func (m *Message) StatusCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCode
}

// ResponseHeaders returns the response header list, nil before headers
// arrived.
func (m *Message) ResponseHeaders() *Headers {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.responseHeaders
}

// Restarting reports whether the message failed in a way that should be
// retried transparently on a fresh connection.
func (m *Message) Restarting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarting
}

func (m *Message) setResponse(status int, headers *Headers) {
	m.mu.Lock()
	m.statusCode = status
	m.responseHeaders = headers
	m.mu.Unlock()
}

func (m *Message) setRestarting(v bool) {
	m.mu.Lock()
	m.restarting = v
	m.mu.Unlock()
}
