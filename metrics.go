package libsoup

import (
	"sync"
	"time"
)

// Metrics collects per-message transfer accounting. Counters only grow;
// timestamps are recorded once.
type Metrics struct {
	mu sync.Mutex

	requestHeaderBytes  uint64
	requestBodyBytes    uint64
	requestBodyOverhead uint64
	responseHeaderBytes uint64
	responseBodyBytes   uint64

	responseStart time.Time
	responseEnd   time.Time
}

func (m *Metrics) AddRequestHeaderBytes(n int) {
	m.mu.Lock()
	m.requestHeaderBytes += uint64(n)
	m.mu.Unlock()
}

func (m *Metrics) AddRequestBodyBytes(payload, overhead int) {
	m.mu.Lock()
	m.requestBodyBytes += uint64(payload)
	m.requestBodyOverhead += uint64(overhead)
	m.mu.Unlock()
}

func (m *Metrics) AddResponseHeaderBytes(n int) {
	m.mu.Lock()
	m.responseHeaderBytes += uint64(n)
	m.mu.Unlock()
}

func (m *Metrics) AddResponseBodyBytes(n int) {
	m.mu.Lock()
	m.responseBodyBytes += uint64(n)
	m.mu.Unlock()
}

func (m *Metrics) MarkResponseStart() {
	m.mu.Lock()
	if m.responseStart.IsZero() {
		m.responseStart = time.Now()
	}
	m.mu.Unlock()
}

func (m *Metrics) MarkResponseEnd() {
	m.mu.Lock()
	if m.responseEnd.IsZero() {
		m.responseEnd = time.Now()
	}
	m.mu.Unlock()
}

func (m *Metrics) RequestHeaderBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestHeaderBytes
}

// RequestBodyBytes returns payload bytes and frame header overhead.
func (m *Metrics) RequestBodyBytes() (payload, overhead uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestBodyBytes, m.requestBodyOverhead
}

func (m *Metrics) ResponseHeaderBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.responseHeaderBytes
}

func (m *Metrics) ResponseBodyBytes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.responseBodyBytes
}

func (m *Metrics) ResponseStart() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.responseStart
}

func (m *Metrics) ResponseEnd() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.responseEnd
}
