// Package libsoup drives concurrent HTTP message exchanges over a single
// HTTP/2 transport connection. It owns the protocol session, per-stream
// lifecycles, request body pumping, response body assembly, flow control
// and graceful shutdown; connection establishment, TLS and ALPN selection
// happen before a Conn is created.
package libsoup
