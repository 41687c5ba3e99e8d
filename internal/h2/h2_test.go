package h2

import (
	"bufio"
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

type fakeConn struct {
	in     *io.PipeReader
	out    *io.PipeWriter
	closed bool
}

func (c *fakeConn) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c *fakeConn) Write(p []byte) (int, error) { return c.out.Write(p) }
func (c *fakeConn) Close() error                { c.closed = true; c.in.Close(); return c.out.Close() }

func newFakeConnPair() (local *fakeConn, remote *fakeConn) {
	local, remote = new(fakeConn), new(fakeConn)
	local.in, remote.out = io.Pipe()
	remote.in, local.out = io.Pipe()
	return
}

// peer is a scripted HTTP/2 server end driven synchronously from the test
// goroutine. The session under test runs on its own goroutines, so peer
// reads block until the client has produced the expected bytes.
type peer struct {
	t    *testing.T
	conn *fakeConn
	fr   *http2.Framer
	henc *hpack.Encoder
	hbuf bytes.Buffer
}

func newPeer(t *testing.T, conn *fakeConn) *peer {
	p := &peer{t: t, conn: conn}
	br := bufio.NewReader(conn)
	p.fr = http2.NewFramer(conn, br)
	p.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	p.henc = hpack.NewEncoder(&p.hbuf)
	return p
}

// handshake consumes the client preface, SETTINGS and connection window
// update, then answers with the peer's own SETTINGS.
func (p *peer) handshake() {
	buf := make([]byte, len(http2.ClientPreface))
	_, err := io.ReadFull(p.conn, buf)
	require.NoError(p.t, err)
	require.Equal(p.t, http2.ClientPreface, string(buf))

	f := p.next()
	settings, ok := f.(*http2.SettingsFrame)
	require.True(p.t, ok, "expected SETTINGS, got %T", f)
	var push, window, table uint32 = 99, 0, 0
	settings.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingEnablePush:
			push = s.Val
		case http2.SettingInitialWindowSize:
			window = s.Val
		case http2.SettingHeaderTableSize:
			table = s.Val
		}
		return nil
	})
	require.EqualValues(p.t, 0, push)
	require.NotZero(p.t, window)
	require.EqualValues(p.t, 65536, table)

	wu, ok := p.next().(*http2.WindowUpdateFrame)
	require.True(p.t, ok, "expected connection WINDOW_UPDATE")
	require.EqualValues(p.t, 0, wu.Header().StreamID)

	require.NoError(p.t, p.fr.WriteSettings())
}

// next returns the next frame from the client, transparently answering
// and skipping acks and pings.
func (p *peer) next() http2.Frame {
	for {
		f, err := p.fr.ReadFrame()
		require.NoError(p.t, err)
		switch f := f.(type) {
		case *http2.SettingsFrame:
			if f.IsAck() {
				continue
			}
		case *http2.PingFrame:
			if !f.IsAck() {
				p.fr.WritePing(true, f.Data)
			}
			continue
		}
		return f
	}
}

// nextOnStream skips WINDOW_UPDATE bookkeeping frames and returns the
// next stream-relevant frame.
func (p *peer) nextOnStream() http2.Frame {
	for {
		f := p.next()
		if _, ok := f.(*http2.WindowUpdateFrame); ok {
			continue
		}
		return f
	}
}

func (p *peer) readHeaders() *http2.MetaHeadersFrame {
	f := p.nextOnStream()
	mh, ok := f.(*http2.MetaHeadersFrame)
	require.True(p.t, ok, "expected HEADERS, got %T", f)
	return mh
}

func (p *peer) readData() *http2.DataFrame {
	f := p.nextOnStream()
	df, ok := f.(*http2.DataFrame)
	require.True(p.t, ok, "expected DATA, got %T", f)
	return df
}

func (p *peer) sendHeaders(streamID uint32, fields [][2]string, endStream bool) {
	p.hbuf.Reset()
	for _, f := range fields {
		require.NoError(p.t, p.henc.WriteField(hpack.HeaderField{Name: f[0], Value: f[1]}))
	}
	require.NoError(p.t, p.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: p.hbuf.Bytes(),
		EndHeaders:    true,
		EndStream:     endStream,
	}))
}

func (p *peer) sendData(streamID uint32, data []byte, endStream bool) {
	require.NoError(p.t, p.fr.WriteData(streamID, endStream, data))
}

func (p *peer) sendResponse(streamID uint32, status string, headers [][2]string, body []byte) {
	fields := append([][2]string{{":status", status}}, headers...)
	p.sendHeaders(streamID, fields, len(body) == 0)
	if len(body) > 0 {
		p.sendData(streamID, body, true)
	}
}

func (p *peer) sendRST(streamID uint32, code http2.ErrCode) {
	require.NoError(p.t, p.fr.WriteRSTStream(streamID, code))
}

func (p *peer) sendGoAway(lastStreamID uint32, code http2.ErrCode) {
	require.NoError(p.t, p.fr.WriteGoAway(lastStreamID, code, nil))
}

// expectRST reads frames until it sees RST_STREAM for streamID with the
// given code, skipping window bookkeeping.
func (p *peer) expectRST(streamID uint32, code http2.ErrCode) {
	for {
		f := p.nextOnStream()
		if rst, ok := f.(*http2.RSTStreamFrame); ok {
			require.EqualValues(p.t, streamID, rst.Header().StreamID)
			require.Equal(p.t, code, rst.ErrCode)
			return
		}
		p.t.Fatalf("expected RST_STREAM, got %T", f)
	}
}

func (p *peer) expectGoAway(code http2.ErrCode) *http2.GoAwayFrame {
	for {
		f := p.nextOnStream()
		if ga, ok := f.(*http2.GoAwayFrame); ok {
			require.Equal(p.t, code, ga.ErrCode)
			return ga
		}
	}
}

func newTestSession(t *testing.T, config *Config) (*Session, *peer) {
	local, remote := newFakeConnPair()
	sess := NewSession(local, config)
	t.Cleanup(func() { sess.Close() })
	p := newPeer(t, remote)
	p.handshake()
	return sess, p
}

func getRequest(path string) *Request {
	return &Request{
		Method:    "GET",
		Scheme:    "https",
		Authority: "example.com",
		Path:      path,
	}
}

func waitErr(t *testing.T, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
		return nil
	}
}
