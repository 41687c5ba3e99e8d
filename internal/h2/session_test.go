package h2

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

func TestSimpleGET(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, nil)

	req := getRequest("/x")
	req.Metrics = &testMetrics{}
	st, err := sess.Send(req, nil)
	require.NoError(t, err)

	mh := peer.readHeaders()
	require.True(t, mh.StreamEnded(), "bodyless request must end the stream on HEADERS")
	require.Equal(t, "GET", mh.PseudoValue("method"))
	require.Equal(t, "https", mh.PseudoValue("scheme"))
	require.Equal(t, "example.com", mh.PseudoValue("authority"))
	require.Equal(t, "/x", mh.PseudoValue("path"))

	peer.sendResponse(mh.Header().StreamID, "200", [][2]string{{"content-type", "text/plain"}}, []byte("hello"))

	require.NoError(t, st.RunUntilRead(context.Background()))
	resp := st.Response()
	require.NotNil(t, resp)
	require.Equal(t, 200, resp.Status)
	require.Equal(t, [][2]string{{"content-type", "text/plain"}}, resp.Headers)

	body, err := io.ReadAll(st.Body())
	require.NoError(t, err)
	require.Equal(t, "hello", string(body))
	require.Equal(t, StateReadDone, st.State())

	m := req.Metrics.(*testMetrics)
	require.EqualValues(t, 5, m.respBody)
	require.False(t, m.respStart.IsZero())
	require.False(t, m.respEnd.IsZero())

	st.Finish()
	require.True(t, sess.IsOpen())
}

func TestPseudoHeaderOrderAndDenylist(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, nil)

	req := getRequest("/q")
	req.Query = "a=1"
	req.Headers = [][2]string{
		{"Connection", "close"},
		{"Keep-Alive", "300"},
		{"Proxy-Connection", "keep"},
		{"Transfer-Encoding", "chunked"},
		{"Upgrade", "h2c"},
		{"Accept", "*/*"},
	}
	_, err := sess.Send(req, nil)
	require.NoError(t, err)

	mh := peer.readHeaders()
	require.Equal(t, "/q?a=1", mh.PseudoValue("path"))

	var names []string
	for _, f := range mh.Fields {
		names = append(names, f.Name)
	}
	require.Equal(t, []string{":method", ":scheme", ":authority", ":path", "accept"}, names)
}

func TestAuthorityOmitsDefaultPort(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, nil)

	req := getRequest("/")
	req.Authority = "example.com:443"
	_, err := sess.Send(req, nil)
	require.NoError(t, err)
	require.Equal(t, "example.com", peer.readHeaders().PseudoValue("authority"))

	req = getRequest("/")
	req.Authority = "example.com:8443"
	_, err = sess.Send(req, nil)
	require.NoError(t, err)
	require.Equal(t, "example.com:8443", peer.readHeaders().PseudoValue("authority"))
}

func TestOptionsPing(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, nil)

	req := getRequest("/ignored")
	req.Method = "OPTIONS"
	req.OptionsPing = true
	_, err := sess.Send(req, nil)
	require.NoError(t, err)
	require.Equal(t, "*", peer.readHeaders().PseudoValue("path"))
}

func TestPriorityWeights(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, nil)

	for _, tc := range []struct {
		prio   Priority
		weight uint8 // wire encoding, actual weight minus one
	}{
		{PriorityVeryLow, 0},
		{PriorityNormal, 15},
		{PriorityVeryHigh, 255},
	} {
		req := getRequest("/")
		req.Priority = tc.prio
		_, err := sess.Send(req, nil)
		require.NoError(t, err)
		mh := peer.readHeaders()
		if tc.prio == PriorityVeryLow {
			// a zero priority param cannot ride on HEADERS; the
			// weight arrives as an explicit PRIORITY frame
			pf, ok := peer.next().(*http2.PriorityFrame)
			require.True(t, ok, "expected PRIORITY after HEADERS")
			require.Equal(t, tc.weight, pf.PriorityParam.Weight)
		} else {
			require.Equal(t, tc.weight, mh.Priority.Weight, "priority %v", tc.prio)
		}
	}
}

func TestRequestBody(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, nil)

	req := getRequest("/upload")
	req.Method = "POST"
	req.Body = strings.NewReader("payload bytes")
	st, err := sess.Send(req, nil)
	require.NoError(t, err)

	mh := peer.readHeaders()
	require.False(t, mh.StreamEnded())

	var got []byte
	for {
		df := peer.readData()
		got = append(got, df.Data()...)
		if df.StreamEnded() {
			break
		}
	}
	require.Equal(t, "payload bytes", string(got))

	peer.sendResponse(mh.Header().StreamID, "201", nil, nil)
	require.NoError(t, st.RunUntilRead(context.Background()))
	require.Equal(t, 201, st.Response().Status)
}

func TestExpectContinue(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, nil)

	var informational []int
	req := getRequest("/upload")
	req.Method = "POST"
	req.Headers = [][2]string{{"Expect", "100-continue"}}
	req.Body = strings.NewReader("ABC")
	req.OnInformational = func(status int) { informational = append(informational, status) }

	st, err := sess.Send(req, nil)
	require.NoError(t, err)

	mh := peer.readHeaders()
	require.False(t, mh.StreamEnded(), "body must be withheld, not omitted")
	id := mh.Header().StreamID

	// nothing arrives until the interim response is sent
	time.Sleep(20 * time.Millisecond)
	peer.sendHeaders(id, [][2]string{{":status", "100"}}, false)

	df := peer.readData()
	require.Equal(t, "ABC", string(df.Data()))
	require.True(t, df.StreamEnded())

	peer.sendResponse(id, "200", nil, []byte("done"))
	require.NoError(t, st.RunUntilRead(context.Background()))
	require.Equal(t, 200, st.Response().Status)
	require.Equal(t, []int{100}, informational)

	body, err := io.ReadAll(st.Body())
	require.NoError(t, err)
	require.Equal(t, "done", string(body))
}

func TestRefusedStreamRestart(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, nil)

	st, err := sess.Send(getRequest("/"), nil)
	require.NoError(t, err)

	mh := peer.readHeaders()
	peer.sendRST(mh.Header().StreamID, http2.ErrCodeRefusedStream)

	err = st.RunUntilRead(context.Background())
	require.Error(t, err)
	require.True(t, IsRestartable(err))
	require.True(t, st.CanRestart())
}

func TestStreamResetOtherCode(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, nil)

	st, err := sess.Send(getRequest("/"), nil)
	require.NoError(t, err)

	mh := peer.readHeaders()
	peer.sendRST(mh.Header().StreamID, http2.ErrCodeInternal)

	err = st.RunUntilRead(context.Background())
	require.Error(t, err)
	require.False(t, IsRestartable(err))
	require.False(t, st.CanRestart())
	code, _ := GetError(err)
	require.Equal(t, StreamReset, code)
}

func TestGracefulGoAway(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, nil)

	st1, err := sess.Send(getRequest("/one"), nil)
	require.NoError(t, err)
	mh1 := peer.readHeaders()
	require.EqualValues(t, 1, mh1.Header().StreamID)

	st3, err := sess.Send(getRequest("/two"), nil)
	require.NoError(t, err)
	mh3 := peer.readHeaders()
	require.EqualValues(t, 3, mh3.Header().StreamID)

	peer.sendGoAway(1, http2.ErrCodeNo)
	peer.sendResponse(1, "200", nil, []byte("full response"))

	require.NoError(t, st1.RunUntilRead(context.Background()))
	body, err := io.ReadAll(st1.Body())
	require.NoError(t, err)
	require.Equal(t, "full response", string(body))

	err = st3.RunUntilRead(context.Background())
	require.Error(t, err)
	code, _ := GetError(err)
	require.Equal(t, GoAwayFatal, code)

	require.False(t, sess.IsOpen())
	_, err = sess.Send(getRequest("/three"), nil)
	require.Error(t, err)
}

func TestFatalGoAway(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, nil)

	st, err := sess.Send(getRequest("/"), nil)
	require.NoError(t, err)
	peer.readHeaders()

	peer.sendGoAway(1, http2.ErrCodeProtocol)

	err = st.RunUntilRead(context.Background())
	require.Error(t, err)
	code, _ := GetError(err)
	require.Equal(t, GoAwayFatal, code)
}

func TestCancelMidBody(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, nil)

	st, err := sess.Send(getRequest("/big"), nil)
	require.NoError(t, err)
	mh := peer.readHeaders()
	id := mh.Header().StreamID

	peer.sendHeaders(id, [][2]string{{":status", "200"}}, false)
	chunk := make([]byte, 16*1024)
	peer.sendData(id, chunk, false)

	require.NoError(t, st.RunUntilRead(context.Background()))
	buf := make([]byte, len(chunk))
	_, err = io.ReadFull(st.Body(), buf)
	require.NoError(t, err)

	st.Finish()
	peer.expectRST(id, http2.ErrCodeCancel)

	// the session stays usable for new exchanges
	st2, err := sess.Send(getRequest("/next"), nil)
	require.NoError(t, err)
	mh2 := peer.readHeaders()
	peer.sendResponse(mh2.Header().StreamID, "204", nil, nil)
	require.NoError(t, st2.RunUntilRead(context.Background()))
}

func TestCancelledWaiter(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, nil)

	st, err := sess.Send(getRequest("/slow"), nil)
	require.NoError(t, err)
	mh := peer.readHeaders()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- st.RunUntilRead(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	require.ErrorIs(t, waitErr(t, done), context.Canceled)
	peer.expectRST(mh.Header().StreamID, http2.ErrCodeCancel)
}

func TestNoContentSkipsDataPhase(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, nil)

	st, err := sess.Send(getRequest("/empty"), nil)
	require.NoError(t, err)
	mh := peer.readHeaders()
	peer.sendResponse(mh.Header().StreamID, "204", nil, nil)

	require.NoError(t, st.RunUntilRead(context.Background()))
	require.Equal(t, 204, st.Response().Status)

	n, err := st.Body().Read(make([]byte, 1))
	require.Equal(t, 0, n)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, StateReadDone, st.State())
}

func TestSkipDiscardsBody(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, nil)

	st, err := sess.Send(getRequest("/skip"), nil)
	require.NoError(t, err)
	mh := peer.readHeaders()
	id := mh.Header().StreamID

	peer.sendHeaders(id, [][2]string{{":status", "200"}}, false)
	peer.sendData(id, []byte("partial"), false)

	require.NoError(t, st.RunUntilRead(context.Background()))
	st.Skip()
	peer.expectRST(id, http2.ErrCodeStreamClosed)

	_, err = io.Copy(io.Discard, st.Body())
	require.NoError(t, err)
}

func TestPauseWithholdsWaiter(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, nil)

	st, err := sess.Send(getRequest("/paused"), nil)
	require.NoError(t, err)
	st.Pause()
	require.True(t, st.IsPaused())

	fired := make(chan error, 1)
	st.RunUntilReadAsync(func(err error) { fired <- err })

	mh := peer.readHeaders()
	peer.sendResponse(mh.Header().StreamID, "200", nil, []byte("x"))

	select {
	case <-fired:
		t.Fatal("waiter fired while paused")
	case <-time.After(50 * time.Millisecond):
	}

	st.Unpause()
	require.NoError(t, waitErr(t, fired))
}

func TestCloseAsync(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, nil)

	closed := make(chan error, 1)
	require.True(t, sess.CloseAsync(func(err error) { closed <- err }))
	require.False(t, sess.CloseAsync(func(error) {}), "second close must report shutdown in progress")

	peer.expectGoAway(http2.ErrCodeNo)
	require.NoError(t, waitErr(t, closed))
	require.False(t, sess.IsOpen())

	_, err := sess.Send(getRequest("/late"), nil)
	require.Error(t, err)
}

func TestTransportFailureFailsStreams(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, nil)

	st, err := sess.Send(getRequest("/"), nil)
	require.NoError(t, err)
	peer.readHeaders()
	peer.conn.Close()

	err = st.RunUntilRead(context.Background())
	require.Error(t, err)
	require.Error(t, sess.Wait())
}

func TestFlowControlReplenishment(t *testing.T) {
	t.Parallel()
	// a small local window forces the session to keep the peer fed with
	// WINDOW_UPDATE while the body streams in
	sess, peer := newTestSession(t, &Config{WindowSize: 64 * 1024})

	st, err := sess.Send(getRequest("/large"), nil)
	require.NoError(t, err)
	mh := peer.readHeaders()
	id := mh.Header().StreamID
	peer.sendHeaders(id, [][2]string{{":status", "200"}}, false)

	const total = 256 * 1024
	go func() {
		// drain concurrently so the sink never backs the peer up
		buf := make([]byte, 8*1024)
		for {
			if _, err := st.Body().Read(buf); err != nil {
				return
			}
		}
	}()

	require.NoError(t, st.RunUntilRead(context.Background()))

	window := int64(64 * 1024)
	sent := int64(0)
	chunk := make([]byte, 8*1024)
	for sent < total {
		for window < int64(len(chunk)) {
			// starved: the client owes us window updates
			f := peer.next()
			wu, ok := f.(*http2.WindowUpdateFrame)
			require.True(t, ok, "expected WINDOW_UPDATE while starved, got %T", f)
			if wu.Header().StreamID == id {
				window += int64(wu.Increment)
			}
		}
		end := sent+int64(len(chunk)) >= total
		peer.sendData(id, chunk, end)
		window -= int64(len(chunk))
		sent += int64(len(chunk))
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFrameTrace(t *testing.T) {
	t.Parallel()
	var tr lockedBuffer
	sess, peer := newTestSession(t, &Config{TraceWriter: &tr})

	st, err := sess.Send(getRequest("/traced"), nil)
	require.NoError(t, err)
	mh := peer.readHeaders()
	peer.sendResponse(mh.Header().StreamID, "200", nil, nil)
	require.NoError(t, st.RunUntilRead(context.Background()))

	out := tr.String()
	require.Contains(t, out, "SETTINGS")
	require.Contains(t, out, "HEADERS")
	require.Contains(t, out, "WRITE")
	require.Contains(t, out, "READ")
}

func TestStateSequenceMonotone(t *testing.T) {
	t.Parallel()
	sess, peer := newTestSession(t, nil)

	req := getRequest("/seq")
	req.Method = "POST"
	req.Body = strings.NewReader("body")
	st, err := sess.Send(req, nil)
	require.NoError(t, err)

	seen := []State{st.State()}
	observe := func() {
		s := st.State()
		if s != seen[len(seen)-1] {
			require.Greater(t, int(s), int(seen[len(seen)-1]), "state went backwards")
			seen = append(seen, s)
		}
	}

	mh := peer.readHeaders()
	observe()
	for {
		df := peer.readData()
		if df.StreamEnded() {
			break
		}
	}
	observe()
	peer.sendResponse(mh.Header().StreamID, "200", nil, []byte("resp"))
	require.NoError(t, st.RunUntilRead(context.Background()))
	observe()
	_, err = io.ReadAll(st.Body())
	require.NoError(t, err)
	observe()
	require.Equal(t, StateReadDone, seen[len(seen)-1])
}
