package h2

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	log "github.com/inconshreveable/log15"
	logext "github.com/inconshreveable/log15/ext"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/matevzmihalic/libsoup/internal/h2/proto"
)

// request headers never forwarded on an HTTP/2 stream
var hopByHopHeaders = []string{
	"connection",
	"keep-alive",
	"proxy-connection",
	"transfer-encoding",
	"upgrade",
	"host",
}

// Session multiplexes request/response exchanges over a single byte
// transport. A reader goroutine feeds the protocol engine, a writer
// goroutine drains it; everything else is synchronous under one mutex.
// Protocol callbacks run with the mutex held and therefore never lock it.
type Session struct {
	config    *Config
	transport io.ReadWriteCloser
	engine    *proto.Engine
	log       log.Logger

	mu       sync.Mutex
	streams  *streamMap
	err      error // first session error
	shutdown bool  // no new streams accepted

	// set while a submission is in flight so the HEADERS send callback
	// can bind the engine-assigned stream id
	pendingSend *Stream

	closeRequested bool // user asked for graceful shutdown
	goawayFlushed  bool // our GOAWAY has been serialized into the outbound buffer
	terminated     bool
	closeFn        func(error)

	// callbacks queued under the mutex, run after it is released
	calls []func()

	writeKick chan struct{}
	dead      chan struct{}
	dieOnce   sync.Once
}

// NewSession starts an HTTP/2 client session on transport. The connection
// preface, SETTINGS and the connection window update are serialized
// immediately; actual I/O starts with the session goroutines.
func NewSession(transport io.ReadWriteCloser, config *Config) *Session {
	if config == nil {
		config = &Config{}
	}
	config.initDefaults()
	s := &Session{
		config:    config,
		transport: transport,
		streams:   newStreamMap(),
		writeKick: make(chan struct{}, 1),
		dead:      make(chan struct{}),
	}
	s.log = config.Logger.New("sess", logext.RandId(4), "conn", config.ConnID)
	s.engine = proto.NewEngine(s)
	if config.TraceWriter != nil {
		proto.NewTracer("session", config.TraceWriter).Attach(s.engine)
	}

	s.mu.Lock()
	s.engine.SubmitSettings(
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: config.WindowSize},
		http2.Setting{ID: http2.SettingHeaderTableSize, Val: headerTableSize},
		http2.Setting{ID: http2.SettingEnablePush, Val: 0},
	)
	s.engine.SetLocalWindowSize(0, int32(config.WindowSize))
	s.mu.Unlock()

	s.log.Debug("session starting")
	go s.reader()
	go s.writer()
	s.kickWriter()
	return s
}

////////////////////////////////
// public interface
////////////////////////////////

// Send submits a new exchange. HEADERS (and DATA, unless the request
// carries Expect: 100-continue with a body) go to the protocol engine
// immediately; wire I/O is asynchronous. The returned error is restartable
// (IsRestartable) when the connection ran out of stream ids.
func (s *Session) Send(req *Request, completion func(error)) (*Stream, error) {
	s.mu.Lock()
	if s.shutdown || s.err != nil {
		s.mu.Unlock()
		return nil, sessionClosed
	}

	st := &Stream{sess: s, req: req, completion: completion}
	st.expectCont = req.Body != nil && hasExpectContinue(req.Headers)
	st.bodyHeld = st.expectCont
	if req.Body != nil {
		st.pump = newPump(req.Body, req.LogBody, func() { s.resumeData(st) })
	}

	fields := requestFields(req)
	prio := http2.PriorityParam{Weight: uint8(req.Priority.Weight() - 1)}

	var (
		err error
		id  uint32
	)
	s.pendingSend = st
	if st.expectCont {
		id, err = s.engine.SubmitHeadersOnly(fields, prio)
	} else {
		var pull proto.Pull
		if st.pump != nil {
			pull = st.pump.pull
		}
		id, err = s.engine.SubmitRequest(fields, prio, pull)
	}
	s.pendingSend = nil

	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, proto.ErrStreamIDExhausted) {
			return nil, idsExhausted
		}
		return nil, newErr(ProtocolInternal, err)
	}
	if st.id == 0 {
		st.id = id
		s.streams.set(id, st)
	}
	if prio.IsZero() {
		// a zero priority param is elided from HEADERS; the lowest
		// weight needs an explicit PRIORITY frame
		s.engine.SubmitPriority(id, prio)
	}
	fns := s.takeCallsLocked()
	s.mu.Unlock()
	run(fns)

	s.log.Debug("request submitted", "stream", id, "method", req.Method, "path", req.Path)
	s.kickWriter()
	return st, nil
}

// SetPriority changes the priority of a live stream, emitting a PRIORITY
// frame with the new weight.
func (s *Session) SetPriority(st *Stream, p Priority) {
	s.mu.Lock()
	st.req.Priority = p
	s.engine.SubmitPriority(st.id, http2.PriorityParam{Weight: uint8(p.Weight() - 1)})
	fns := s.takeCallsLocked()
	s.mu.Unlock()
	run(fns)
	s.kickWriter()
}

// IsOpen reports whether the session accepts new exchanges.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.shutdown && s.err == nil && s.engine.IsRequestAllowed()
}

// IsReusable is an alias of IsOpen.
func (s *Session) IsReusable() bool { return s.IsOpen() }

// CloseAsync starts graceful shutdown: GOAWAY is submitted, and fn fires
// once it has been flushed to the transport. Returns false if shutdown is
// already under way.
func (s *Session) CloseAsync(fn func(error)) bool {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return false
	}
	s.shutdown = true
	s.closeRequested = true
	s.closeFn = fn
	s.engine.TerminateSession(http2.ErrCodeNo)
	fns := s.takeCallsLocked()
	s.mu.Unlock()
	run(fns)
	s.kickWriter()
	return true
}

// Close tears the session down immediately. In-flight exchanges fail with
// a session-closed error.
func (s *Session) Close() error {
	s.die(sessionClosed)
	return nil
}

// Wait blocks until the session has fully shut down and returns its
// terminal error, nil for a clean close.
func (s *Session) Wait() error {
	<-s.dead
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

////////////////////////////////
// stream operations
////////////////////////////////

func (s *Session) finishStream(st *Stream) {
	s.mu.Lock()
	if st.finished {
		s.mu.Unlock()
		return
	}
	st.finished = true

	if w := st.waiter; w != nil {
		st.waiter = nil
		err := st.errLocked()
		if err == nil && st.state < StateReadingBody {
			err = streamCancelled
		}
		s.calls = append(s.calls, func() { w(err) })
	}

	code := http2.ErrCodeCancel
	if st.state == StateReadDone && st.firstErr == nil {
		code = http2.ErrCodeNo
	}
	if st.id != 0 && !s.terminated {
		// hold the stream in the closing set until the reset is
		// serialized; the engine's closed callback releases it
		s.streams.close(st)
		s.engine.SubmitRstStream(st.id, code)
	}
	s.streams.drop(st.id)

	completion := st.completion
	st.completion = nil
	err := st.errLocked()
	s.maybeTerminateLocked()
	fns := s.takeCallsLocked()
	s.mu.Unlock()
	run(fns)
	if completion != nil {
		completion(err)
	}
	s.kickWriter()
}

func (s *Session) skipStream(st *Stream) {
	s.mu.Lock()
	if st.id != 0 {
		s.engine.SubmitRstStream(st.id, http2.ErrCodeStreamClosed)
	}
	s.ensureSinkLocked(st)
	st.sink.Complete()
	st.setState(StateReadingBody)
	fns := s.takeCallsLocked()
	s.mu.Unlock()
	run(fns)
	s.kickWriter()
}

func (s *Session) cancelStream(st *Stream) {
	s.mu.Lock()
	st.fail(streamCancelled)
	fns := s.checkWaitersLocked()
	s.mu.Unlock()
	run(fns)
	if st.State() < StateReadDone {
		st.Finish()
	}
}

func (s *Session) resumeData(st *Stream) {
	s.mu.Lock()
	if id := st.id; id != 0 {
		s.engine.ResumeData(id)
	}
	s.mu.Unlock()
	s.kickWriter()
}

func (s *Session) ensureSinkLocked(st *Stream) *bodySink {
	if st.sink == nil {
		st.sink = newBodySink(func() { s.markReadDone(st) })
	}
	return st.sink
}

func (s *Session) markReadDone(st *Stream) {
	s.mu.Lock()
	already := st.state >= StateReadDone
	st.setState(StateReadDone)
	s.mu.Unlock()
	if !already && st.metrics() != nil {
		st.metrics().MarkResponseEnd()
	}
}

////////////////////////////////
// waiters and deferred calls
////////////////////////////////

// checkWaitersLocked queues the waiter of every stream that has reached
// readable-or-failed state and is not paused. The returned funcs must run
// after the mutex is released.
func (s *Session) checkWaitersLocked() []func() {
	s.streams.each(func(st *Stream) {
		if st.waiter == nil || st.paused {
			return
		}
		err := st.errLocked()
		if err == nil && st.state < StateReadingBody {
			return
		}
		fn := st.waiter
		st.waiter = nil
		s.calls = append(s.calls, func() { fn(err) })
	})
	return s.takeCallsLocked()
}

func (s *Session) takeCallsLocked() []func() {
	fns := s.calls
	s.calls = nil
	return fns
}

func run(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

////////////////////////////////
// I/O loops
////////////////////////////////

func (s *Session) kickWriter() {
	select {
	case s.writeKick <- struct{}{}:
	default:
	}
}

// reader pulls from the transport and feeds the protocol engine. After
// each feed step, pending waiters are re-evaluated and the writer is woken
// if the engine produced output (window updates, settings acks) or can now
// produce DATA.
func (s *Session) reader() {
	buf := make([]byte, s.config.ReadBufferSize)
	for {
		n, err := s.transport.Read(buf)
		if n > 0 {
			s.mu.Lock()
			_, ferr := s.engine.FeedInput(buf[:n])
			fns := s.checkWaitersLocked()
			wantsWrite := s.engine.WantsWrite()
			s.mu.Unlock()
			run(fns)
			if ferr != nil {
				s.log.Warn("protocol failure", "err", ferr)
				s.die(newErr(ProtocolInternal, ferr))
				return
			}
			if wantsWrite {
				s.kickWriter()
			}
		}
		if err != nil {
			s.handleReadError(err)
			return
		}
		select {
		case <-s.dead:
			return
		default:
		}
	}
}

func (s *Session) handleReadError(err error) {
	if errors.Is(err, io.EOF) {
		s.mu.Lock()
		s.shutdown = true
		idle := s.streams.empty()
		s.mu.Unlock()
		if idle {
			s.log.Debug("peer closed idle session")
			s.die(nil)
			return
		}
		s.die(eofPeer)
		return
	}
	select {
	case <-s.dead:
		return
	default:
	}
	s.die(newErr(TransportIO, fmt.Errorf("transport read: %w", err)))
}

// writer drains the engine's outbound buffer. At most one chunk is held at
// a time; a new one is requested only after the previous chunk has been
// fully written.
func (s *Session) writer() {
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-s.writeKick:
		case <-s.dead:
			return
		}
		for {
			s.mu.Lock()
			n, err := s.engine.NextOutputChunk(buf)
			fns := s.takeCallsLocked()
			s.mu.Unlock()
			run(fns)
			if err != nil {
				s.die(newErr(ProtocolInternal, err))
				return
			}
			if n == 0 {
				break
			}
			if _, werr := s.transport.Write(buf[:n]); werr != nil {
				select {
				case <-s.dead:
					return
				default:
				}
				s.die(newErr(TransportIO, fmt.Errorf("transport write: %w", werr)))
				return
			}
		}

		s.mu.Lock()
		fns := s.checkWaitersLocked()
		teardown := s.goawayFlushed && !s.terminated && !s.engine.WantsWrite() &&
			(s.closeRequested || s.streams.empty())
		s.mu.Unlock()
		run(fns)
		if teardown {
			s.completeClose()
			return
		}
	}
}

// completeClose finishes a graceful shutdown after GOAWAY has been
// flushed: surviving streams fail with a session-closed error, both
// registries are emptied, and
// the close callback scheduled on a fresh goroutine.
func (s *Session) completeClose() {
	s.mu.Lock()
	s.terminated = true
	s.streams.each(func(st *Stream) { st.fail(sessionClosed) })
	fns := s.checkWaitersLocked()
	s.streams.clear()
	closeFn := s.closeFn
	s.closeFn = nil
	s.mu.Unlock()
	run(fns)

	s.log.Debug("session closed gracefully")
	s.transport.Close()
	s.dieOnce.Do(func() { close(s.dead) })
	if closeFn != nil {
		go closeFn(nil)
	}
}

// die is the hard shutdown path: record the first session error, fail
// every live stream with a copy, drop both registries, close the
// transport.
func (s *Session) die(err error) {
	s.dieOnce.Do(func() {
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.shutdown = true
		s.terminated = true
		s.streams.each(func(st *Stream) { st.fail(s.err) })
		fns := s.checkWaitersLocked()
		s.streams.clear()
		closeFn := s.closeFn
		s.closeFn = nil
		s.mu.Unlock()
		run(fns)

		if err != nil {
			s.log.Debug("session terminated", "err", err)
		}
		s.transport.Close()
		close(s.dead)
		if closeFn != nil {
			go closeFn(err)
		}
	})
}

// maybeTerminateLocked submits our GOAWAY once the session is shutting
// down and the last stream is gone.
func (s *Session) maybeTerminateLocked() {
	if s.shutdown && s.streams.empty() {
		s.engine.TerminateSession(http2.ErrCodeNo)
	}
}

////////////////////////////////
// protocol callbacks (mutex held)
////////////////////////////////

func (s *Session) OnBeginFrame(hdr http2.FrameHeader) {
	st := s.streams.get(hdr.StreamID)
	if st == nil {
		return
	}
	switch hdr.Type {
	case http2.FrameHeaders:
		if st.state == StateWriteDone {
			st.setState(StateReadHeaders)
			if m := st.metrics(); m != nil {
				m.MarkResponseStart()
			}
		}
	case http2.FrameData:
		// normally entered from ReadHeaders; a server may also start
		// its response before our request body has finished
		if st.state < StateReadDataStart && st.respStatus >= 200 {
			st.setState(StateReadDataStart)
			s.ensureSinkLocked(st)
			if st.req.ContentSniffer != nil {
				st.sniffing = true
			} else {
				st.setState(StateReadingBody)
			}
		}
	}
}

func (s *Session) OnHeader(streamID uint32, name, value string) {
	st := s.streams.get(streamID)
	if st == nil {
		return
	}
	if m := st.metrics(); m != nil {
		m.AddResponseHeaderBytes(len(name) + len(value))
	}
	if st.state > StateReadHeaders {
		return // trailers are not exposed
	}
	if name == ":status" {
		if code, err := strconv.Atoi(value); err == nil {
			st.respStatus = code
		}
		return
	}
	if strings.HasPrefix(name, ":") {
		return
	}
	st.respHeaders = append(st.respHeaders, [2]string{name, value})
}

func (s *Session) OnFrameReceived(f proto.Frame) {
	switch f := f.(type) {
	case *proto.HeadersFrame:
		st := s.streams.get(f.Info().StreamID)
		if st == nil {
			return
		}
		if st.state >= StateReadDataStart {
			// trailing header block
			if f.StreamEnded {
				s.completeBodyLocked(st)
			}
			return
		}
		s.headersCompleteLocked(st, f.StreamEnded)

	case *proto.DataFrame:
		st := s.streams.get(f.Info().StreamID)
		if st != nil && f.StreamEnded {
			s.completeBodyLocked(st)
		}

	case *proto.RSTStreamFrame:
		st := s.streams.get(f.Info().StreamID)
		if st == nil {
			return
		}
		if f.Code == http2.ErrCodeRefusedStream && st.state <= StateWriteDone {
			st.canRestart = true
			st.fail(streamRefused)
			s.log.Debug("stream refused, marked restartable", "stream", st.id)
		} else {
			st.fail(resetError(f.Code))
		}

	case *proto.GoAwayFrame:
		s.handleGoAwayLocked(f)
	}
}

func (s *Session) OnDataChunk(streamID uint32, data []byte) {
	st := s.streams.get(streamID)
	if st == nil {
		return
	}
	s.ensureSinkLocked(st)
	st.sink.Add(data)
	if m := st.metrics(); m != nil {
		m.AddResponseBodyBytes(len(data))
	}
	if st.sniffing && st.req.ContentSniffer.Feed(data) {
		st.sniffing = false
		if st.state == StateReadDataStart {
			st.setState(StateReadingBody)
		}
	}
}

func (s *Session) OnBeforeFrameSend(info proto.FrameInfo) {
	if info.Type == http2.FrameHeaders && s.pendingSend != nil && s.pendingSend.id == 0 {
		st := s.pendingSend
		st.id = info.StreamID
		s.streams.set(st.id, st)
		st.setState(StateWriteHeaders)
	}
}

func (s *Session) OnFrameSent(info proto.FrameInfo) {
	switch info.Type {
	case http2.FrameHeaders, http2.FrameContinuation:
		st := s.streams.get(info.StreamID)
		if st == nil {
			return
		}
		if m := st.metrics(); m != nil {
			m.AddRequestHeaderBytes(info.Length + proto.FrameHeaderLen)
		}
		endHeaders := info.Flags.Has(http2.FlagHeadersEndHeaders) ||
			(info.Type == http2.FrameContinuation && info.Flags.Has(http2.FlagContinuationEndHeaders))
		// with no DATA to follow right now, writes are done; a body
		// withheld behind Expect: 100-continue comes later without
		// moving the state backwards
		if endHeaders && (st.pump == nil || st.bodyHeld) {
			st.setState(StateWriteDone)
		}

	case http2.FrameData:
		st := s.streams.get(info.StreamID)
		if st == nil {
			return
		}
		if m := st.metrics(); m != nil {
			m.AddRequestBodyBytes(info.Length, proto.FrameHeaderLen)
		}
		if info.Length > 0 && st.state == StateWriteHeaders {
			st.setState(StateWriteData)
		}
		if info.Flags.Has(http2.FlagDataEndStream) {
			st.setState(StateWriteDone)
		}

	case http2.FrameGoAway:
		s.goawayFlushed = true
	}
}

func (s *Session) OnFrameNotSent(info proto.FrameInfo, err error) {
	st := s.streams.get(info.StreamID)
	if st == nil {
		return
	}
	s.log.Debug("frame not sent", "stream", info.StreamID, "type", info.Type, "err", err)
	st.fail(newErr(ProtocolInternal, err))
}

func (s *Session) OnStreamClosed(streamID uint32, code http2.ErrCode) {
	// release streams parked in the closing set now that their reset is
	// serialized; active streams are managed by the upper layer
	if _, ok := s.streams.closing[streamID]; ok {
		s.streams.drop(streamID)
	}
}

////////////////////////////////
// response assembly
////////////////////////////////

func (s *Session) headersCompleteLocked(st *Stream, streamEnded bool) {
	status := st.respStatus

	if status >= 100 && status < 200 {
		if status == 100 && st.bodyHeld {
			st.bodyHeld = false
			s.engine.SubmitData(st.id, st.pump.pull)
			s.log.Debug("continue received, submitting withheld body", "stream", st.id)
		}
		if hook := st.req.OnInformational; hook != nil {
			code := status
			s.calls = append(s.calls, func() { hook(code) })
		}
		// informational responses never terminate the header phase
		st.respStatus = 0
		st.respHeaders = nil
		return
	}

	if streamEnded || status == 204 {
		s.ensureSinkLocked(st)
		if streamEnded {
			s.completeBodyLocked(st)
		}
		st.setState(StateReadingBody)
	}
}

func (s *Session) completeBodyLocked(st *Stream) {
	if st.sniffing {
		st.req.ContentSniffer.Force()
		st.sniffing = false
	}
	s.ensureSinkLocked(st)
	st.sink.Complete()
	st.setState(StateReadingBody)
}

func (s *Session) handleGoAwayLocked(f *proto.GoAwayFrame) {
	s.log.Info("goaway received", "lastStream", f.LastStreamID, "code", f.Code)
	if f.Code != http2.ErrCodeNo && s.err == nil {
		s.err = goawayError(f.Code)
	}
	s.streams.each(func(st *Stream) {
		if f.Code == http2.ErrCodeNo && st.id <= f.LastStreamID {
			return // the peer processed this stream; let it complete
		}
		// requests past last_stream_id were never processed; the
		// current contract still fails them rather than restarting
		st.fail(goawayStreamError(f))
	})
	s.shutdown = true
	s.maybeTerminateLocked()
}

func goawayStreamError(f *proto.GoAwayFrame) error {
	if f.Code == http2.ErrCodeNo {
		return newErr(GoAwayFatal, errors.New("request unprocessed before session shutdown"))
	}
	return goawayError(f.Code)
}

////////////////////////////////
// request encoding
////////////////////////////////

func hasExpectContinue(headers [][2]string) bool {
	for _, h := range headers {
		if strings.EqualFold(h[0], "Expect") && strings.EqualFold(h[1], "100-continue") {
			return true
		}
	}
	return false
}

func dropHeader(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// requestFields builds the header block: pseudo-headers in the required
// order, then the request headers minus the hop-by-hop set.
func requestFields(req *Request) []hpack.HeaderField {
	authority := req.Authority
	if host, port, ok := splitHostPort(authority); ok {
		if (req.Scheme == "https" && port == "443") || (req.Scheme == "http" && port == "80") {
			authority = host
		}
	}

	path := "*"
	if !req.OptionsPing {
		path = req.Path
		if path == "" {
			path = "/"
		}
		if req.Query != "" {
			path += "?" + req.Query
		}
	}

	fields := []hpack.HeaderField{
		{Name: ":method", Value: req.Method},
		{Name: ":scheme", Value: req.Scheme},
		{Name: ":authority", Value: authority},
		{Name: ":path", Value: path},
	}
	for _, h := range req.Headers {
		if dropHeader(h[0]) {
			continue
		}
		fields = append(fields, hpack.HeaderField{Name: strings.ToLower(h[0]), Value: h[1]})
	}
	return fields
}

func splitHostPort(hostport string) (host, port string, ok bool) {
	i := strings.LastIndexByte(hostport, ':')
	if i < 0 || strings.HasSuffix(hostport, "]") {
		return hostport, "", false
	}
	return hostport[:i], hostport[i+1:], true
}
