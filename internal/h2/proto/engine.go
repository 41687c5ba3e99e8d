package proto

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const (
	defaultMaxFrameSize   = 16384
	defaultInitialWindow  = 65535
	maxStreamID           = 1<<31 - 1
	headerTableSize       = 65536
	dataFillBudget        = 32 // max DATA frames serialized per fill pass
)

var (
	// ErrReentrantCall is returned by FeedInput and NextOutputChunk when
	// invoked from inside a protocol callback.
	ErrReentrantCall = errors.New("engine re-entered from callback")

	// ErrStreamIDExhausted is returned by submissions once the session
	// has no stream ids left.
	ErrStreamIDExhausted = errors.New("stream id space exhausted")

	// ErrSessionTerminated is returned by submissions after the session
	// has been terminated locally or by a received GOAWAY.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrDeferred is returned by a Pull to indicate no data is available
	// right now. The engine suspends the stream until ResumeData.
	ErrDeferred = errors.New("data deferred")

	// ErrTemporaryFailure is returned by a Pull when the read failed.
	// The stream is suspended and the failure reported via OnFrameNotSent.
	ErrTemporaryFailure = errors.New("temporary body read failure")
)

// Pull asks a request body source for up to len(p) bytes. It returns the
// byte count and io.EOF once the body is finished (possibly with n > 0),
// ErrDeferred when no data is available yet, or ErrTemporaryFailure
// (optionally wrapped) when the source failed.
type Pull func(p []byte) (int, error)

// streamFC tracks per-stream engine state: flow control windows, the body
// provider and its suspension state, and half-close flags.
type streamFC struct {
	id         uint32
	weight     uint8 // wire encoding, actual weight minus one
	sendWindow int32
	recvWindow int32
	consumed   int32
	pull       Pull
	deferred   bool
	endSent    bool
	endRecv    bool
	rstSent    bool
}

// Engine owns the HTTP/2 connection-level protocol state: framing, HPACK
// contexts, settings and flow control windows. It is a pure byte pump: input
// arrives via FeedInput, output leaves via NextOutputChunk, and all protocol
// events are reported through Callbacks. It performs no I/O and is not safe
// for concurrent use; the owning session serializes access.
type Engine struct {
	cb Callbacks

	fr   *http2.Framer
	out  bytes.Buffer
	in   bytes.Buffer
	dbuf []byte // scratch for body pulls

	henc *hpack.Encoder
	hbuf bytes.Buffer
	hdec *hpack.Decoder

	nextStreamID uint32
	streams      map[uint32]*streamFC

	inCallback int

	goawaySent     bool
	goawayReceived bool

	// peer settings
	peerMaxFrame      uint32
	peerInitialWindow int32

	// local state
	localInitialWindow int32
	connSendWindow     int32
	connRecvWindow     int32
	connConsumed       int32

	// continuation reassembly
	contActive    bool
	contStreamID  uint32
	contEndStream bool
	contInfo      FrameInfo

	trace func(dir string, info FrameInfo)
}

// NewEngine creates a client-side engine and writes the connection preface
// into the outbound buffer. SETTINGS and the connection window update are
// not sent automatically; the session submits them at start-up.
func NewEngine(cb Callbacks) *Engine {
	e := &Engine{
		cb:                 cb,
		nextStreamID:       1,
		streams:            make(map[uint32]*streamFC),
		peerMaxFrame:       defaultMaxFrameSize,
		peerInitialWindow:  defaultInitialWindow,
		localInitialWindow: defaultInitialWindow,
		connSendWindow:     defaultInitialWindow,
		connRecvWindow:     defaultInitialWindow,
		dbuf:               make([]byte, defaultMaxFrameSize),
	}
	e.fr = http2.NewFramer(&e.out, &e.in)
	e.henc = hpack.NewEncoder(&e.hbuf)
	e.hdec = hpack.NewDecoder(headerTableSize, nil)
	e.out.WriteString(http2.ClientPreface)
	return e
}

// SetTrace installs a per-frame trace hook used by the debug framer.
func (e *Engine) SetTrace(fn func(dir string, info FrameInfo)) { e.trace = fn }

////////////////////////////////
// submission
////////////////////////////////

// SubmitSettings serializes the session's initial SETTINGS frame.
func (e *Engine) SubmitSettings(settings ...http2.Setting) error {
	info := FrameInfo{Type: http2.FrameSettings, Length: len(settings) * 6}
	return e.writeFrame(info, func() error {
		for _, s := range settings {
			if s.ID == http2.SettingInitialWindowSize {
				e.localInitialWindow = int32(s.Val)
			}
			if s.ID == http2.SettingHeaderTableSize {
				e.hdec.SetMaxDynamicTableSize(s.Val)
			}
		}
		return e.fr.WriteSettings(settings...)
	})
}

// SubmitRequest serializes HEADERS for a new stream and registers body as
// its DATA provider. A nil body ends the stream on the HEADERS frame.
func (e *Engine) SubmitRequest(fields []hpack.HeaderField, prio http2.PriorityParam, body Pull) (uint32, error) {
	return e.submitHeaders(fields, prio, body, body == nil)
}

// SubmitHeadersOnly serializes HEADERS without END_STREAM and without a
// provider. The body is attached later via SubmitData; used for requests
// that withhold their body behind Expect: 100-continue.
func (e *Engine) SubmitHeadersOnly(fields []hpack.HeaderField, prio http2.PriorityParam) (uint32, error) {
	return e.submitHeaders(fields, prio, nil, false)
}

func (e *Engine) submitHeaders(fields []hpack.HeaderField, prio http2.PriorityParam, body Pull, endStream bool) (uint32, error) {
	if e.goawaySent || e.goawayReceived {
		return 0, ErrSessionTerminated
	}
	if e.nextStreamID > maxStreamID {
		return 0, ErrStreamIDExhausted
	}
	id := e.nextStreamID
	e.nextStreamID += 2

	e.hbuf.Reset()
	for _, f := range fields {
		if err := e.henc.WriteField(f); err != nil {
			return 0, fmt.Errorf("hpack encode: %w", err)
		}
	}
	block := e.hbuf.Bytes()

	st := &streamFC{
		id:         id,
		weight:     prio.Weight,
		sendWindow: e.peerInitialWindow,
		recvWindow: e.localInitialWindow,
		pull:       body,
	}
	e.streams[id] = st

	first := true
	for first || len(block) > 0 {
		chunk := block
		if len(chunk) > int(e.peerMaxFrame) {
			chunk = chunk[:e.peerMaxFrame]
		}
		block = block[len(chunk):]
		endHeaders := len(block) == 0

		var err error
		if first {
			first = false
			flags := http2.Flags(0)
			if endStream {
				flags |= http2.FlagHeadersEndStream
			}
			if endHeaders {
				flags |= http2.FlagHeadersEndHeaders
			}
			info := FrameInfo{Type: http2.FrameHeaders, Flags: flags, StreamID: id, Length: len(chunk)}
			err = e.writeFrame(info, func() error {
				return e.fr.WriteHeaders(http2.HeadersFrameParam{
					StreamID:      id,
					BlockFragment: chunk,
					EndStream:     endStream,
					EndHeaders:    endHeaders,
					Priority:      prio,
				})
			})
		} else {
			flags := http2.Flags(0)
			if endHeaders {
				flags |= http2.FlagContinuationEndHeaders
			}
			info := FrameInfo{Type: http2.FrameContinuation, Flags: flags, StreamID: id, Length: len(chunk)}
			err = e.writeFrame(info, func() error {
				return e.fr.WriteContinuation(id, endHeaders, chunk)
			})
		}
		if err != nil {
			delete(e.streams, id)
			return 0, err
		}
	}

	if endStream {
		st.endSent = true
	}
	return id, nil
}

// SubmitData attaches a DATA provider to a stream submitted with
// SubmitHeadersOnly. Frames are produced lazily under flow control.
func (e *Engine) SubmitData(id uint32, body Pull) error {
	st := e.streams[id]
	if st == nil {
		return fmt.Errorf("submit data: unknown stream %d", id)
	}
	if st.endSent {
		return fmt.Errorf("submit data: stream %d already half-closed", id)
	}
	st.pull = body
	st.deferred = false
	return nil
}

// SubmitPriority serializes a PRIORITY frame for a live stream.
func (e *Engine) SubmitPriority(id uint32, prio http2.PriorityParam) error {
	if st := e.streams[id]; st != nil {
		st.weight = prio.Weight
	}
	info := FrameInfo{Type: http2.FramePriority, StreamID: id, Length: 5}
	return e.writeFrame(info, func() error {
		return e.fr.WritePriority(id, prio)
	})
}

// SubmitRstStream serializes RST_STREAM and closes the stream. The closed
// callback fires after the frame is serialized.
func (e *Engine) SubmitRstStream(id uint32, code http2.ErrCode) error {
	st := e.streams[id]
	if st == nil || st.rstSent {
		return nil
	}
	st.rstSent = true
	info := FrameInfo{Type: http2.FrameRSTStream, StreamID: id, Length: 4}
	err := e.writeFrame(info, func() error {
		return e.fr.WriteRSTStream(id, code)
	})
	if err != nil {
		return err
	}
	e.closeStream(st, code)
	return nil
}

// TerminateSession serializes GOAWAY. Submissions fail afterwards; streams
// already in flight keep running.
func (e *Engine) TerminateSession(code http2.ErrCode) error {
	if e.goawaySent {
		return nil
	}
	e.goawaySent = true
	// no server push: the last peer-initiated stream is always 0
	info := FrameInfo{Type: http2.FrameGoAway, Length: 8}
	return e.writeFrame(info, func() error {
		return e.fr.WriteGoAway(0, code, nil)
	})
}

// ResumeData clears a stream's deferred flag so the next output pass pulls
// from its provider again.
func (e *Engine) ResumeData(id uint32) {
	if st := e.streams[id]; st != nil {
		st.deferred = false
	}
}

// SetLocalWindowSize raises the local flow control window for a stream
// (0 for the connection) and serializes the WINDOW_UPDATE delta.
func (e *Engine) SetLocalWindowSize(id uint32, size int32) error {
	var cur *int32
	if id == 0 {
		cur = &e.connRecvWindow
	} else if st := e.streams[id]; st != nil {
		cur = &st.recvWindow
	} else {
		return fmt.Errorf("set window: unknown stream %d", id)
	}
	if size <= *cur {
		return nil
	}
	delta := uint32(size - *cur)
	*cur = size
	if id == 0 {
		e.localInitialWindow = size
	}
	info := FrameInfo{Type: http2.FrameWindowUpdate, StreamID: id, Length: 4}
	return e.writeFrame(info, func() error {
		return e.fr.WriteWindowUpdate(id, delta)
	})
}

////////////////////////////////
// queries
////////////////////////////////

// IsRequestAllowed reports whether a new request submission can succeed.
func (e *Engine) IsRequestAllowed() bool {
	return !e.goawaySent && !e.goawayReceived && e.nextStreamID <= maxStreamID
}

func (e *Engine) StreamRemoteWindow(id uint32) int32 {
	if st := e.streams[id]; st != nil {
		return st.sendWindow
	}
	return 0
}

func (e *Engine) SessionRemoteWindow() int32 { return e.connSendWindow }

// WantsRead reports whether the engine expects more input.
func (e *Engine) WantsRead() bool { return !e.goawayReceived || len(e.streams) > 0 }

// WantsWrite reports whether the engine has output pending or can produce
// DATA frames from a live provider.
func (e *Engine) WantsWrite() bool {
	if e.out.Len() > 0 {
		return true
	}
	for _, st := range e.streams {
		if e.pullable(st) {
			return true
		}
	}
	return false
}

func (e *Engine) pullable(st *streamFC) bool {
	return st.pull != nil && !st.deferred && !st.endSent && !st.rstSent &&
		st.sendWindow > 0 && e.connSendWindow > 0
}

////////////////////////////////
// pump
////////////////////////////////

// NextOutputChunk copies the next chunk of serialized output into p,
// producing pending DATA frames first if the buffer is empty. It returns
// 0 when there is nothing to write.
func (e *Engine) NextOutputChunk(p []byte) (int, error) {
	if e.inCallback > 0 {
		return 0, ErrReentrantCall
	}
	if e.out.Len() == 0 {
		e.fillData()
		if e.out.Len() == 0 {
			return 0, nil
		}
	}
	return e.out.Read(p)
}

// fillData serializes DATA frames for streams with an available provider
// and window, highest weight first.
func (e *Engine) fillData() {
	var ready []*streamFC
	for _, st := range e.streams {
		if e.pullable(st) {
			ready = append(ready, st)
		}
	}
	if len(ready) == 0 {
		return
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].weight != ready[j].weight {
			return ready[i].weight > ready[j].weight
		}
		return ready[i].id < ready[j].id
	})

	budget := dataFillBudget
	for budget > 0 {
		progress := false
		for _, st := range ready {
			if budget == 0 {
				break
			}
			if !e.pullable(st) {
				continue
			}
			max := int32(e.peerMaxFrame)
			if st.sendWindow < max {
				max = st.sendWindow
			}
			if e.connSendWindow < max {
				max = e.connSendWindow
			}
			n, err := st.pull(e.dbuf[:max])
			switch {
			case err == nil && n == 0:
				// providers should defer instead; treat it the same
				st.deferred = true
			case err == nil:
				e.writeData(st, e.dbuf[:n], false)
				progress = true
			case errors.Is(err, io.EOF):
				e.writeData(st, e.dbuf[:n], true)
				st.endSent = true
				progress = true
				if st.endRecv {
					e.closeStream(st, http2.ErrCodeNo)
				}
			case errors.Is(err, ErrDeferred):
				st.deferred = true
			default:
				st.deferred = true
				info := FrameInfo{Type: http2.FrameData, StreamID: st.id}
				e.dispatch(func() { e.cb.OnFrameNotSent(info, err) })
			}
			budget--
		}
		if !progress {
			return
		}
	}
}

func (e *Engine) writeData(st *streamFC, data []byte, endStream bool) {
	st.sendWindow -= int32(len(data))
	e.connSendWindow -= int32(len(data))
	flags := http2.Flags(0)
	if endStream {
		flags |= http2.FlagDataEndStream
	}
	info := FrameInfo{Type: http2.FrameData, Flags: flags, StreamID: st.id, Length: len(data)}
	e.writeFrame(info, func() error {
		return e.fr.WriteData(st.id, endStream, data)
	})
}

// FeedInput appends p to the input buffer and processes every complete
// frame in it, dispatching callbacks synchronously. Trailing partial frame
// bytes are retained for the next call.
func (e *Engine) FeedInput(p []byte) (int, error) {
	if e.inCallback > 0 {
		return 0, ErrReentrantCall
	}
	e.in.Write(p)
	for {
		buf := e.in.Bytes()
		if len(buf) < FrameHeaderLen {
			break
		}
		payload := int(buf[0])<<16 | int(buf[1])<<8 | int(buf[2])
		if len(buf) < FrameHeaderLen+payload {
			break
		}
		f, err := e.fr.ReadFrame()
		if err != nil {
			return len(p), fmt.Errorf("read frame: %w", err)
		}
		if err := e.handleFrame(f); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

////////////////////////////////
// frame handling
////////////////////////////////

func (e *Engine) handleFrame(f http2.Frame) error {
	hdr := f.Header()
	if e.trace != nil {
		e.trace("READ", FrameInfo{Type: hdr.Type, Flags: hdr.Flags, StreamID: hdr.StreamID, Length: int(hdr.Length)})
	}
	e.dispatch(func() { e.cb.OnBeginFrame(hdr) })

	if e.contActive && hdr.Type != http2.FrameContinuation {
		return fmt.Errorf("protocol error: expected CONTINUATION for stream %d, got %v", e.contStreamID, hdr.Type)
	}

	switch f := f.(type) {
	case *http2.HeadersFrame:
		e.contStreamID = hdr.StreamID
		e.contEndStream = f.StreamEnded()
		e.contInfo = FrameInfo{Type: hdr.Type, Flags: hdr.Flags, StreamID: hdr.StreamID, Length: int(hdr.Length)}
		if err := e.feedHeaderBlock(f.HeaderBlockFragment(), f.HeadersEnded()); err != nil {
			return err
		}

	case *http2.ContinuationFrame:
		if !e.contActive || hdr.StreamID != e.contStreamID {
			return fmt.Errorf("protocol error: unexpected CONTINUATION on stream %d", hdr.StreamID)
		}
		e.contInfo.Length += int(hdr.Length)
		if err := e.feedHeaderBlock(f.HeaderBlockFragment(), f.HeadersEnded()); err != nil {
			return err
		}

	case *http2.DataFrame:
		if err := e.handleData(f); err != nil {
			return err
		}

	case *http2.RSTStreamFrame:
		st := e.streams[hdr.StreamID]
		if st == nil {
			break // reset of an unknown stream is ignored
		}
		ev := &RSTStreamFrame{frameInfo{e.info(hdr)}, f.ErrCode}
		e.dispatch(func() { e.cb.OnFrameReceived(ev) })
		e.closeStream(st, f.ErrCode)

	case *http2.WindowUpdateFrame:
		if hdr.StreamID == 0 {
			e.connSendWindow += int32(f.Increment)
		} else if st := e.streams[hdr.StreamID]; st != nil {
			st.sendWindow += int32(f.Increment)
		}
		ev := &WindowUpdateFrame{frameInfo{e.info(hdr)}, f.Increment}
		e.dispatch(func() { e.cb.OnFrameReceived(ev) })

	case *http2.SettingsFrame:
		if !f.IsAck() {
			if err := e.applySettings(f); err != nil {
				return err
			}
			info := FrameInfo{Type: http2.FrameSettings, Flags: http2.FlagSettingsAck}
			e.writeFrame(info, func() error { return e.fr.WriteSettingsAck() })
		}
		ev := &SettingsFrame{frameInfo{e.info(hdr)}, f.IsAck()}
		e.dispatch(func() { e.cb.OnFrameReceived(ev) })

	case *http2.PingFrame:
		if !f.IsAck() {
			info := FrameInfo{Type: http2.FramePing, Flags: http2.FlagPingAck, Length: 8}
			data := f.Data
			e.writeFrame(info, func() error { return e.fr.WritePing(true, data) })
		}
		ev := &PingFrame{frameInfo{e.info(hdr)}, f.IsAck()}
		e.dispatch(func() { e.cb.OnFrameReceived(ev) })

	case *http2.GoAwayFrame:
		e.goawayReceived = true
		ev := &GoAwayFrame{frameInfo{e.info(hdr)}, f.LastStreamID, f.ErrCode, f.DebugData()}
		e.dispatch(func() { e.cb.OnFrameReceived(ev) })

	default:
		ev := &UnknownFrame{frameInfo{e.info(hdr)}}
		e.dispatch(func() { e.cb.OnFrameReceived(ev) })
	}
	return nil
}

func (e *Engine) info(hdr http2.FrameHeader) FrameInfo {
	return FrameInfo{Type: hdr.Type, Flags: hdr.Flags, StreamID: hdr.StreamID, Length: int(hdr.Length)}
}

func (e *Engine) feedHeaderBlock(fragment []byte, end bool) error {
	e.contActive = true
	id := e.contStreamID
	e.hdec.SetEmitFunc(func(hf hpack.HeaderField) {
		e.dispatch(func() { e.cb.OnHeader(id, hf.Name, hf.Value) })
	})
	if _, err := e.hdec.Write(fragment); err != nil {
		return fmt.Errorf("hpack decode: %w", err)
	}
	if !end {
		return nil
	}
	e.contActive = false
	if err := e.hdec.Close(); err != nil {
		return fmt.Errorf("hpack decode: %w", err)
	}
	ev := &HeadersFrame{frameInfo{e.contInfo}, e.contEndStream}
	e.dispatch(func() { e.cb.OnFrameReceived(ev) })
	if e.contEndStream {
		if st := e.streams[id]; st != nil {
			st.endRecv = true
			if st.endSent {
				e.closeStream(st, http2.ErrCodeNo)
			}
		}
	}
	return nil
}

func (e *Engine) handleData(f *http2.DataFrame) error {
	hdr := f.Header()
	n := int32(hdr.Length)
	e.connRecvWindow -= n
	if e.connRecvWindow < 0 {
		return fmt.Errorf("flow control error: connection window exceeded by stream %d", hdr.StreamID)
	}
	// the whole frame counts as consumed immediately; the sink buffers
	e.connConsumed += n
	e.maybeUpdateWindow(0, &e.connRecvWindow, &e.connConsumed)

	st := e.streams[hdr.StreamID]
	if st == nil || st.rstSent {
		// late DATA for a reset or unknown stream is discarded
		return nil
	}
	st.recvWindow -= n
	if st.recvWindow < 0 {
		return fmt.Errorf("flow control error: stream %d window exceeded", hdr.StreamID)
	}
	st.consumed += n
	e.maybeUpdateWindow(st.id, &st.recvWindow, &st.consumed)

	if len(f.Data()) > 0 {
		data := f.Data()
		e.dispatch(func() { e.cb.OnDataChunk(st.id, data) })
	}
	ev := &DataFrame{frameInfo{e.info(hdr)}, f.StreamEnded()}
	e.dispatch(func() { e.cb.OnFrameReceived(ev) })
	if f.StreamEnded() {
		st.endRecv = true
		if st.endSent {
			e.closeStream(st, http2.ErrCodeNo)
		}
	}
	return nil
}

// maybeUpdateWindow restores a receive window once more than half of it has
// been consumed, batching WINDOW_UPDATE frames.
func (e *Engine) maybeUpdateWindow(id uint32, window, consumed *int32) {
	limit := e.localInitialWindow
	if *consumed*2 < limit {
		return
	}
	delta := uint32(*consumed)
	*window += *consumed
	*consumed = 0
	info := FrameInfo{Type: http2.FrameWindowUpdate, StreamID: id, Length: 4}
	e.writeFrame(info, func() error {
		return e.fr.WriteWindowUpdate(id, delta)
	})
}

func (e *Engine) applySettings(f *http2.SettingsFrame) error {
	return f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingMaxFrameSize:
			e.peerMaxFrame = s.Val
			if int(s.Val) > len(e.dbuf) {
				e.dbuf = make([]byte, s.Val)
			}
		case http2.SettingInitialWindowSize:
			delta := int32(s.Val) - e.peerInitialWindow
			e.peerInitialWindow = int32(s.Val)
			for _, st := range e.streams {
				st.sendWindow += delta
			}
		case http2.SettingHeaderTableSize:
			e.henc.SetMaxDynamicTableSize(s.Val)
		}
		return nil
	})
}

func (e *Engine) closeStream(st *streamFC, code http2.ErrCode) {
	if _, ok := e.streams[st.id]; !ok {
		return
	}
	delete(e.streams, st.id)
	e.dispatch(func() { e.cb.OnStreamClosed(st.id, code) })
}

////////////////////////////////
// callback plumbing
////////////////////////////////

// dispatch runs a callback with the re-entrancy guard held.
func (e *Engine) dispatch(fn func()) {
	e.inCallback++
	defer func() { e.inCallback-- }()
	fn()
}

// writeFrame serializes one frame, bracketing it with the send callbacks.
func (e *Engine) writeFrame(info FrameInfo, write func() error) error {
	e.dispatch(func() { e.cb.OnBeforeFrameSend(info) })
	err := write()
	if err != nil {
		e.dispatch(func() { e.cb.OnFrameNotSent(info, err) })
		return err
	}
	if e.trace != nil {
		e.trace("WRITE", info)
	}
	e.dispatch(func() { e.cb.OnFrameSent(info) })
	return nil
}
