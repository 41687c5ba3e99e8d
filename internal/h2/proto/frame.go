package proto

import (
	"golang.org/x/net/http2"
)

// FrameInfo describes a frame header for callback consumers. It is valid
// only for the duration of the callback.
type FrameInfo struct {
	Type     http2.FrameType
	Flags    http2.Flags
	StreamID uint32
	Length   int // payload length, excluding the 9-byte frame header
}

// FrameHeaderLen is the fixed size of an HTTP/2 frame header on the wire.
const FrameHeaderLen = 9

// Frame is a fully-received frame event. The concrete types below carry the
// decoded fields the session cares about. A Frame is only valid for the
// duration of the OnFrameReceived callback that delivers it.
type Frame interface {
	Info() FrameInfo
}

type frameInfo struct {
	info FrameInfo
}

func (f frameInfo) Info() FrameInfo { return f.info }

// HeadersFrame is delivered once a header block is fully assembled,
// after the last CONTINUATION if the block was split.
type HeadersFrame struct {
	frameInfo
	StreamEnded bool
}

// DataFrame is delivered after its chunks have been dispatched via
// OnDataChunk.
type DataFrame struct {
	frameInfo
	StreamEnded bool
}

type RSTStreamFrame struct {
	frameInfo
	Code http2.ErrCode
}

type GoAwayFrame struct {
	frameInfo
	LastStreamID uint32
	Code         http2.ErrCode
	Debug        []byte
}

type WindowUpdateFrame struct {
	frameInfo
	Increment uint32
}

type SettingsFrame struct {
	frameInfo
	Ack bool
}

type PingFrame struct {
	frameInfo
	Ack bool
}

// UnknownFrame covers extension frame types; their payload is discarded.
type UnknownFrame struct {
	frameInfo
}

// Callbacks is the surface through which the engine reports protocol events.
// All callbacks run synchronously from FeedInput, NextOutputChunk or a
// submission call; they
// must not call FeedInput or NextOutputChunk (see ErrReentrantCall) but may
// submit new frames.
type Callbacks interface {
	// OnBeginFrame fires as soon as a frame header has been parsed,
	// before the payload is processed.
	OnBeginFrame(hdr http2.FrameHeader)

	// OnHeader fires once per decoded header field of a header block.
	OnHeader(streamID uint32, name, value string)

	// OnFrameReceived fires when a frame has been fully processed.
	OnFrameReceived(f Frame)

	// OnDataChunk delivers a chunk of DATA payload. The slice is only
	// valid for the duration of the call.
	OnDataChunk(streamID uint32, data []byte)

	// OnBeforeFrameSend fires immediately before a frame is serialized
	// into the outbound buffer.
	OnBeforeFrameSend(info FrameInfo)

	// OnFrameSent fires once a frame has been serialized into the
	// outbound buffer.
	OnFrameSent(info FrameInfo)

	// OnFrameNotSent fires when a frame could not be produced, for
	// example when a body pull fails.
	OnFrameNotSent(info FrameInfo, err error)

	// OnStreamClosed fires when a stream is fully closed and removed
	// from the engine, with the error code that closed it.
	OnStreamClosed(streamID uint32, code http2.ErrCode)
}
