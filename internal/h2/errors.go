package h2

import (
	"errors"
	"fmt"

	"golang.org/x/net/http2"
)

// ErrorCode classifies how an exchange or session failed.
type ErrorCode uint32

const (
	NoError ErrorCode = iota
	Cancelled
	TransportIO
	ProtocolInternal
	StreamRefused
	StreamReset
	GoAwayFatal
	SessionClosed
	StreamIDExhausted
	PeerEOF

	ErrorUnknown ErrorCode = 0xFF
)

var (
	sessionClosed   = newErr(SessionClosed, errors.New("session closed"))
	eofPeer         = newErr(PeerEOF, errors.New("read EOF from remote peer"))
	streamCancelled = newErr(Cancelled, errors.New("request cancelled"))
	streamRefused   = newErr(StreamRefused, errors.New("stream refused by peer"))
	idsExhausted    = newErr(StreamIDExhausted, errors.New("connection ran out of stream ids"))
)

type sessionError struct {
	ErrorCode
	error
}

func (e *sessionError) Error() string {
	if e.error != nil {
		return e.error.Error()
	}
	return "<nil>"
}

func (e *sessionError) Unwrap() error { return e.error }

func newErr(code ErrorCode, err error) error {
	return &sessionError{code, err}
}

// GetError splits an engine error into its code and underlying error.
func GetError(err error) (ErrorCode, error) {
	if err == nil {
		return NoError, nil
	}
	var se *sessionError
	if errors.As(err, &se) {
		return se.ErrorCode, se.error
	}
	return ErrorUnknown, err
}

// IsRestartable reports whether a failed exchange may be transparently
// resubmitted on a fresh connection: the peer refused the stream before any
// of it was processed, or this connection had no stream ids left.
func IsRestartable(err error) bool {
	code, _ := GetError(err)
	return code == StreamRefused || code == StreamIDExhausted
}

func resetError(code http2.ErrCode) error {
	return newErr(StreamReset, fmt.Errorf("stream reset by peer with error code %v", code))
}

func goawayError(code http2.ErrCode) error {
	return newErr(GoAwayFatal, fmt.Errorf("session terminated by peer with error code %v", code))
}
