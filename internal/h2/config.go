package h2

import (
	"io"
	"sync"

	log "github.com/inconshreveable/log15"
)

const (
	defaultWindowSize  = 32 * 1024 * 1024 // 32 MiB
	defaultReadBufSize = 8 * 1024
	headerTableSize    = 65536
)

type Config struct {
	// Opaque identifier of the transport connection, used for logging.
	ConnID uint64

	// Logger for session events. Default discards everything.
	Logger log.Logger

	// Size of the local connection and per-stream flow control windows.
	// Default 32MB.
	WindowSize uint32

	// Size of the transport read buffer. Default 8KB.
	ReadBufferSize int

	// TraceWriter receives a line per frame read or written, for
	// debugging. Default off.
	TraceWriter io.Writer

	// allow safe concurrent initialization
	initOnce sync.Once
}

func (c *Config) initDefaults() {
	c.initOnce.Do(func() {
		if c.Logger == nil {
			c.Logger = log.New()
			c.Logger.SetHandler(log.DiscardHandler())
		}
		if c.WindowSize == 0 {
			c.WindowSize = defaultWindowSize
		}
		if c.ReadBufferSize == 0 {
			c.ReadBufferSize = defaultReadBufSize
		}
	})
}
