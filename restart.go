package libsoup

import (
	"time"

	"github.com/jpillora/backoff"
)

// Restarter paces resubmission of messages that failed restartably
// (refused stream, exhausted stream ids). Each restartable failure yields
// a growing delay; a successful exchange resets it.
type Restarter struct {
	b *backoff.Backoff
}

func NewRestarter() *Restarter {
	return &Restarter{
		b: &backoff.Backoff{
			Min:    50 * time.Millisecond,
			Max:    5 * time.Second,
			Factor: 2,
			Jitter: true,
		},
	}
}

// Next reports whether msg should be resubmitted on a fresh connection,
// and after how long. It consumes the message's restarting flag.
func (r *Restarter) Next(msg *Message) (time.Duration, bool) {
	if !msg.Restarting() {
		return 0, false
	}
	msg.setRestarting(false)
	return r.b.Duration(), true
}

// Reset clears the delay after a successful exchange.
func (r *Restarter) Reset() {
	r.b.Reset()
}
