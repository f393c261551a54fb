package abr

import (
	"sync"

	"github.com/agleyzer/flexrate/internal/media"
	"github.com/agleyzer/flexrate/internal/metrics"
)

// watchStalls subscribes to waiting events on s and returns the unsubscribe function.
func (c *Controller) watchStalls(s *session) func() {
	return s.handle.Subscribe(media.EventWaiting, func() {
		c.onWaiting(s)
	})
}

// onWaiting starts the grace window for one stall. If the resource does not
// resume playing before the window closes, the stall is non-trivial and the
// downgrade path runs.
func (c *Controller) onWaiting(s *session) {
	h := s.handle

	// No metadata means nothing to adapt from; a fully buffered resource
	// cannot play any faster on a lower variant.
	if h.ReadyState() < media.HaveMetadata || isFullyBuffered(h, c.cfg.FullyBufferedRatio) {
		metrics.RecordStall("ignored")
		return
	}

	var (
		mu     sync.Mutex
		closed bool
		stop   func() bool
	)

	mu.Lock()
	defer mu.Unlock()

	cancelPlaying := subscribeOnce(h, media.EventPlaying, func() {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		closed = true
		stop()
		metrics.RecordStall("transient")
	})

	stop = c.after(c.cfg.GraceWindow, func() {
		mu.Lock()
		if closed {
			mu.Unlock()
			return
		}
		closed = true
		mu.Unlock()

		cancelPlaying()
		metrics.RecordStall("nontrivial")
		c.downgrade(s, "stalled")
	})
}
