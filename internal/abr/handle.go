package abr

import (
	"math"
	"sync"

	"github.com/agleyzer/flexrate/internal/media"
	"github.com/agleyzer/flexrate/internal/variant"
)

// Handle is the minimal playback capability the controller needs from a
// managed resource. Implementations must be comparable (typically a pointer).
//
// The controller may call Handle methods other than Play while holding its
// own lock, so those must not call back into the Controller synchronously.
// Play is always called unlocked, so EventPlaying subscribers may use the
// Controller. Subscribers may be invoked from any goroutine.
type Handle interface {
	Play() error
	Pause()
	Load()
	Paused() bool
	CurrentTime() float64
	SetCurrentTime(seconds float64)
	ReadyState() media.ReadyState
	Buffered() []media.TimeRange
	Duration() float64

	// CurrentSource is the URL of the source chosen by the last load.
	CurrentSource() string

	// Catalog is the attached source list; ranking it reorders attachment.
	Catalog() *variant.Catalog

	// Subscribe registers fn for ev and returns a function that removes it.
	Subscribe(ev media.Event, fn func()) (unsubscribe func())
}

func isPlaying(h Handle) bool {
	return !h.Paused()
}

// bufferedShare is the summed length of every buffered range as a fraction of
// the duration. An unknown or unbounded duration yields zero.
func bufferedShare(h Handle) float64 {
	d := h.Duration()
	if d <= 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return 0
	}
	var total float64
	for _, r := range h.Buffered() {
		if r.End > r.Start {
			total += r.End - r.Start
		}
	}
	return total / d
}

func isFullyBuffered(h Handle, ratio float64) bool {
	return bufferedShare(h) >= ratio
}

// subscribeOnce registers fn to run on the first delivery of ev only.
// The returned function cancels the subscription if it has not fired.
func subscribeOnce(h Handle, ev media.Event, fn func()) func() {
	var (
		mu    sync.Mutex
		fired bool
		unsub func()
	)

	mu.Lock()
	defer mu.Unlock()

	unsub = h.Subscribe(ev, func() {
		mu.Lock()
		if fired {
			mu.Unlock()
			return
		}
		fired = true
		u := unsub
		mu.Unlock()

		u()
		fn()
	})

	return func() {
		mu.Lock()
		if fired {
			mu.Unlock()
			return
		}
		fired = true
		u := unsub
		mu.Unlock()

		u()
	}
}
