// Package abr adapts which encoded variant each managed playback session
// uses. A single Controller tracks every managed session in the process,
// lowers a shared bitrate ceiling when a session stalls, and re-ranks the
// stalling session plus every idle sibling against the new ceiling.
package abr

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agleyzer/flexrate/internal/media"
	"github.com/agleyzer/flexrate/internal/metrics"
	"github.com/agleyzer/flexrate/internal/netclass"
	"github.com/agleyzer/flexrate/internal/variant"
)

// ErrNotManaged is returned by Downgrade for a handle with no live registry entry.
var ErrNotManaged = errors.New("handle is not managed")

const (
	// DefaultGraceWindow separates transient stalls from non-trivial ones.
	DefaultGraceWindow = 100 * time.Millisecond
	// DefaultFullyBufferedRatio is the buffered share of duration at which stalls are ignored.
	DefaultFullyBufferedRatio = 0.99
	// DefaultSweepBufferedRatio is the buffered share at which an idle sibling counts as loaded.
	DefaultSweepBufferedRatio = 0.8
)

// Estimator supplies the network-derived bitrate ceiling.
type Estimator interface {
	CurrentClass() netclass.Class
	AcceptableBitrateKbps() int
}

// CeilingPublisher is told about every ceiling reduction decided locally.
type CeilingPublisher interface {
	PublishCeiling(kbps int) error
}

// AfterFunc runs f once d has elapsed and returns a function that cancels it,
// reporting whether the call was stopped before f ran.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func timerAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Config tunes the controller.
type Config struct {
	// GraceWindow is how long a stall may last before it triggers a downgrade.
	GraceWindow time.Duration
	// FullyBufferedRatio is the buffered fraction above which a resource is left alone.
	FullyBufferedRatio float64
	// SweepBufferedRatio is the buffered fraction above which a sweep skips an idle resource.
	SweepBufferedRatio float64
	// CodecPriority lists codec families in ascending preference.
	CodecPriority []string
	// Publisher, if set, receives every local ceiling reduction.
	Publisher CeilingPublisher
	// AfterFunc replaces time.AfterFunc for the grace-window timer.
	AfterFunc AfterFunc
}

// session is one managed resource.
type session struct {
	id          uuid.UUID
	handle      Handle
	ceilingKbps int
	released    bool
	epoch       uint64

	unwatch      func()
	cancelReload func()
}

// Controller owns the shared ceiling and the registry of managed sessions.
// All registry and ceiling mutations happen under mu.
type Controller struct {
	mu          sync.Mutex
	estimator   Estimator
	ranker      *variant.Ranker
	cfg         Config
	after       AfterFunc
	ceilingKbps int
	sessions    []*session
	logger      *slog.Logger
}

// New creates a controller whose ceiling starts at the estimator's current value.
func New(estimator Estimator, cfg Config, logger *slog.Logger) (*Controller, error) {
	if estimator == nil {
		return nil, fmt.Errorf("estimator is required")
	}
	if cfg.GraceWindow < 0 {
		return nil, fmt.Errorf("grace window must not be negative, got %s", cfg.GraceWindow)
	}
	if cfg.FullyBufferedRatio < 0 || cfg.FullyBufferedRatio > 1 {
		return nil, fmt.Errorf("fully buffered ratio must be within [0,1], got %v", cfg.FullyBufferedRatio)
	}
	if cfg.SweepBufferedRatio < 0 || cfg.SweepBufferedRatio > 1 {
		return nil, fmt.Errorf("sweep buffered ratio must be within [0,1], got %v", cfg.SweepBufferedRatio)
	}
	if cfg.GraceWindow == 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.FullyBufferedRatio == 0 {
		cfg.FullyBufferedRatio = DefaultFullyBufferedRatio
	}
	if cfg.SweepBufferedRatio == 0 {
		cfg.SweepBufferedRatio = DefaultSweepBufferedRatio
	}
	after := cfg.AfterFunc
	if after == nil {
		after = timerAfterFunc
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		estimator:   estimator,
		ranker:      variant.NewRanker(cfg.CodecPriority),
		cfg:         cfg,
		after:       after,
		ceilingKbps: estimator.AcceptableBitrateKbps(),
		logger:      logger,
	}
	metrics.AcceptableBitrate.Set(float64(c.ceilingKbps))
	return c, nil
}

// AcceptableBitrateKbps returns the controller-wide ceiling.
func (c *Controller) AcceptableBitrateKbps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ceilingKbps
}

// Rank orders catalog against ceilingKbps using the controller's codec priority.
func (c *Controller) Rank(catalog *variant.Catalog, ceilingKbps int) bool {
	return c.ranker.Rank(catalog, ceilingKbps)
}

// Manage places h under management. Managing a handle that already has a live
// entry does nothing.
func (c *Controller) Manage(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lookup(h) != nil {
		return
	}

	// A slower network than at startup tightens the shared ceiling; a faster one never raises it.
	if kbps := c.estimator.AcceptableBitrateKbps(); kbps < c.ceilingKbps {
		c.setCeiling(kbps)
	}

	s := &session{
		id:          uuid.New(),
		handle:      h,
		ceilingKbps: c.ceilingKbps,
	}
	s.unwatch = c.watchStalls(s)
	c.sessions = append(c.sessions, s)
	metrics.ManagedSessions.Set(float64(len(c.sessions)))

	if cat := h.Catalog(); cat != nil && c.ranker.Rank(cat, s.ceilingKbps) {
		// A loaded but idle resource must reload to pick up the new order.
		if h.ReadyState() > media.HaveNothing && !isPlaying(h) {
			h.Load()
			metrics.RecordReload("manage")
		}
	}

	c.logger.Debug("managing session", "session", s.id, "ceilingKbps", s.ceilingKbps)
}

// Release is the teardown path for a managed resource. The entry is marked
// dead immediately and pruned on the next sweep; pending callbacks become no-ops.
func (c *Controller) Release(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.lookup(h)
	if s == nil {
		return
	}
	s.released = true
	s.epoch++
	if s.unwatch != nil {
		s.unwatch()
	}
	if s.cancelReload != nil {
		s.cancelReload()
	}
	c.logger.Debug("released session", "session", s.id)
}

// Downgrade unconditionally runs the downgrade path for h, bypassing stall detection.
func (c *Controller) Downgrade(h Handle) error {
	c.mu.Lock()
	s := c.lookup(h)
	c.mu.Unlock()

	if s == nil {
		return ErrNotManaged
	}
	c.downgrade(s, "explicit")
	return nil
}

// ApplyCeiling adopts an externally decided ceiling if it is lower than the
// current one and sweeps every managed session. It reports whether the
// ceiling changed.
func (c *Controller) ApplyCeiling(kbps int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if kbps >= c.ceilingKbps {
		return false
	}
	c.setCeiling(kbps)
	c.logger.Info("applied external ceiling", "ceilingKbps", kbps)
	c.sweep(nil)
	return true
}

// downgrade lowers the ceiling to one below the bitrate s is playing, switches
// s to a lower variant, and sweeps the other sessions.
func (c *Controller) downgrade(s *session, cause string) {
	published, resume, ok := c.tighten(s, cause)
	if resume != nil {
		resume()
	}
	if !ok || c.cfg.Publisher == nil {
		return
	}
	if err := c.cfg.Publisher.PublishCeiling(published); err != nil {
		c.logger.Warn("failed to publish ceiling", "ceilingKbps", published, "error", err)
	}
}

// tighten lowers the ceiling under c.mu. The returned function, if any, must
// run after the lock is released.
func (c *Controller) tighten(s *session, cause string) (int, func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.released {
		return 0, nil, false
	}

	h := s.handle
	cat := h.Catalog()
	if cat == nil {
		return 0, nil, false
	}

	current, found := cat.Lookup(h.CurrentSource())
	bitrate, known := current.Bitrate()
	if !found || !known {
		metrics.RecordDowngrade("unknown_bitrate")
		c.logger.Debug("current source has no known bitrate", "session", s.id, "src", h.CurrentSource())
		return 0, nil, false
	}

	newCeiling := bitrate - 1
	if newCeiling >= c.ceilingKbps {
		metrics.RecordDowngrade("already_tightened")
		c.logger.Debug("ceiling already below current bitrate",
			"session", s.id,
			"bitrateKbps", bitrate,
			"ceilingKbps", c.ceilingKbps,
		)
		return 0, nil, false
	}

	c.setCeiling(newCeiling)
	c.logger.Info("lowered acceptable bitrate",
		"session", s.id,
		"cause", cause,
		"fromKbps", bitrate,
		"ceilingKbps", newCeiling,
	)

	resume := c.switchToLower(s, bitrate)
	c.sweep(s)
	return newCeiling, resume, true
}

// switchToLower re-ranks s and reloads it at its current position if the order
// changed. If it did not, the returned function resumes playback and must be
// called without c.mu. Caller must hold c.mu.
func (c *Controller) switchToLower(s *session, bitrate int) func() {
	h := s.handle
	cat := h.Catalog()

	if !cat.HasLowerThan(bitrate) {
		metrics.RecordDowngrade("no_lower_variant")
		c.logger.Debug("no lower bitrate available", "session", s.id, "bitrateKbps", bitrate)
		return nil
	}
	metrics.RecordDowngrade("applied")

	position := h.CurrentTime()
	h.Pause()
	s.ceilingKbps = c.ceilingKbps

	if !c.ranker.Rank(cat, s.ceilingKbps) {
		id := s.id
		return func() {
			if err := h.Play(); err != nil {
				c.logger.Debug("resume after no-op rank failed", "session", id, "error", err)
			}
		}
	}

	s.epoch++
	epoch := s.epoch
	if s.cancelReload != nil {
		s.cancelReload()
	}
	s.cancelReload = subscribeOnce(h, media.EventLoadedMetadata, func() {
		c.resume(s, epoch, position)
	})
	h.Load()
	metrics.RecordReload("stalled")
	return nil
}

// resume restores position and playback after a stall reload, unless the
// session was released or reloaded again in the meantime.
func (c *Controller) resume(s *session, epoch uint64, position float64) {
	c.mu.Lock()
	if s.released || s.epoch != epoch {
		c.mu.Unlock()
		return
	}
	s.cancelReload = nil

	h := s.handle
	h.SetCurrentTime(position)
	c.mu.Unlock()

	if err := h.Play(); err != nil {
		c.logger.Debug("resume after reload failed", "session", s.id, "error", err)
		return
	}
	c.logger.Info("playing at lower bitrate", "session", s.id, "src", h.CurrentSource())
}

// sweep prunes released sessions and re-ranks every idle session other than
// except. Playing resources and those buffered past SweepBufferedRatio are left alone.
// Caller must hold c.mu.
func (c *Controller) sweep(except *session) {
	live := make([]*session, 0, len(c.sessions))
	for _, o := range c.sessions {
		if o.released {
			metrics.SessionsPruned.Inc()
			c.logger.Debug("pruned released session", "session", o.id)
			continue
		}
		live = append(live, o)

		if o == except {
			continue
		}
		h := o.handle
		if isPlaying(h) || isFullyBuffered(h, c.cfg.SweepBufferedRatio) {
			continue
		}
		cat := h.Catalog()
		if cat == nil {
			continue
		}
		o.ceilingKbps = c.ceilingKbps
		if c.ranker.Rank(cat, o.ceilingKbps) {
			h.Load()
			metrics.RecordReload("sweep")
			c.logger.Debug("reloaded idle session", "session", o.id, "ceilingKbps", o.ceilingKbps)
		}
	}
	c.sessions = live
	metrics.ManagedSessions.Set(float64(len(c.sessions)))
}

// lookup returns the live entry for h. Caller must hold c.mu.
func (c *Controller) lookup(h Handle) *session {
	for _, s := range c.sessions {
		if s.handle == h && !s.released {
			return s
		}
	}
	return nil
}

// setCeiling stores kbps. Caller must hold c.mu.
func (c *Controller) setCeiling(kbps int) {
	c.ceilingKbps = kbps
	metrics.AcceptableBitrate.Set(float64(kbps))
}
