// Package player provides an in-memory playback resource. It drives the
// simulated session behind the HTTP surface and stands in for a real media
// element in tests.
package player

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/agleyzer/flexrate/internal/media"
	"github.com/agleyzer/flexrate/internal/variant"
)

// ErrNoSource is returned by Play when nothing has been loaded.
var ErrNoSource = errors.New("no source loaded")

// Player simulates a media element with an attached catalog.
// Subscribers are invoked synchronously, outside the player's lock.
type Player struct {
	mu          sync.Mutex
	catalog     *variant.Catalog
	paused      bool
	readyState  media.ReadyState
	currentTime float64
	duration    float64
	buffered    []media.TimeRange
	currentSrc  string
	loads       int

	// autoDuration, when positive, makes every Load deliver metadata asynchronously.
	autoDuration float64

	nextSubID int
	subs      map[media.Event]map[int]func()
	logger    *slog.Logger
}

// New creates a paused player with catalog attached. Nothing is loaded until Load.
func New(catalog *variant.Catalog, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{
		catalog: catalog,
		paused:  true,
		subs:    make(map[media.Event]map[int]func()),
		logger:  logger,
	}
}

// Catalog returns the attached catalog.
func (p *Player) Catalog() *variant.Catalog {
	return p.catalog
}

// Load resets playback and selects the first source in attachment order.
func (p *Player) Load() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.currentSrc = ""
	if p.catalog != nil {
		if sources := p.catalog.Sources(); len(sources) > 0 {
			p.currentSrc = sources[0].URL
		}
	}
	p.readyState = media.HaveNothing
	p.currentTime = 0
	p.buffered = nil
	p.loads++

	p.logger.Debug("player load", "src", p.currentSrc, "loads", p.loads)

	if d := p.autoDuration; d > 0 && p.currentSrc != "" {
		go p.LoadMetadata(d)
	}
}

// AutoLoadMetadata makes later loads finish on their own, the way a real media
// element fetches metadata after a source change. Zero turns it off.
func (p *Player) AutoLoadMetadata(duration float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoDuration = duration
}

// Play unpauses and emits EventPlaying.
func (p *Player) Play() error {
	p.mu.Lock()
	if p.currentSrc == "" {
		p.mu.Unlock()
		return ErrNoSource
	}
	p.paused = false
	p.mu.Unlock()

	p.Emit(media.EventPlaying)
	return nil
}

// Pause pauses playback.
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Paused reports whether playback is paused.
func (p *Player) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// CurrentTime returns the playback position in seconds.
func (p *Player) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentTime
}

// SetCurrentTime seeks to seconds.
func (p *Player) SetCurrentTime(seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentTime = seconds
}

// ReadyState returns the current readiness level.
func (p *Player) ReadyState() media.ReadyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readyState
}

// Buffered returns a copy of the buffered ranges.
func (p *Player) Buffered() []media.TimeRange {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]media.TimeRange, len(p.buffered))
	copy(out, p.buffered)
	return out
}

// Duration returns the media duration in seconds, 0 if unknown.
func (p *Player) Duration() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duration
}

// CurrentSource returns the URL selected by the last Load.
func (p *Player) CurrentSource() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentSrc
}

// Loads returns how many times Load has been called.
func (p *Player) Loads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loads
}

// Subscribe registers fn for ev and returns a function that removes it.
func (p *Player) Subscribe(ev media.Event, fn func()) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextSubID
	p.nextSubID++
	if p.subs[ev] == nil {
		p.subs[ev] = make(map[int]func())
	}
	p.subs[ev][id] = fn

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs[ev], id)
	}
}

// Subscribers returns the number of listeners registered for ev.
func (p *Player) Subscribers(ev media.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[ev])
}

// Emit delivers ev to every current subscriber, in registration order.
func (p *Player) Emit(ev media.Event) {
	p.mu.Lock()
	ids := make([]int, 0, len(p.subs[ev]))
	for id := range p.subs[ev] {
		ids = append(ids, id)
	}
	fns := make([]func(), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, p.subs[ev][id])
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// LoadMetadata marks the loaded source as ready with the given duration and
// emits EventLoadedMetadata.
func (p *Player) LoadMetadata(duration float64) {
	p.mu.Lock()
	p.duration = duration
	p.readyState = media.HaveEnoughData
	p.mu.Unlock()

	p.Emit(media.EventLoadedMetadata)
}

// SetBuffered replaces the buffered ranges.
func (p *Player) SetBuffered(ranges ...media.TimeRange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffered = append([]media.TimeRange(nil), ranges...)
}

// SetReadyState overrides the readiness level.
func (p *Player) SetReadyState(rs media.ReadyState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readyState = rs
}

// Stall drops readiness and emits EventWaiting.
func (p *Player) Stall() {
	p.mu.Lock()
	if p.readyState > media.HaveCurrentData {
		p.readyState = media.HaveCurrentData
	}
	p.mu.Unlock()

	p.Emit(media.EventWaiting)
}

// Recover restores readiness and emits EventPlaying.
func (p *Player) Recover() {
	p.mu.Lock()
	p.readyState = media.HaveEnoughData
	p.mu.Unlock()

	p.Emit(media.EventPlaying)
}
