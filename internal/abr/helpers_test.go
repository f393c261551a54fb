package abr

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/flexrate/internal/netclass"
	"github.com/agleyzer/flexrate/internal/player"
	"github.com/agleyzer/flexrate/internal/variant"
)

// manualClock collects grace-window timers and fires them on demand.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	f    func()
	done bool
}

func (m *manualClock) AfterFunc(_ time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &manualTimer{f: f}
	m.timers = append(m.timers, t)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if t.done {
			return false
		}
		t.done = true
		return true
	}
}

// Pending returns the number of timers neither fired nor stopped.
func (m *manualClock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, t := range m.timers {
		if !t.done {
			n++
		}
	}
	return n
}

// Fire runs every pending timer.
func (m *manualClock) Fire() {
	m.mu.Lock()
	var due []func()
	for _, t := range m.timers {
		if !t.done {
			t.done = true
			due = append(due, t.f)
		}
	}
	m.mu.Unlock()

	for _, f := range due {
		f()
	}
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []int
}

func (p *recordingPublisher) PublishCeiling(kbps int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, kbps)
	return nil
}

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(t *testing.T, effectiveType string) (*Controller, *manualClock) {
	t.Helper()

	est, err := netclass.New(netclass.Static(effectiveType), netclass.DefaultTable, createTestLogger())
	require.NoError(t, err)

	clock := &manualClock{}
	c, err := New(est, Config{AfterFunc: clock.AfterFunc}, createTestLogger())
	require.NoError(t, err)
	return c, clock
}

func variantURL(codec string, kbps int) string {
	return fmt.Sprintf("https://cdn.example.com/%s/%d.mp4", codec, kbps)
}

func h264(kbps int) variant.Descriptor {
	return codecVariant("h264", kbps)
}

func codecVariant(codec string, kbps int) variant.Descriptor {
	return variant.NewDescriptor(variant.Record{
		URL:         variantURL(codec, kbps),
		Codec:       mo.Some(codec),
		BitrateKbps: mo.Some(kbps),
		MIMEType:    "video/mp4",
	})
}

func newTestPlayer(sources ...variant.Descriptor) *player.Player {
	cat := variant.NewCatalog(sources, mo.None[variant.Descriptor](), variant.Metadata{})
	return player.New(cat, createTestLogger())
}

// ladder returns a player over the four-rung h264 ladder used throughout these tests.
func ladder() *player.Player {
	return newTestPlayer(h264(4000), h264(1000), h264(3000), h264(2000))
}

// startPlaying loads p, delivers metadata, and starts playback.
func startPlaying(t *testing.T, p *player.Player) {
	t.Helper()
	p.Load()
	p.LoadMetadata(60)
	require.NoError(t, p.Play())
}

func sourceBitrates(p *player.Player) []int {
	var out []int
	for _, d := range p.Catalog().Sources() {
		b, _ := d.Bitrate()
		out = append(out, b)
	}
	return out
}
