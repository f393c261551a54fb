// Package netclass estimates the network class of the current environment and
// maps it to an acceptable playback bitrate.
package netclass

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Class is a coarse connection generation tier.
type Class int

const (
	VerySlow Class = iota
	Slow
	Medium
	Fast
	VeryFast
)

// Default is assumed whenever the signal is absent or unrecognized.
const Default = Fast

var classNames = [...]string{"very-slow", "slow", "medium", "fast", "very-fast"}

func (c Class) String() string {
	if c < VerySlow || c > VeryFast {
		return fmt.Sprintf("Class(%d)", int(c))
	}
	return classNames[c]
}

// ParseClass accepts both tier names and cellular effective types
// ("slow-2g", "2g", "3g", "4g", "5g").
func ParseClass(s string) (Class, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "very-slow", "slow-2g":
		return VerySlow, true
	case "slow", "2g":
		return Slow, true
	case "medium", "3g":
		return Medium, true
	case "fast", "4g":
		return Fast, true
	case "very-fast", "5g":
		return VeryFast, true
	}
	return Default, false
}

// Table holds the acceptable bitrate in kbps for each class, indexed by Class.
type Table [5]int

// DefaultTable is the stock tier mapping.
var DefaultTable = Table{50, 200, 1000, 2500, 5000}

// Validate checks that every tier is positive and strictly above the one below it.
func (t Table) Validate() error {
	for i, kbps := range t {
		if kbps <= 0 {
			return fmt.Errorf("tier %s: bitrate must be positive, got %d", Class(i), kbps)
		}
		if i > 0 && kbps <= t[i-1] {
			return fmt.Errorf("tier %s: bitrate %d must exceed tier %s (%d)", Class(i), kbps, Class(i-1), t[i-1])
		}
	}
	return nil
}

// Source reports the environment's effective connection type, or "" if unknown.
type Source interface {
	EffectiveType() string
}

// SourceFunc adapts a function to Source.
type SourceFunc func() string

// EffectiveType calls f.
func (f SourceFunc) EffectiveType() string { return f() }

// Static returns a Source that always reports effectiveType.
func Static(effectiveType string) Source {
	return SourceFunc(func() string { return effectiveType })
}

// Estimator maps the observed network class to an acceptable bitrate,
// recomputing only when the class changes.
type Estimator struct {
	mu     sync.Mutex
	source Source
	table  Table
	logger *slog.Logger

	seen      bool
	lastClass Class
	lastKbps  int
}

// New creates an estimator. A nil source behaves as an absent signal.
func New(source Source, table Table, logger *slog.Logger) (*Estimator, error) {
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tier table: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Estimator{
		source: source,
		table:  table,
		logger: logger,
	}, nil
}

// CurrentClass reads the signal and returns the observed class.
func (e *Estimator) CurrentClass() Class {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.observe()
}

// AcceptableBitrateKbps returns the ceiling for the current class.
func (e *Estimator) AcceptableBitrateKbps() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.observe()
	return e.lastKbps
}

// observe refreshes the cache. Caller must hold e.mu.
func (e *Estimator) observe() Class {
	class := Default
	if e.source != nil {
		raw := e.source.EffectiveType()
		parsed, ok := ParseClass(raw)
		if !ok && raw != "" {
			e.logger.Debug("unrecognized network class, assuming default", "reported", raw, "class", Default)
		}
		class = parsed
	}

	if !e.seen || class != e.lastClass {
		e.lastClass = class
		e.lastKbps = e.table[class]
		e.seen = true
		e.logger.Debug("network class changed", "class", class, "acceptableKbps", e.lastKbps)
	}
	return class
}
