package fetcher

import (
	"log/slog"
	"sync"
)

// Inline holds precomputed catalog payloads keyed by payload ID, in the
// catalog service's JSON shape.
type Inline struct {
	mu       sync.RWMutex
	payloads map[string][]byte
	logger   *slog.Logger
}

// NewInline creates an empty inline store.
func NewInline(logger *slog.Logger) *Inline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inline{
		payloads: make(map[string][]byte),
		logger:   logger,
	}
}

// Put stores payload under id, replacing any previous payload.
func (i *Inline) Put(id string, payload []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.payloads[id] = append([]byte(nil), payload...)
}

// FetchInline parses the payload stored under id.
func (i *Inline) FetchInline(id string) (*Result, bool) {
	i.mu.RLock()
	payload, ok := i.payloads[id]
	i.mu.RUnlock()

	if !ok {
		return nil, false
	}

	result, err := ParseCatalog(payload)
	if err != nil {
		i.logger.Debug("inline catalog unusable", "id", id, "error", err)
		return nil, false
	}
	return result, true
}
