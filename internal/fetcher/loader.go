package fetcher

import (
	"context"
	"log/slog"

	"github.com/samber/mo"
	"golang.org/x/sync/singleflight"

	"github.com/agleyzer/flexrate/internal/metrics"
	"github.com/agleyzer/flexrate/internal/variant"
)

// Request describes one resource to materialize as a catalog.
type Request struct {
	// ResourceID identifies the resource at the catalog source
	ResourceID string

	// HostURL is the page or playlist the resource is embedded in
	HostURL string

	// Fallback is the resource's pre-existing source, kept last and never capped
	Fallback mo.Option[variant.Descriptor]

	// MaxBitrateKbps drops every variant above it
	MaxBitrateKbps mo.Option[int]

	// Lead marks the first resource of a sequence, which may use InlineID
	Lead bool

	// InlineID names a precomputed payload for the lead resource
	InlineID string

	// CeilingKbps is the acceptable bitrate for the initial ranking; 0 skips ranking
	CeilingKbps int
}

// Loader turns fetch results into ranked catalogs.
type Loader struct {
	fetcher Fetcher
	inline  InlineFetcher
	ranker  *variant.Ranker
	group   singleflight.Group
	logger  *slog.Logger
}

// NewLoader creates a loader. inline may be nil; a nil ranker uses the default codec priority.
func NewLoader(f Fetcher, inline InlineFetcher, ranker *variant.Ranker, logger *slog.Logger) *Loader {
	if ranker == nil {
		ranker = variant.NewRanker(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		fetcher: f,
		inline:  inline,
		ranker:  ranker,
		logger:  logger,
	}
}

// Load materializes the catalog for req. It never fails: when no catalog can
// be obtained the result holds only the fallback, so playback continues on
// the original source.
func (l *Loader) Load(ctx context.Context, req Request) *variant.Catalog {
	result, ok := l.loadInline(req)
	if !ok {
		result, ok = l.loadRemote(ctx, req)
	}
	if !ok {
		return variant.NewCatalog(nil, req.Fallback, variant.Metadata{})
	}

	cat := variant.Normalize(result.Records, req.MaxBitrateKbps, req.Fallback, result.Metadata)
	if req.CeilingKbps > 0 {
		l.ranker.Rank(cat, req.CeilingKbps)
	}

	l.logger.Debug("catalog loaded",
		"resource", req.ResourceID,
		"sources", cat.Len(),
		"ceilingKbps", req.CeilingKbps,
	)
	return cat
}

func (l *Loader) loadInline(req Request) (*Result, bool) {
	if !req.Lead || req.InlineID == "" || l.inline == nil {
		return nil, false
	}

	result, ok := l.inline.FetchInline(req.InlineID)
	if !ok {
		metrics.RecordCatalogLoad("inline", "fallthrough")
		return nil, false
	}
	metrics.RecordCatalogLoad("inline", "ok")
	return result, true
}

func (l *Loader) loadRemote(ctx context.Context, req Request) (*Result, bool) {
	if l.fetcher == nil {
		return nil, false
	}

	// The fetch is shared, so one caller giving up must not fail the others.
	// Each attempt is still bounded by the HTTP timeout.
	fetchCtx := context.WithoutCancel(ctx)
	key := req.ResourceID + "\x00" + req.HostURL
	v, err, shared := l.group.Do(key, func() (any, error) {
		return l.fetcher.Fetch(fetchCtx, req.ResourceID, req.HostURL)
	})
	result, _ := v.(*Result)
	if err == nil && result == nil {
		err = ErrNoSources
	}
	if err != nil {
		metrics.RecordCatalogLoad("network", "error")
		l.logger.Warn("catalog unavailable, keeping fallback source",
			"resource", req.ResourceID,
			"error", err,
		)
		return nil, false
	}

	metrics.RecordCatalogLoad("network", "ok")
	if shared {
		l.logger.Debug("shared in-flight catalog fetch", "resource", req.ResourceID)
	}
	return result, true
}
