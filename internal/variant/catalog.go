package variant

import (
	"sync"

	"github.com/samber/lo"
	"github.com/samber/mo"
)

// Caption is a text track carried through from the catalog source untouched.
type Caption struct {
	Src     string `json:"src"`
	SrcLang string `json:"srclang,omitempty"`
	Label   string `json:"label,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// Metadata is resource-level information that plays no part in ranking.
type Metadata struct {
	Captions []Caption
	HasAudio mo.Option[bool]
}

// Catalog is the ordered set of variants for one media resource plus its
// fallback source. The fallback is never ranked and always comes last.
//
// A Catalog is safe for concurrent use. Its order changes only through Rank.
type Catalog struct {
	mu       sync.RWMutex
	variants []Descriptor
	fallback mo.Option[Descriptor]
	meta     Metadata
}

// NewCatalog creates a catalog. Duplicate URLs are collapsed to their first
// occurrence; a fallback whose URL duplicates a variant is dropped.
func NewCatalog(variants []Descriptor, fallback mo.Option[Descriptor], meta Metadata) *Catalog {
	unique := lo.UniqBy(variants, func(d Descriptor) string { return d.URL })

	if fb, ok := fallback.Get(); ok {
		if fb.URL == "" || lo.ContainsBy(unique, func(d Descriptor) bool { return d.URL == fb.URL }) {
			fallback = mo.None[Descriptor]()
		}
	}

	return &Catalog{
		variants: unique,
		fallback: fallback,
		meta:     meta,
	}
}

// Variants returns a copy of the ranked variants, excluding the fallback.
func (c *Catalog) Variants() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Descriptor, len(c.variants))
	copy(out, c.variants)
	return out
}

// Sources returns every source in attachment order: ranked variants, then the fallback.
func (c *Catalog) Sources() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Descriptor, 0, len(c.variants)+1)
	out = append(out, c.variants...)
	if fb, ok := c.fallback.Get(); ok {
		out = append(out, fb)
	}
	return out
}

// Fallback returns the resource's original source, if any.
func (c *Catalog) Fallback() mo.Option[Descriptor] {
	return c.fallback
}

// Metadata returns the pass-through metadata.
func (c *Catalog) Metadata() Metadata {
	return c.meta
}

// Len returns the number of sources, fallback included.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.fallback.IsPresent() {
		return len(c.variants) + 1
	}
	return len(c.variants)
}

// Lookup finds the source with the given URL.
func (c *Catalog) Lookup(url string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if d, ok := lo.Find(c.variants, func(d Descriptor) bool { return d.URL == url }); ok {
		return d, true
	}
	if fb, ok := c.fallback.Get(); ok && fb.URL == url {
		return fb, true
	}
	return Descriptor{}, false
}

// HasLowerThan reports whether any variant has a known bitrate strictly below kbps.
func (c *Catalog) HasLowerThan(kbps int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return lo.ContainsBy(c.variants, func(d Descriptor) bool {
		b, ok := d.Bitrate()
		return ok && b < kbps
	})
}
