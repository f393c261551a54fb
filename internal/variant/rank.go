package variant

import (
	"cmp"
	"math"
	"slices"
)

// DefaultCodecPriority lists codec families in ascending preference.
var DefaultCodecPriority = []string{"h264", "vp09"}

// Ranker orders catalogs by codec preference, then by bitrate relative to a ceiling.
type Ranker struct {
	priority []string
}

// NewRanker creates a ranker. priority lists codec families in ascending
// preference; an empty list uses DefaultCodecPriority.
func NewRanker(priority []string) *Ranker {
	if len(priority) == 0 {
		priority = DefaultCodecPriority
	}
	return &Ranker{priority: slices.Clone(priority)}
}

var defaultRanker = NewRanker(nil)

// Rank orders c against ceilingKbps with the default codec priority.
func Rank(c *Catalog, ceilingKbps int) bool {
	return defaultRanker.Rank(c, ceilingKbps)
}

// Rank reorders the catalog's variants in place and reports whether the order changed.
// The sort is stable, so ranking twice with the same ceiling never changes anything
// the second time.
func (r *Ranker) Rank(c *Catalog, ceilingKbps int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := make([]string, len(c.variants))
	for i, d := range c.variants {
		before[i] = d.URL
	}

	slices.SortStableFunc(c.variants, func(a, b Descriptor) int {
		return r.Compare(a, b, ceilingKbps)
	})

	for i, d := range c.variants {
		if d.URL != before[i] {
			return true
		}
	}
	return false
}

// Compare returns a negative number when a should be attached before b.
func (r *Ranker) Compare(a, b Descriptor, ceilingKbps int) int {
	if c := cmp.Compare(r.codecPriority(b), r.codecPriority(a)); c != 0 {
		return c
	}
	return cmp.Compare(sortKey(b, ceilingKbps), sortKey(a, ceilingKbps))
}

// codecPriority returns the index of the variant's codec family; unknown codecs get -1.
func (r *Ranker) codecPriority(d Descriptor) int {
	return slices.Index(r.priority, d.CodecFamily())
}

// sortKey is the bitrate for variants within the ceiling and its negation for
// those above it. Higher keys sort first. Unknown bitrates count as +Inf and
// therefore land behind everything else in their codec tier.
func sortKey(d Descriptor, ceilingKbps int) float64 {
	rate := math.Inf(1)
	if b, ok := d.Bitrate(); ok {
		rate = float64(b)
	}
	if rate > float64(ceilingKbps) {
		rate = -rate
	}
	return rate
}
