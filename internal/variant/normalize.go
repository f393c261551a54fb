package variant

import (
	"github.com/samber/lo"
	"github.com/samber/mo"
)

// Normalize turns raw records into a catalog. Records without a URL or above
// maxBitrateKbps are dropped; records with unknown bitrate are kept. The
// fallback is never subject to the cap.
func Normalize(records []Record, maxBitrateKbps mo.Option[int], fallback mo.Option[Descriptor], meta Metadata) *Catalog {
	kept := lo.Filter(records, func(r Record, _ int) bool {
		if r.URL == "" {
			return false
		}
		limit, capped := maxBitrateKbps.Get()
		b, known := r.BitrateKbps.Get()
		return !capped || !known || b <= limit
	})

	return NewCatalog(lo.Map(kept, func(r Record, _ int) Descriptor {
		return NewDescriptor(r)
	}), fallback, meta)
}
