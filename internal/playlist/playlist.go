// Package playlist renders variant catalogs as HLS master playlists.
package playlist

import (
	"fmt"
	"math"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/flexrate/internal/variant"
)

// Render writes the catalog's sources, in attachment order, as an HLS master
// playlist. Sources with unknown bitrate are written with BANDWIDTH=0.
func Render(cat *variant.Catalog) (string, error) {
	if cat == nil {
		return "", fmt.Errorf("no catalog attached")
	}

	sources := cat.Sources()
	if len(sources) == 0 {
		return "", fmt.Errorf("catalog has no sources")
	}

	master := m3u8.NewMasterPlaylist()
	for _, d := range sources {
		params := m3u8.VariantParams{}
		if kbps, ok := d.Bitrate(); ok {
			params.Bandwidth = bandwidth(kbps)
		}
		if codec, ok := d.Codec.Get(); ok {
			params.Codecs = codec
		}
		master.Append(d.URL, nil, params)
	}

	return master.Encode().String(), nil
}

// bandwidth converts kbps to bits per second, saturating at the attribute's range.
func bandwidth(kbps int) uint32 {
	if kbps <= 0 {
		return 0
	}
	bps := uint64(kbps) * 1000
	if bps > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(bps)
}
