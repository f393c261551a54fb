package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/grafov/m3u8"
	"github.com/samber/mo"

	"github.com/agleyzer/flexrate/internal/variant"
)

// hlsMIMEType is the presentation type of every HLS variant.
const hlsMIMEType = "application/vnd.apple.mpegurl"

// audioCodecPrefixes identify CODECS entries that never describe video.
var audioCodecPrefixes = []string{"mp4a", "ac-3", "ec-3", "opus", "flac"}

// HLS treats an HLS master playlist as a variant catalog.
type HLS struct {
	getter *httpGetter
}

// NewHLS creates an HLS master playlist fetcher.
func NewHLS(opts HTTPOptions) *HLS {
	return &HLS{getter: newHTTPGetter(opts)}
}

// Fetch resolves resourceID against hostURL, fetches the master playlist
// there, and returns one record per variant stream.
func (h *HLS) Fetch(ctx context.Context, resourceID, hostURL string) (*Result, error) {
	playlistURL := resourceID
	if hostURL != "" {
		resolved, err := resolveURL(hostURL, resourceID)
		if err != nil {
			return nil, err
		}
		playlistURL = resolved
	}

	body, err := h.getter.get(ctx, playlistURL)
	if err != nil {
		return nil, err
	}

	return ParseMasterPlaylist(body, playlistURL)
}

// ParseMasterPlaylist decodes an HLS master playlist. Variant URIs are
// resolved against masterURL.
func ParseMasterPlaylist(data []byte, masterURL string) (*Result, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), true)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse playlist: %v", ErrBadPayload, err)
	}

	if listType != m3u8.MASTER {
		return nil, fmt.Errorf("%w: expected master playlist, got media playlist", ErrBadPayload)
	}

	masterPlaylist, ok := playlist.(*m3u8.MasterPlaylist)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected playlist type", ErrBadPayload)
	}

	var records []variant.Record
	for _, v := range masterPlaylist.Variants {
		if v == nil || v.Iframe {
			continue
		}

		variantURL, err := resolveURL(masterURL, v.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve variant URL: %w", err)
		}

		bitrate := mo.None[int]()
		if v.Bandwidth > 0 {
			// Round to the nearest kbps; a sub-kbps rate is still a known, nonzero rate.
			bitrate = mo.Some(max(1, int(math.Round(float64(v.Bandwidth)/1000))))
		}

		records = append(records, variant.Record{
			URL:         variantURL,
			Codec:       videoCodec(v.Codecs),
			BitrateKbps: bitrate,
			MIMEType:    hlsMIMEType,
		})
	}

	if len(records) == 0 {
		return nil, ErrNoSources
	}

	return &Result{
		Records:  records,
		Metadata: variant.Metadata{HasAudio: hasAudio(masterPlaylist)},
	}, nil
}

// videoCodec returns the first non-audio entry of an HLS CODECS attribute.
func videoCodec(codecs string) mo.Option[string] {
	for _, c := range strings.Split(codecs, ",") {
		c = strings.TrimSpace(c)
		if c == "" || isAudioCodec(c) {
			continue
		}
		return mo.Some(c)
	}
	return mo.None[string]()
}

func isAudioCodec(codec string) bool {
	for _, prefix := range audioCodecPrefixes {
		if strings.HasPrefix(codec, prefix) {
			return true
		}
	}
	return false
}

// hasAudio is known only when some variant declares CODECS.
func hasAudio(p *m3u8.MasterPlaylist) mo.Option[bool] {
	declared := false
	for _, v := range p.Variants {
		if v == nil || v.Codecs == "" {
			continue
		}
		declared = true
		for _, c := range strings.Split(v.Codecs, ",") {
			if isAudioCodec(strings.TrimSpace(c)) {
				return mo.Some(true)
			}
		}
	}
	if !declared {
		return mo.None[bool]()
	}
	return mo.Some(false)
}
