package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strings"

	"github.com/samber/mo"

	"github.com/agleyzer/flexrate/internal/variant"
)

// catalogResponse is the wire shape served by the catalog service.
type catalogResponse struct {
	Sources []struct {
		URL         string   `json:"url"`
		Codec       *string  `json:"codec"`
		BitrateKbps *float64 `json:"bitrate_kbps"`
		Type        string   `json:"type"`
	} `json:"sources"`
	Captions []variant.Caption `json:"captions,omitempty"`
	HasAudio *bool             `json:"has_audio,omitempty"`
}

// ParseCatalog decodes a catalog service response.
func ParseCatalog(data []byte) (*Result, error) {
	var resp catalogResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if len(resp.Sources) == 0 {
		return nil, ErrNoSources
	}

	records := make([]variant.Record, 0, len(resp.Sources))
	for _, s := range resp.Sources {
		r := variant.Record{
			URL:         s.URL,
			Codec:       mo.None[string](),
			BitrateKbps: mo.None[int](),
			MIMEType:    s.Type,
		}
		if s.Codec != nil && *s.Codec != "" {
			r.Codec = mo.Some(*s.Codec)
		}
		if s.BitrateKbps != nil {
			r.BitrateKbps = bitrateKbps(*s.BitrateKbps)
		}
		records = append(records, r)
	}

	meta := variant.Metadata{Captions: resp.Captions, HasAudio: mo.None[bool]()}
	if resp.HasAudio != nil {
		meta.HasAudio = mo.Some(*resp.HasAudio)
	}

	return &Result{Records: records, Metadata: meta}, nil
}

// JSON fetches catalogs from a catalog service.
type JSON struct {
	baseURL string
	getter  *httpGetter
}

// NewJSON creates a fetcher for the catalog service at baseURL.
func NewJSON(baseURL string, opts HTTPOptions) (*JSON, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid catalog base URL %q: scheme must be http or https", baseURL)
	}
	return &JSON{
		baseURL: strings.TrimRight(baseURL, "/"),
		getter:  newHTTPGetter(opts),
	}, nil
}

// Fetch requests the catalog for resourceID as embedded on the page at hostURL.
func (j *JSON) Fetch(ctx context.Context, resourceID, hostURL string) (*Result, error) {
	endpoint := j.endpoint(resourceID, hostURL)

	body, err := j.getter.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	result, err := ParseCatalog(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", resourceID, err)
	}
	return result, nil
}

func (j *JSON) endpoint(resourceID, hostURL string) string {
	endpoint := j.baseURL + "/catalog/" + url.PathEscape(resourceID)
	if hostURL != "" {
		endpoint += "?host_url=" + url.QueryEscape(hostURL)
	}
	return endpoint
}

// bitrateKbps rounds a reported bitrate. Values that are negative, non-finite,
// or too large to be a real rate are treated as unknown.
func bitrateKbps(v float64) mo.Option[int] {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return mo.None[int]()
	}
	r := math.Round(v)
	if r > math.MaxInt32 {
		return mo.None[int]()
	}
	return mo.Some(int(r))
}
