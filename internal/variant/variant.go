// Package variant defines encoded-variant descriptors, the per-resource
// catalog that holds them, and the ranking that orders a catalog for playback.
package variant

import (
	"strings"

	"github.com/samber/mo"
)

// legacyH264 is the codec token browsers reject as a codecs= parameter value.
const legacyH264 = "h264"

// Descriptor is one encoded rendition of a media resource.
type Descriptor struct {
	// URL is the fetch location of this rendition
	URL string

	// BitrateKbps is the encoder target bitrate; None means unknown
	BitrateKbps mo.Option[int]

	// Codec is the raw codec token (e.g., "vp09.00.30.08"); None if not reported
	Codec mo.Option[string]

	// MIMEType is the presentation type, including a codecs parameter when one applies
	MIMEType string
}

// Record is a variant as reported by a catalog source, before normalization.
type Record struct {
	URL         string
	Codec       mo.Option[string]
	BitrateKbps mo.Option[int]
	MIMEType    string
}

// NewDescriptor builds a descriptor from a raw record, adding "; codecs=" to
// the MIME type unless the codec is the legacy h264 token.
func NewDescriptor(r Record) Descriptor {
	return Descriptor{
		URL:         r.URL,
		BitrateKbps: r.BitrateKbps,
		Codec:       r.Codec,
		MIMEType:    mimeWithCodec(r.MIMEType, r.Codec),
	}
}

// CodecFamily returns the part of the codec token before the first '.',
// or "" when the codec is unknown.
func (d Descriptor) CodecFamily() string {
	codec, ok := d.Codec.Get()
	if !ok {
		return ""
	}
	family, _, _ := strings.Cut(codec, ".")
	return family
}

// Bitrate returns the bitrate in kbps and whether it is known.
func (d Descriptor) Bitrate() (int, bool) {
	return d.BitrateKbps.Get()
}

func mimeWithCodec(mimeType string, codec mo.Option[string]) string {
	c, ok := codec.Get()
	if !ok || c == "" || c == legacyH264 || mimeType == "" {
		return mimeType
	}
	if strings.Contains(mimeType, "codecs=") {
		return mimeType
	}
	return mimeType + "; codecs=" + c
}
