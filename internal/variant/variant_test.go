package variant

import (
	"testing"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDescriptor_MIMEType(t *testing.T) {
	tests := []struct {
		name  string
		codec mo.Option[string]
		mime  string
		want  string
	}{
		{"vp9 gets codecs param", mo.Some("vp09.00.30.08"), "video/mp4", "video/mp4; codecs=vp09.00.30.08"},
		{"legacy h264 token left bare", mo.Some("h264"), "video/mp4", "video/mp4"},
		{"no codec", mo.None[string](), "video/mp4", "video/mp4"},
		{"codecs already present", mo.Some("avc1.4d401f"), `video/mp4; codecs="avc1.4d401f"`, `video/mp4; codecs="avc1.4d401f"`},
		{"empty mime", mo.Some("vp09"), "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDescriptor(Record{URL: "u", Codec: tt.codec, MIMEType: tt.mime})
			assert.Equal(t, tt.want, d.MIMEType)
		})
	}
}

func TestDescriptor_CodecFamily(t *testing.T) {
	assert.Equal(t, "vp09", Descriptor{Codec: mo.Some("vp09.00.30.08")}.CodecFamily())
	assert.Equal(t, "h264", Descriptor{Codec: mo.Some("h264")}.CodecFamily())
	assert.Equal(t, "", Descriptor{}.CodecFamily())
}

func TestNewCatalog_DeduplicatesURLs(t *testing.T) {
	a := mp4(1000, "h264")
	dup := a
	dup.BitrateKbps = mo.Some(9999)

	c := NewCatalog([]Descriptor{a, dup, mp4(2000, "h264")}, mo.Some(a), Metadata{})

	require.Len(t, c.Variants(), 2)
	b, _ := c.Variants()[0].Bitrate()
	assert.Equal(t, 1000, b)
	assert.False(t, c.Fallback().IsPresent(), "fallback duplicating a variant should be dropped")
}

func TestCatalog_Lookup(t *testing.T) {
	fallback := Descriptor{URL: "https://origin.example.com/v.mp4"}
	c := NewCatalog([]Descriptor{mp4(1000, "h264")}, mo.Some(fallback), Metadata{})

	d, ok := c.Lookup(mp4(1000, "h264").URL)
	require.True(t, ok)
	assert.Equal(t, "h264", d.CodecFamily())

	_, ok = c.Lookup(fallback.URL)
	assert.True(t, ok)

	_, ok = c.Lookup("https://nowhere.example.com/")
	assert.False(t, ok)
}

func TestCatalog_HasLowerThan(t *testing.T) {
	c := NewCatalog([]Descriptor{mp4(1000, "h264"), mp4(2000, "h264")}, mo.None[Descriptor](), Metadata{})

	assert.True(t, c.HasLowerThan(2000))
	assert.False(t, c.HasLowerThan(1000))
}

func TestNormalize(t *testing.T) {
	records := []Record{
		{URL: "https://cdn.example.com/a.mp4", Codec: mo.Some("h264"), BitrateKbps: mo.Some(4000), MIMEType: "video/mp4"},
		{URL: "https://cdn.example.com/b.mp4", Codec: mo.Some("vp09.00.30.08"), BitrateKbps: mo.Some(1500), MIMEType: "video/mp4"},
		{URL: "https://cdn.example.com/c.mp4", Codec: mo.Some("h264"), MIMEType: "video/mp4"},
		{URL: "", BitrateKbps: mo.Some(100)},
	}
	fallback := Descriptor{URL: "https://origin.example.com/video.mp4", MIMEType: "video/mp4"}
	meta := Metadata{Captions: []Caption{{Src: "en.vtt", SrcLang: "en"}}, HasAudio: mo.Some(true)}

	c := Normalize(records, mo.Some(2000), mo.Some(fallback), meta)

	sources := c.Sources()
	require.Len(t, sources, 3)
	assert.Equal(t, "https://cdn.example.com/b.mp4", sources[0].URL)
	assert.Equal(t, "video/mp4; codecs=vp09.00.30.08", sources[0].MIMEType)
	assert.Equal(t, "https://cdn.example.com/c.mp4", sources[1].URL)
	assert.Equal(t, fallback.URL, sources[2].URL)
	assert.Equal(t, meta, c.Metadata())
}

func TestNormalize_NoCap(t *testing.T) {
	records := []Record{
		{URL: "https://cdn.example.com/a.mp4", BitrateKbps: mo.Some(40000)},
	}

	c := Normalize(records, mo.None[int](), mo.None[Descriptor](), Metadata{})

	assert.Equal(t, 1, c.Len())
}
