package integration

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func variantBitrates(t *testing.T, h *TestHarness) []int {
	t.Helper()

	var kbps []int
	for _, v := range h.FetchPlaylist() {
		kbps = append(kbps, int(v.Bandwidth/1000))
	}
	return kbps
}

func TestRankedPlaylist(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := NewTestHarness(t)
	defer h.Cleanup()

	h.StartHTTPServer(createTestMasterPlaylist(4000, 1000, 3000, 2000), "master.m3u8")
	h.StartFlexrate("master.m3u8", "--network", "4g")

	// Rungs under the 2500 kbps ceiling come first, best first; the rest follow smallest first.
	want := []int{2000, 1000, 3000, 4000}
	got := variantBitrates(t, h)
	if len(got) != len(want) {
		t.Fatalf("playlist has %d variants, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("variant %d: got %d kbps, want %d (order %v)", i, got[i], want[i], got)
		}
	}

	health := h.FetchHealth()
	if health.Status != "ok" {
		t.Errorf("health status = %q, want ok", health.Status)
	}
	if health.Stats.CeilingKbps != 2500 {
		t.Errorf("ceiling = %d, want 2500", health.Stats.CeilingKbps)
	}
	if health.Stats.NetworkClass != "fast" {
		t.Errorf("network class = %q, want fast", health.Stats.NetworkClass)
	}
	if len(health.Stats.Sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(health.Stats.Sessions))
	}
	if src := health.Stats.Sessions[0].CurrentSource; !strings.HasSuffix(src, "/h264_2000.m3u8") {
		t.Errorf("current source = %q, want the 2000 kbps rung", src)
	}
}

func TestStallDowngrade(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := NewTestHarness(t)
	defer h.Cleanup()

	h.StartHTTPServer(createTestMasterPlaylist(4000, 1000, 3000, 2000), "master.m3u8")
	h.StartFlexrate("master.m3u8", "--network", "4g")

	if code := h.Post("/stall"); code != http.StatusAccepted {
		t.Fatalf("POST /stall = %d, want 202", code)
	}

	// The stall outlasts the grace window and becomes a downgrade.
	h.WaitForCondition(func() bool {
		return h.FetchHealth().Stats.CeilingKbps == 1999
	}, 5*time.Second, "ceiling lowered below 2000 kbps")

	got := variantBitrates(t, h)
	if len(got) == 0 || got[0] != 1000 {
		t.Errorf("expected 1000 kbps first after downgrade, got %v", got)
	}

	h.WaitForCondition(func() bool {
		s := h.FetchHealth().Stats.Sessions
		return len(s) == 1 && strings.HasSuffix(s[0].CurrentSource, "/h264_1000.m3u8")
	}, 5*time.Second, "session switched to 1000 kbps")

	// Nothing lower than 1000 kbps: the ceiling still drops, the source stays.
	if code := h.Post("/downgrade"); code != http.StatusOK {
		t.Fatalf("POST /downgrade = %d, want 200", code)
	}
	health := h.FetchHealth()
	if health.Stats.CeilingKbps != 999 {
		t.Errorf("ceiling = %d, want 999", health.Stats.CeilingKbps)
	}
	if src := health.Stats.Sessions[0].CurrentSource; !strings.HasSuffix(src, "/h264_1000.m3u8") {
		t.Errorf("current source = %q, want it to stay on 1000 kbps", src)
	}
}

func TestTransientStall(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := NewTestHarness(t)
	defer h.Cleanup()

	h.StartHTTPServer(createTestMasterPlaylist(4000, 1000, 3000, 2000), "master.m3u8")
	configPath := h.AddFile("engine:\n  grace_window: 2s\n  network_class: 4g\n", "flexrate.yaml")
	h.StartFlexrate("master.m3u8", "--config", configPath)

	if code := h.Post("/stall"); code != http.StatusAccepted {
		t.Fatalf("POST /stall = %d, want 202", code)
	}
	if code := h.Post("/recover"); code != http.StatusOK {
		t.Fatalf("POST /recover = %d, want 200", code)
	}

	time.Sleep(2500 * time.Millisecond)

	if got := h.FetchHealth().Stats.CeilingKbps; got != 2500 {
		t.Errorf("ceiling = %d, want 2500 after a transient stall", got)
	}
}

func TestMaxBitrateCap(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	h := NewTestHarness(t)
	defer h.Cleanup()

	h.StartHTTPServer(createTestMasterPlaylist(4000, 1000, 3000, 2000), "master.m3u8")
	h.StartFlexrate("master.m3u8", "--network", "5g", "--max-bitrate", "3000")

	got := variantBitrates(t, h)
	want := []int{3000, 2000, 1000}
	if len(got) != len(want) {
		t.Fatalf("playlist = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("variant %d: got %d kbps, want %d", i, got[i], want[i])
		}
	}
}
