// Package integration provides integration testing utilities for flexrate.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/grafov/m3u8"
)

// TestHarness manages the test environment for integration tests.
type TestHarness struct {
	t            *testing.T
	httpServer   *http.Server
	httpPort     int
	flexrateCmd  *exec.Cmd
	flexratePort int
	tempDir      string
	cancel       context.CancelFunc
}

// NewTestHarness creates a new test harness.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	return &TestHarness{
		t:            t,
		httpPort:     findAvailablePort(t),
		flexratePort: findAvailablePort(t),
	}
}

// StartHTTPServer starts an HTTP server serving a test master playlist.
func (h *TestHarness) StartHTTPServer(playlistContent string, playlistName string) {
	h.t.Helper()

	h.tempDir = h.t.TempDir()
	h.AddFile(playlistContent, playlistName)

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir(h.tempDir)))

	h.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", h.httpPort),
		Handler: mux,
	}

	go func() {
		if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.t.Logf("HTTP server error: %v", err)
		}
	}()

	waitForServer(h.t, fmt.Sprintf("http://localhost:%d", h.httpPort), 5*time.Second)
	h.t.Logf("HTTP server started on port %d", h.httpPort)
}

// AddFile writes an additional file into the served directory.
func (h *TestHarness) AddFile(content string, name string) string {
	h.t.Helper()

	if h.tempDir == "" {
		h.tempDir = h.t.TempDir()
	}
	path := filepath.Join(h.tempDir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		h.t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

// StartFlexrate starts the flexrate binary against the served master playlist.
func (h *TestHarness) StartFlexrate(playlistName string, extraArgs ...string) {
	h.t.Helper()

	binaryPath := findFlexrateBinary(h.t)

	playlistURL := fmt.Sprintf("http://localhost:%d/%s", h.httpPort, playlistName)
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	args := append([]string{
		"--port", strconv.Itoa(h.flexratePort),
		"--format", "hls",
	}, extraArgs...)
	args = append(args, playlistURL)

	h.flexrateCmd = exec.CommandContext(ctx, binaryPath, args...)
	h.flexrateCmd.Stdout = os.Stdout
	h.flexrateCmd.Stderr = os.Stderr

	if err := h.flexrateCmd.Start(); err != nil {
		h.t.Fatalf("failed to start flexrate: %v", err)
	}

	waitForServer(h.t, fmt.Sprintf("http://localhost:%d/health", h.flexratePort), 10*time.Second)
	h.t.Logf("flexrate started on port %d", h.flexratePort)
}

// FetchPlaylist fetches the ranked master playlist from flexrate.
func (h *TestHarness) FetchPlaylist() []*m3u8.Variant {
	h.t.Helper()

	variants, err := fetchPlaylist(h.flexratePort)
	if err != nil {
		h.t.Fatalf("failed to fetch playlist: %v", err)
	}
	return variants
}

// FetchHealth fetches the health endpoint and returns the controller stats.
func (h *TestHarness) FetchHealth() Health {
	h.t.Helper()

	health, err := fetchHealth(h.flexratePort)
	if err != nil {
		h.t.Fatalf("failed to fetch health: %v", err)
	}
	return health
}

// Post sends an empty POST to a control endpoint and returns the status code.
func (h *TestHarness) Post(path string) int {
	h.t.Helper()

	code, err := post(h.flexratePort, path)
	if err != nil {
		h.t.Fatalf("POST %s failed: %v", path, err)
	}
	return code
}

// Cleanup stops all running services.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	if h.cancel != nil {
		h.cancel()
	}
	if h.flexrateCmd != nil && h.flexrateCmd.Process != nil {
		h.flexrateCmd.Process.Kill()
		h.flexrateCmd.Wait()
	}

	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.httpServer.Shutdown(ctx)
	}
}

// WaitForCondition polls until a condition is met or timeout occurs.
func (h *TestHarness) WaitForCondition(condition func() bool, timeout time.Duration, description string) {
	h.t.Helper()
	waitForCondition(h.t, condition, timeout, description)
}

// Health is the decoded /health response.
type Health struct {
	Status string `json:"status"`
	Stats  struct {
		CeilingKbps  int    `json:"ceiling_kbps"`
		NetworkClass string `json:"network_class"`
		Sessions     []struct {
			ID            string `json:"id"`
			CeilingKbps   int    `json:"ceiling_kbps"`
			CurrentSource string `json:"current_source"`
			Playing       bool   `json:"playing"`
		} `json:"sessions"`
	} `json:"stats"`
}

func fetchPlaylist(port int) ([]*m3u8.Variant, error) {
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/playlist.m3u8", port))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	p, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), true)
	if err != nil {
		return nil, fmt.Errorf("decode playlist: %w", err)
	}
	if listType != m3u8.MASTER {
		return nil, fmt.Errorf("expected master playlist")
	}
	return p.(*m3u8.MasterPlaylist).Variants, nil
}

func fetchHealth(port int) (Health, error) {
	var health Health

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		return health, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return health, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	err = json.NewDecoder(resp.Body).Decode(&health)
	return health, err
}

func post(port int, path string) (int, error) {
	resp, err := http.Post(fmt.Sprintf("http://localhost:%d%s", port, path), "application/json", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// findFlexrateBinary locates the flexrate binary.
func findFlexrateBinary(t *testing.T) string {
	t.Helper()

	candidates := []string{
		"../../flexrate",          // From test/integration
		"./flexrate",              // From project root
		"../flexrate",             // From test directory
		"./cmd/flexrate/flexrate", // Built in place
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, _ := filepath.Abs(path)
			t.Logf("Found flexrate binary at: %s", absPath)
			return absPath
		}
	}

	t.Skip("flexrate binary not found. Run 'go build -o flexrate ./cmd/flexrate' first")
	return ""
}

// waitForServer waits for a server to become available.
func waitForServer(t *testing.T, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatalf("server at %s did not become available within %v", url, timeout)
}

func waitForCondition(t *testing.T, condition func() bool, timeout time.Duration, description string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for condition: %s", description)
		}
		<-ticker.C
	}
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// createTestMasterPlaylist returns a master playlist with one H.264 rung per bitrate.
func createTestMasterPlaylist(kbps ...int) string {
	p := m3u8.NewMasterPlaylist()
	for _, k := range kbps {
		p.Append(fmt.Sprintf("h264_%d.m3u8", k), nil, m3u8.VariantParams{
			Bandwidth: uint32(k * 1000),
			Codecs:    "avc1.640028,mp4a.40.2",
		})
	}
	return p.String()
}
