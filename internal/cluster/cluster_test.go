package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func TestManager_NewManager(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: Config{
				RaftID:   "node1",
				BindAddr: "127.0.0.1:9000",
				Peers:    []string{"127.0.0.1:9000"},
			},
			wantErr: false,
		},
		{
			name: "missing raft-id",
			config: Config{
				BindAddr: "127.0.0.1:9000",
				Peers:    []string{"127.0.0.1:9000"},
			},
			wantErr: true,
		},
		{
			name: "missing bind-addr",
			config: Config{
				RaftID: "node1",
				Peers:  []string{"127.0.0.1:9000"},
			},
			wantErr: true,
		},
		{
			name: "missing peers",
			config: Config{
				RaftID:   "node1",
				BindAddr: "127.0.0.1:9000",
			},
			wantErr: true,
		},
		{
			name: "invalid bind-addr",
			config: Config{
				RaftID:   "node1",
				BindAddr: "invalid",
				Peers:    []string{"127.0.0.1:9000"},
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			config: Config{
				RaftID:   "node1",
				BindAddr: "127.0.0.1:9000",
				Peers:    []string{"127.0.0.1:9000"},
				LogLevel: "chatty",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.config, logger)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewManager() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestManager_LowerBeforeStart(t *testing.T) {
	manager, err := NewManager(Config{
		RaftID:   "node1",
		BindAddr: "127.0.0.1:9000",
		Peers:    []string{"127.0.0.1:9000"},
	}, createTestLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	if err := manager.Lower(1000); err == nil {
		t.Error("Lower() before Start should fail")
	}
	if manager.State() != "NotStarted" {
		t.Errorf("State() = %s, want NotStarted", manager.State())
	}
}

func TestManager_StartAndShutdown(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	config := Config{
		RaftID:            "node1",
		BindAddr:          "127.0.0.1:0", // Use port 0 for auto-assignment
		Peers:             []string{"127.0.0.1:0"},
		HeartbeatTimeout:  100 * time.Millisecond,
		ElectionTimeout:   100 * time.Millisecond,
		SnapshotInterval:  1 * time.Hour,
		SnapshotThreshold: 10000,
	}

	manager, err := NewManager(config, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ctx := context.Background()
	if err := manager.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if manager.State() == "NotStarted" {
		t.Error("Manager should be started")
	}

	if err := manager.Shutdown(); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	// Verify shutdown is idempotent
	if err := manager.Shutdown(); err != nil {
		t.Errorf("Second Shutdown() error = %v", err)
	}

	if err := manager.Lower(1000); err == nil {
		t.Error("Lower() after Shutdown should fail")
	}
}

func TestManager_Lower(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Create a single-node cluster
	manager := createTestCluster(t, logger, 20100, 1)[0]
	defer manager.Shutdown()

	var applied atomic.Int64
	manager.OnLower(func(kbps int) { applied.Store(int64(kbps)) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.WaitForLeader(ctx); err != nil {
		t.Fatalf("WaitForLeader() error = %v", err)
	}

	if err := manager.Lower(1999); err != nil {
		t.Fatalf("Lower() error = %v", err)
	}
	// A higher proposal is accepted by Raft but does not move the ceiling.
	if err := manager.PublishCeiling(2499); err != nil {
		t.Fatalf("PublishCeiling() error = %v", err)
	}

	state := manager.GetState()
	if state.CeilingKbps != 1999 {
		t.Errorf("CeilingKbps = %d, want 1999", state.CeilingKbps)
	}
	if state.Reductions != 1 {
		t.Errorf("Reductions = %d, want 1", state.Reductions)
	}
	if got := applied.Load(); got != 1999 {
		t.Errorf("OnLower observed %d, want 1999", got)
	}

	if err := manager.Lower(0); err == nil {
		t.Error("Lower(0) should fail")
	}
}

func TestManager_ReplicatesToFollowers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	logger := createTestLogger()
	managers := createTestCluster(t, logger, 20200, 3)
	defer func() {
		for _, m := range managers {
			m.Shutdown()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var leader *Manager
	for leader == nil {
		for _, m := range managers {
			if m.IsLeader() {
				leader = m
			}
		}
		if leader == nil {
			select {
			case <-ctx.Done():
				t.Fatal("no leader elected")
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	var follower *Manager
	for _, m := range managers {
		if m != leader {
			follower = m
			break
		}
	}

	// A follower's reduction is forwarded to the leader and committed.
	if err := follower.Lower(999); err != nil {
		t.Fatalf("follower Lower() error = %v", err)
	}
	if err := leader.Lower(1500); err != nil {
		t.Fatalf("leader Lower() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for _, m := range managers {
		for m.GetState().CeilingKbps != 999 && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}
		state := m.GetState()
		if state.CeilingKbps != 999 {
			t.Errorf("node %s: CeilingKbps = %d, want 999", m.NodeID(), state.CeilingKbps)
		}
		if state.Origin != follower.NodeID() {
			t.Errorf("node %s: Origin = %q, want %q", m.NodeID(), state.Origin, follower.NodeID())
		}
	}
}

func TestManager_UnknownConnectionKindClosed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	manager := createTestCluster(t, createTestLogger(), 20300, 1)[0]
	defer manager.Shutdown()

	conn, err := net.DialTimeout("tcp", manager.config.BindAddr, time.Second)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{0xff}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("Read() error = %v, want EOF", err)
	}
}

// createTestCluster creates a test cluster with the specified number of nodes.
func createTestCluster(t *testing.T, logger *slog.Logger, basePort, nodeCount int) []*Manager {
	t.Helper()

	peers := make([]string, nodeCount)
	for i := 0; i < nodeCount; i++ {
		peers[i] = fmt.Sprintf("127.0.0.1:%d", basePort+i)
	}

	managers := make([]*Manager, nodeCount)
	for i := 0; i < nodeCount; i++ {
		config := Config{
			RaftID:            peers[i],
			BindAddr:          peers[i],
			Peers:             peers,
			HeartbeatTimeout:  100 * time.Millisecond,
			ElectionTimeout:   100 * time.Millisecond,
			SnapshotInterval:  1 * time.Hour,
			SnapshotThreshold: 10000,
		}

		manager, err := NewManager(config, logger)
		if err != nil {
			t.Fatalf("NewManager() error = %v", err)
		}

		ctx := context.Background()
		if err := manager.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}

		managers[i] = manager
	}

	return managers
}
