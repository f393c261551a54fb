package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

const applyTimeout = 5 * time.Second

var (
	errNotStarted = errors.New("cluster not started")
	errShutDown   = errors.New("cluster is shut down")
)

// Manager runs the Raft node that replicates the ceiling. A reduction
// submitted on a follower is forwarded to the leader over the node's bind
// address.
type Manager struct {
	config    Config
	raft      *raft.Raft
	fsm       *CeilingFSM
	mux       *streamMux
	transport *raft.NetworkTransport
	logger    *slog.Logger
	mu        sync.RWMutex
	shutdown  bool
}

// NewManager creates a new cluster manager.
func NewManager(config Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Manager{
		config: config,
		fsm:    NewCeilingFSM(logger),
		logger: logger,
	}, nil
}

// Start listens on the bind address, starts Raft, and bootstraps the peer set.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.raft != nil {
		return fmt.Errorf("cluster already started")
	}

	raftConfig := raft.DefaultConfig()
	// Peers are named by address, so the bind address doubles as the server ID.
	raftConfig.LocalID = raft.ServerID(m.config.BindAddr)
	raftConfig.HeartbeatTimeout = m.config.HeartbeatTimeout
	raftConfig.ElectionTimeout = m.config.ElectionTimeout
	raftConfig.LeaderLeaseTimeout = m.config.HeartbeatTimeout
	raftConfig.SnapshotInterval = m.config.SnapshotInterval
	raftConfig.SnapshotThreshold = m.config.SnapshotThreshold
	raftConfig.Logger = newRaftLogger(m.logger, m.config.LogLevel)

	mux, err := listenMux(m.config.BindAddr, m.serveForward, m.logger)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", m.config.BindAddr, err)
	}
	transport := raft.NewNetworkTransportWithLogger(raftLayer{mux: mux}, 3, 10*time.Second, raftConfig.Logger)

	// The ceiling is soft state, so logs and snapshots stay in memory.
	r, err := raft.NewRaft(raftConfig, m.fsm,
		raft.NewInmemStore(), raft.NewInmemStore(), raft.NewInmemSnapshotStore(), transport)
	if err != nil {
		transport.Close()
		return fmt.Errorf("create raft: %w", err)
	}
	m.raft = r
	m.mux = mux
	m.transport = transport

	servers := make([]raft.Server, 0, len(m.config.Peers))
	for _, peer := range m.config.Peers {
		servers = append(servers, raft.Server{
			ID:       raft.ServerID(peer),
			Address:  raft.ServerAddress(peer),
			Suffrage: raft.Voter,
		})
	}
	if err := r.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		// A node rejoining an existing cluster may legitimately fail here.
		m.logger.Error("failed to bootstrap cluster", "error", err)
	}

	m.logger.Info("cluster started",
		"node_id", m.config.RaftID,
		"bind", m.config.BindAddr,
		"peers", len(m.config.Peers))
	return nil
}

// node returns the running Raft instance.
func (m *Manager) node() (*raft.Raft, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch {
	case m.shutdown:
		return nil, errShutDown
	case m.raft == nil:
		return nil, errNotStarted
	}
	return m.raft, nil
}

// Lower submits a ceiling reduction to the cluster. A follower forwards it
// to the current leader; either way Lower returns once it is committed.
func (m *Manager) Lower(kbps int) error {
	r, err := m.node()
	if err != nil {
		return err
	}
	if kbps <= 0 {
		return fmt.Errorf("invalid ceiling %d", kbps)
	}

	cmd := LowerCommand{Kbps: kbps, Origin: m.config.RaftID}
	err = m.apply(r, cmd)
	if errors.Is(err, raft.ErrNotLeader) {
		if err := m.forwardLower(r, cmd); err != nil {
			return fmt.Errorf("forward ceiling: %w", err)
		}
		return nil
	}
	return err
}

// apply commits cmd through the local Raft instance, which must be the leader.
func (m *Manager) apply(r *raft.Raft, cmd LowerCommand) error {
	data, err := EncodeCommand(Command{Type: CommandLower, Data: cmd})
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	future := r.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("apply command: %w", err)
	}
	if err, ok := future.Response().(error); ok {
		return fmt.Errorf("apply command: %w", err)
	}
	return nil
}

// PublishCeiling hands a local ceiling reduction to the cluster.
func (m *Manager) PublishCeiling(kbps int) error {
	return m.Lower(kbps)
}

// OnLower registers fn to run on this node for every reduction the cluster applies.
func (m *Manager) OnLower(fn LowerFunc) {
	m.fsm.OnLower(fn)
}

// GetState returns the replicated ceiling.
func (m *Manager) GetState() CeilingState {
	return m.fsm.GetState()
}

// IsLeader returns true if this node is the Raft leader.
func (m *Manager) IsLeader() bool {
	r, err := m.node()
	return err == nil && r.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader, or "" if none is known.
func (m *Manager) LeaderAddr() string {
	r, err := m.node()
	if err != nil {
		return ""
	}
	addr, _ := r.LeaderWithID()
	return string(addr)
}

// State returns the Raft role of this node.
func (m *Manager) State() string {
	r, err := m.node()
	switch {
	case errors.Is(err, errNotStarted):
		return "NotStarted"
	case err != nil:
		return raft.Shutdown.String()
	}
	return r.State().String()
}

// Peers returns the list of peer addresses.
func (m *Manager) Peers() []string {
	return m.config.Peers
}

// NodeID returns this node's Raft ID.
func (m *Manager) NodeID() string {
	return m.config.RaftID
}

// Shutdown stops Raft and closes the listener. It is safe to call twice.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil
	}
	m.shutdown = true

	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			m.logger.Error("failed to shutdown raft", "error", err)
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}
	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			m.logger.Error("failed to close transport", "error", err)
			return fmt.Errorf("close transport: %w", err)
		}
	}

	m.logger.Info("cluster shut down")
	return nil
}

// WaitForLeader blocks until a leader is known or ctx is done.
func (m *Manager) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for m.LeaderAddr() == "" {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
