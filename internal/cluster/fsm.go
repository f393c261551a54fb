// Package cluster replicates the acceptable-bitrate ceiling across flexrate
// processes with Raft.
package cluster

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/raft"
)

func init() {
	// Register types for gob encoding/decoding
	gob.Register(LowerCommand{})
}

// CeilingState is the state shared by all cluster nodes.
type CeilingState struct {
	// CeilingKbps is the fleet-wide acceptable bitrate; zero until the first reduction.
	CeilingKbps int
	// Reductions counts the commands that lowered the ceiling.
	Reductions uint64
	// Origin is the node that submitted the latest applied reduction.
	Origin string
}

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	// CommandLower proposes a lower ceiling.
	CommandLower CommandType = 1
)

// Command represents a Raft log command.
type Command struct {
	Type CommandType
	Data any
}

// LowerCommand proposes a new ceiling. It is ignored unless it is below the
// current one.
type LowerCommand struct {
	Kbps   int
	Origin string
}

// LowerFunc observes every applied reduction.
type LowerFunc func(kbps int)

// CeilingFSM implements raft.FSM. The replicated ceiling only ever decreases.
type CeilingFSM struct {
	mu      sync.RWMutex
	state   CeilingState
	onLower LowerFunc
	logger  *slog.Logger
}

// NewCeilingFSM creates an FSM with no ceiling.
func NewCeilingFSM(logger *slog.Logger) *CeilingFSM {
	return &CeilingFSM{logger: logger}
}

// OnLower registers fn to run after every applied reduction and after a
// restore that carries a ceiling. fn runs without the FSM lock held.
func (f *CeilingFSM) OnLower(fn LowerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onLower = fn
}

// Apply applies a Raft log entry to the FSM.
func (f *CeilingFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	switch cmd.Type {
	case CommandLower:
		return f.applyLower(cmd.Data)
	default:
		f.logger.Error("unknown command type", "type", cmd.Type)
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}
}

// applyLower adopts the proposed ceiling if it is a reduction. It returns
// whether the ceiling changed.
func (f *CeilingFSM) applyLower(data any) any {
	lower, ok := data.(LowerCommand)
	if !ok {
		return fmt.Errorf("invalid lower command data")
	}
	if lower.Kbps <= 0 {
		return fmt.Errorf("invalid ceiling %d", lower.Kbps)
	}

	f.mu.Lock()
	if f.state.CeilingKbps != 0 && lower.Kbps >= f.state.CeilingKbps {
		f.mu.Unlock()
		f.logger.Debug("ignored ceiling reduction", "kbps", lower.Kbps, "ceiling", f.state.CeilingKbps)
		return false
	}
	f.state.CeilingKbps = lower.Kbps
	f.state.Reductions++
	f.state.Origin = lower.Origin
	fn := f.onLower
	f.mu.Unlock()

	f.logger.Debug("lowered cluster ceiling", "kbps", lower.Kbps, "origin", lower.Origin)
	if fn != nil {
		fn(lower.Kbps)
	}
	return true
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *CeilingFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return &fsmSnapshot{state: f.state}, nil
}

// Restore restores the FSM state from a snapshot.
func (f *CeilingFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state CeilingState
	if err := gob.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	f.state = state
	fn := f.onLower
	f.mu.Unlock()

	f.logger.Info("restored FSM state from snapshot", "ceiling", state.CeilingKbps, "reductions", state.Reductions)
	if fn != nil && state.CeilingKbps > 0 {
		fn(state.CeilingKbps)
	}
	return nil
}

// GetState returns a copy of the current FSM state.
func (f *CeilingFSM) GetState() CeilingState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state CeilingState
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

// Release releases any resources held by the snapshot.
func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for Raft submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}
