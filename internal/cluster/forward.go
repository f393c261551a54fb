package cluster

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/raft"
)

// Every connection to a node's bind address starts with one byte naming
// what it carries.
const (
	connRaft byte = iota + 1
	connForward
)

const handshakeTimeout = 5 * time.Second

// ErrNoLeader is returned when a follower has no known leader to forward to.
var ErrNoLeader = errors.New("no known leader")

// forwardResponse is the leader's answer to a forwarded reduction.
type forwardResponse struct {
	Err string
}

// streamMux shares one TCP listener between Raft and forwarded reductions.
type streamMux struct {
	ln      net.Listener
	raftCh  chan net.Conn
	forward func(net.Conn)
	logger  *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func listenMux(bindAddr string, forward func(net.Conn), logger *slog.Logger) (*streamMux, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	s := &streamMux{
		ln:      ln,
		raftCh:  make(chan net.Conn),
		forward: forward,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go s.serve()
	return s, nil
}

func (s *streamMux) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Debug("cluster accept failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		go s.dispatch(conn)
	}
}

func (s *streamMux) dispatch(conn net.Conn) {
	var kind [1]byte
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if _, err := io.ReadFull(conn, kind[:]); err != nil {
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	switch kind[0] {
	case connRaft:
		select {
		case s.raftCh <- conn:
		case <-s.done:
			conn.Close()
		}
	case connForward:
		s.forward(conn)
	default:
		s.logger.Warn("unknown cluster connection kind", "kind", kind[0], "remote", conn.RemoteAddr())
		conn.Close()
	}
}

func (s *streamMux) dial(addr string, kind byte, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := conn.Write([]byte{kind}); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetWriteDeadline(time.Time{})
	return conn, nil
}

func (s *streamMux) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ln.Close()
	})
	return err
}

// raftLayer is the Raft side of the mux.
type raftLayer struct {
	mux *streamMux
}

var _ raft.StreamLayer = raftLayer{}

func (l raftLayer) Accept() (net.Conn, error) {
	select {
	case conn := <-l.mux.raftCh:
		return conn, nil
	case <-l.mux.done:
		return nil, net.ErrClosed
	}
}

func (l raftLayer) Close() error {
	return l.mux.Close()
}

func (l raftLayer) Addr() net.Addr {
	return l.mux.ln.Addr()
}

func (l raftLayer) Dial(address raft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	return l.mux.dial(string(address), connRaft, timeout)
}

// forwardLower sends cmd to the leader and waits for it to be committed.
func (m *Manager) forwardLower(r *raft.Raft, cmd LowerCommand) error {
	leader, _ := r.LeaderWithID()
	if leader == "" {
		return ErrNoLeader
	}

	conn, err := m.mux.dial(string(leader), connForward, applyTimeout)
	if err != nil {
		return fmt.Errorf("dial leader %s: %w", leader, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(applyTimeout))

	if err := gob.NewEncoder(conn).Encode(cmd); err != nil {
		return fmt.Errorf("send to leader %s: %w", leader, err)
	}
	var resp forwardResponse
	if err := gob.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("read from leader %s: %w", leader, err)
	}
	if resp.Err != "" {
		return fmt.Errorf("leader %s: %s", leader, resp.Err)
	}

	m.logger.Debug("forwarded ceiling to leader", "leader", leader, "kbps", cmd.Kbps)
	return nil
}

// serveForward applies one reduction forwarded by a follower. It does not
// forward again if this node has lost leadership.
func (m *Manager) serveForward(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(applyTimeout))

	var cmd LowerCommand
	if err := gob.NewDecoder(conn).Decode(&cmd); err != nil {
		m.logger.Debug("bad forwarded ceiling", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	var resp forwardResponse
	r, err := m.node()
	if err == nil {
		err = m.apply(r, cmd)
	}
	if err != nil {
		resp.Err = err.Error()
	}
	if err := gob.NewEncoder(conn).Encode(resp); err != nil {
		m.logger.Debug("failed to answer forwarded ceiling", "remote", conn.RemoteAddr(), "error", err)
	}
}
