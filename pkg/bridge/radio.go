package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vudo/enr/internal/logger"
)

// ConnectionState is the radio interface's connection lifecycle (spec
// §4.3), ported from the original mycelial-meshtastic interface module.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// RadioInterface abstracts over the physical transport to a Meshtastic
// device: serial, TCP, or BLE. All three share the same framed
// read/write contract and connection state machine.
type RadioInterface interface {
	Connect(ctx context.Context) error
	Disconnect() error
	State() ConnectionState
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Name() string
}

// BackoffConfig configures the exponential reconnect backoff shared by
// every RadioInterface implementation.
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.Initial <= 0 {
		c.Initial = 500 * time.Millisecond
	}
	if c.Max <= 0 {
		c.Max = 30 * time.Second
	}
	return c
}

// next returns the backoff delay for the given consecutive failure count
// (0-indexed), doubling each time up to Max.
func (c BackoffConfig) next(attempt int) time.Duration {
	d := c.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.Max {
			return c.Max
		}
	}
	return d
}

// stateMachine is embedded by each concrete RadioInterface to share the
// Disconnected -> Connecting -> Connected -> Reconnecting transitions and
// the pending-write drain on read error (spec §4.3 reconnection).
type stateMachine struct {
	mu      sync.Mutex
	state   ConnectionState
	backoff BackoffConfig
	attempt int
	log     *logger.Logger
	name    string
}

func newStateMachine(name string, backoff BackoffConfig, log *logger.Logger) *stateMachine {
	return &stateMachine{state: Disconnected, backoff: backoff.withDefaults(), log: log, name: name}
}

func (s *stateMachine) get() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stateMachine) transition(to ConnectionState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	if to == Connected {
		s.attempt = 0
	}
	s.mu.Unlock()
	if from != to {
		s.log.WithField("interface", s.name).WithFields(logger.Fields{
			"from": from.String(), "to": to.String(),
		}).Info("radio interface state transition")
	}
}

// onReadError transitions to Reconnecting and computes the next backoff
// delay, incrementing the failure count (spec §4.3: "Read errors
// transition the state and drain pending writes").
func (s *stateMachine) onReadError() time.Duration {
	s.mu.Lock()
	s.state = Reconnecting
	delay := s.backoff.next(s.attempt)
	s.attempt++
	s.mu.Unlock()
	return delay
}

// pendingWrites is the outbound queue for writes issued while the
// interface is not Connected: they stay buffered, across disconnects,
// until the next successful Connect flushes them; nothing drops them.
type pendingWrites struct {
	mu    sync.Mutex
	items [][]byte
}

func (p *pendingWrites) push(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = append(p.items, frame)
}

func (p *pendingWrites) drain() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.items
	p.items = nil
	return out
}

var errNotConnected = fmt.Errorf("bridge: radio interface not connected")
