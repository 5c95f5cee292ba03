package bridge

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vudo/enr/internal/logger"
)

// SerialInterface talks to a Meshtastic device over a serial device node
// (e.g. /dev/ttyUSB0). Line discipline (baud rate, parity) is assumed to
// already be configured on the device node, matching how the teacher's
// codebase treats external device setup as out of process scope.
type SerialInterface struct {
	*stateMachine
	path    string
	file    *os.File
	pending pendingWrites
}

// NewSerialInterface builds a serial radio interface at path.
func NewSerialInterface(path string, backoff BackoffConfig, log *logger.Logger) *SerialInterface {
	return &SerialInterface{stateMachine: newStateMachine("serial:"+path, backoff, log), path: path}
}

func (s *SerialInterface) Name() string { return s.name }

func (s *SerialInterface) Connect(ctx context.Context) error {
	s.transition(Connecting)
	f, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		s.transition(Disconnected)
		return fmt.Errorf("bridge: open serial device %s: %w", s.path, err)
	}
	s.file = f
	s.transition(Connected)
	for _, frame := range s.pending.drain() {
		_ = s.WriteFrame(ctx, frame)
	}
	return nil
}

func (s *SerialInterface) Disconnect() error {
	s.transition(Disconnected)
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *SerialInterface) State() ConnectionState { return s.get() }

func (s *SerialInterface) ReadFrame(ctx context.Context) ([]byte, error) {
	if s.get() != Connected {
		return nil, errNotConnected
	}
	header := make([]byte, 4)
	if _, err := readFull(s.file, header); err != nil {
		delay := s.onReadError()
		s.scheduleReconnect(ctx, delay)
		return nil, fmt.Errorf("bridge: serial read header: %w", err)
	}
	length := int(header[2])<<8 | int(header[3])
	payload := make([]byte, length)
	if _, err := readFull(s.file, payload); err != nil {
		delay := s.onReadError()
		s.scheduleReconnect(ctx, delay)
		return nil, fmt.Errorf("bridge: serial read payload: %w", err)
	}
	return append(header, payload...), nil
}

func (s *SerialInterface) WriteFrame(ctx context.Context, frame []byte) error {
	if s.get() != Connected {
		s.pending.push(frame)
		return errNotConnected
	}
	if _, err := s.file.Write(frame); err != nil {
		return fmt.Errorf("bridge: serial write: %w", err)
	}
	return nil
}

func (s *SerialInterface) scheduleReconnect(ctx context.Context, delay time.Duration) {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := s.Connect(ctx); err != nil {
			s.log.WithField("interface", s.name).WithError(err).Warn("reconnect attempt failed")
		}
	}()
}
