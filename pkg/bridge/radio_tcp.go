package bridge

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/vudo/enr/internal/logger"
)

// TcpInterface connects to a Meshtastic device exposing its serial
// console over TCP (the common path for ESP32-based nodes on a LAN).
type TcpInterface struct {
	*stateMachine
	addr    string
	dialer  net.Dialer
	conn    net.Conn
	reader  *bufio.Reader
	pending pendingWrites
}

// NewTcpInterface builds a TCP radio interface targeting addr
// ("host:port").
func NewTcpInterface(addr string, backoff BackoffConfig, log *logger.Logger) *TcpInterface {
	return &TcpInterface{stateMachine: newStateMachine("tcp:"+addr, backoff, log), addr: addr}
}

func (t *TcpInterface) Name() string { return t.name }

func (t *TcpInterface) Connect(ctx context.Context) error {
	t.transition(Connecting)
	conn, err := t.dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		t.transition(Disconnected)
		return fmt.Errorf("bridge: tcp dial %s: %w", t.addr, err)
	}
	t.conn = conn
	t.reader = bufio.NewReader(conn)
	t.transition(Connected)
	for _, frame := range t.pending.drain() {
		_ = t.WriteFrame(ctx, frame)
	}
	return nil
}

func (t *TcpInterface) Disconnect() error {
	t.transition(Disconnected)
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *TcpInterface) State() ConnectionState { return t.get() }

func (t *TcpInterface) ReadFrame(ctx context.Context) ([]byte, error) {
	if t.get() != Connected {
		return nil, errNotConnected
	}
	header := make([]byte, 4)
	if _, err := readFull(t.reader, header); err != nil {
		delay := t.onReadError()
		t.scheduleReconnect(ctx, delay)
		return nil, fmt.Errorf("bridge: tcp read header: %w", err)
	}
	length := int(header[2])<<8 | int(header[3])
	payload := make([]byte, length)
	if _, err := readFull(t.reader, payload); err != nil {
		delay := t.onReadError()
		t.scheduleReconnect(ctx, delay)
		return nil, fmt.Errorf("bridge: tcp read payload: %w", err)
	}
	return append(header, payload...), nil
}

func (t *TcpInterface) WriteFrame(ctx context.Context, frame []byte) error {
	if t.get() != Connected {
		t.pending.push(frame)
		return errNotConnected
	}
	_, err := t.conn.Write(frame)
	if err != nil {
		return fmt.Errorf("bridge: tcp write: %w", err)
	}
	return nil
}

// scheduleReconnect waits the backoff delay then attempts one reconnect,
// running in its own goroutine so ReadFrame's caller isn't blocked.
func (t *TcpInterface) scheduleReconnect(ctx context.Context, delay time.Duration) {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := t.Connect(ctx); err != nil {
			t.log.WithField("interface", t.name).WithError(err).Warn("reconnect attempt failed")
		}
	}()
}

type byteReader interface {
	Read(p []byte) (int, error)
}

func readFull(r byteReader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
