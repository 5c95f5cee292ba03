package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vudo/enr/internal/logger"
	"github.com/vudo/enr/pkg/election"
	"github.com/vudo/enr/pkg/identity"
	"github.com/vudo/enr/pkg/ledger"
	"github.com/vudo/enr/pkg/metrics"
	"github.com/vudo/enr/pkg/transport"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	key, err := identity.GenerateNodeKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	bus := transport.NewBus()
	mem := transport.NewMemory(bus, key.NodeId().String())
	log := logger.NewLogger("error")

	l, err := ledger.New(ledger.Config{Key: key, Publish: mem, Log: log, Metrics: metrics.NewTestRegistry()})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	en := election.New(election.Config{Key: key, Publish: mem, Log: log, Metrics: metrics.NewTestRegistry()})

	return New(Config{
		Addr: ":0", Region: "test-region",
		Ledger: l, Election: en,
		Gatherer: prometheus.NewRegistry(),
		Log:      log,
	})
}

func TestHandleStatusReportsLedgerState(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Region != "test-region" {
		t.Fatalf("Region = %q, want test-region", resp.Region)
	}
	if resp.Balance != ledger.InitialNodeCredits {
		t.Fatalf("Balance = %d, want %d", resp.Balance, ledger.InitialNodeCredits)
	}
	if resp.Replog != nil {
		t.Fatalf("Replog should be nil when consensus is disabled")
	}
}

func TestHandleMetricsServesPrometheusFormat(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestWebsocketBroadcastDeliversEvent(t *testing.T) {
	s := newTestServer(t)
	httpSrv := httptest.NewServer(s.engine)
	defer httpSrv.Close()

	wsURL := "ws" + httpSrv.URL[len("http"):] + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	// Give the server a moment to register the client before broadcasting.
	deadline := time.Now().Add(time.Second)
	for {
		s.hub.mu.Lock()
		n := len(s.hub.clients)
		s.hub.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("websocket client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Broadcast("test_event", map[string]string{"hello": "world"})

	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != "test_event" {
		t.Fatalf("Type = %q, want test_event", ev.Type)
	}
}
