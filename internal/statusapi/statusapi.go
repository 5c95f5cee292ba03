// Package statusapi exposes a read-only health/metrics/event surface
// over HTTP (spec.md's supplemented "what a coordinator exposes" shape,
// scoped down to /status, /metrics, /ws since the full dashboard/REST
// server is out of scope).
package statusapi

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vudo/enr/internal/logger"
	"github.com/vudo/enr/pkg/election"
	"github.com/vudo/enr/pkg/ledger"
	"github.com/vudo/enr/pkg/replog"
)

// ReplogStatus is the JSON rendering of replog.Observability.
type ReplogStatus struct {
	Term        uint64 `json:"term"`
	LastApplied uint64 `json:"last_applied_index"`
	IsLeader    bool   `json:"is_leader"`
	Leader      string `json:"leader"`
}

// Config configures a Server.
type Config struct {
	Addr     string
	Region   string
	Ledger   *ledger.Ledger
	Election *election.Engine
	Replog   *replog.Node // nil if consensus is disabled
	Gatherer prometheus.Gatherer
	Log      *logger.Logger
}

// Server is the status/metrics/event HTTP surface.
type Server struct {
	cfg    Config
	engine *gin.Engine
	http   *http.Server
	hub    *hub
	log    *logger.Logger
}

// New builds a Server. Call Run to start serving.
func New(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		cfg:    cfg,
		engine: engine,
		hub:    newHub(),
		log:    cfg.Log,
	}

	engine.GET("/status", s.handleStatus)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	engine.GET("/ws", s.handleWebsocket)

	s.http = &http.Server{Addr: cfg.Addr, Handler: engine}
	return s
}

// statusResponse is the /status payload.
type statusResponse struct {
	Region      string        `json:"region"`
	Balance     uint64        `json:"balance"`
	RevivalPool uint64        `json:"revival_pool"`
	TotalSupply uint64        `json:"total_supply"`
	Replog      *ReplogStatus `json:"replog,omitempty"`
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := statusResponse{
		Region:      s.cfg.Region,
		Balance:     s.cfg.Ledger.LocalBalance(),
		RevivalPool: s.cfg.Ledger.RevivalPoolBalance(),
		TotalSupply: s.cfg.Ledger.TotalSupply(),
	}
	if s.cfg.Replog != nil {
		rs := s.cfg.Replog.Status()
		resp.Replog = &ReplogStatus{
			Term: rs.Term, LastApplied: rs.LastApplied,
			IsLeader: rs.IsLeader, Leader: rs.Leader.String(),
		}
	}
	c.JSON(http.StatusOK, resp)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize: 1024, WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("statusapi: websocket upgrade failed")
		return
	}
	client := s.hub.register(conn)
	defer s.hub.unregister(client)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Event is pushed to every connected /ws client.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	At   int64       `json:"at"`
}

// Broadcast pushes an event to every connected /ws client.
func (s *Server) Broadcast(eventType string, data interface{}) {
	s.hub.broadcast(Event{Type: eventType, Data: data, At: time.Now().Unix()})
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errc:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("statusapi: serve: %w", err)
		}
		return nil
	}
}

// --- websocket fan-out hub ---

type client struct {
	conn *websocket.Conn
	send chan Event
}

type hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

func newHub() *hub { return &hub{clients: make(map[*client]struct{})} }

func (h *hub) register(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan Event, 16)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go func() {
		for ev := range c.send {
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}()
	return c
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
	c.conn.Close()
}

func (h *hub) broadcast(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
		}
	}
}
