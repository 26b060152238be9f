// Package relay receives uncaught errors and rejections from browser pages
// over HTTP or a websocket and hands them to subscribed clients.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/backtrace-labs/backtrace-js/pkg/client"
	"github.com/backtrace-labs/backtrace-js/pkg/logger"
	"github.com/backtrace-labs/backtrace-js/pkg/securerandom"
)

const (
	DefaultAddr            = "127.0.0.1:8765"
	DefaultEventsPerSecond = 20
	DefaultBurst           = 40

	maxEventBytes = 512 * 1024
	pongWait      = 60 * time.Second
	pingPeriod    = 30 * time.Second
	writeWait     = 10 * time.Second
)

var ErrInvalidEvent = errors.New("invalid event")

var relayEvents = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "backtrace_relay_events_total",
		Help: "Browser events received by the relay, by kind and outcome",
	},
	[]string{"kind", "outcome"},
)

// RegisterMetrics registers the relay collectors with reg
func RegisterMetrics(reg prometheus.Registerer) error {
	if err := reg.Register(relayEvents); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
	}
	return nil
}

// Config holds configuration for the relay server
type Config struct {
	Addr            string
	EventsPerSecond float64
	Burst           int

	// AllowedOrigins restricts browser origins; empty or "*" allows all
	AllowedOrigins []string

	// Gatherer backs /metrics; the default registry when nil
	Gatherer prometheus.Gatherer

	Logger *logger.Logger
}

// Server is the relay. It implements client.EventSource.
type Server struct {
	config     Config
	limiter    *rate.Limiter
	subs       *subscribers
	upgrader   websocket.Upgrader
	logger     *logger.Logger
	httpServer *http.Server
	started    time.Time
	lastEvent  atomic.Int64

	mu    sync.Mutex
	conns map[string]*wsConn
}

var _ client.EventSource = (*Server)(nil)

// wsConn is one connected page
type wsConn struct {
	id        string
	userAgent string
	send      chan []byte
}

// NewServer creates a relay server
func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.EventsPerSecond <= 0 {
		cfg.EventsPerSecond = DefaultEventsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = DefaultBurst
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config:  cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), cfg.Burst),
		subs:    newSubscribers(),
		logger:  logger.Or(cfg.Logger, "relay"),
		started: time.Now(),
		conns:   make(map[string]*wsConn),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.originAllowed,
	}
	return s
}

// OnError subscribes fn to error events
func (s *Server) OnError(fn func(client.ErrorEvent)) func() {
	return s.subs.onError(fn)
}

// OnRejection subscribes fn to rejection events
func (s *Server) OnRejection(fn func(client.RejectionEvent)) func() {
	return s.subs.onRejection(fn)
}

// Handler returns the relay routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/errors", s.handleErrors)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	return s.corsMiddleware(mux)
}

// Start listens on the configured address and serves until Stop is called
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves the relay on ln until Stop is called
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("relay listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("relay server error: %w", err)
	}
	return nil
}

// Stop shuts the server down and disconnects websocket clients
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	for id, c := range s.conns {
		close(c.send)
		delete(s.conns, id)
	}
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("stopping relay")
	return srv.Shutdown(ctx)
}

// Connections returns the number of connected websocket clients
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Active reports whether a page is connected or an event arrived within d
func (s *Server) Active(d time.Duration) bool {
	if s.Connections() > 0 {
		return true
	}
	last := s.lastEvent.Load()
	return last != 0 && time.Since(time.Unix(0, last)) < d
}

// accept throttles, decodes and dispatches one event
func (s *Server) accept(data []byte, userAgent string) (int, error) {
	if !s.limiter.Allow() {
		relayEvents.WithLabelValues("unknown", "throttled").Inc()
		return 0, errThrottled
	}
	ev, err := DecodeEvent(data)
	if err != nil {
		relayEvents.WithLabelValues("unknown", "invalid").Inc()
		return 0, err
	}
	s.lastEvent.Store(time.Now().UnixNano())
	n := s.subs.dispatch(ev, userAgent)
	outcome := "delivered"
	if n == 0 {
		outcome = "unsubscribed"
	}
	relayEvents.WithLabelValues(ev.Kind, outcome).Inc()
	s.logger.Debug("relayed browser event", "kind", ev.Kind, "subscribers", n)
	return n, nil
}

var errThrottled = errors.New("too many events")

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "failed to read body"})
		return
	}
	if len(body) > maxEventBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "event too large"})
		return
	}

	n, err := s.accept(body, r.UserAgent())
	switch {
	case errors.Is(err, errThrottled):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"delivered": n})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
		"version":     logger.Version,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"connections": s.Connections(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range s.config.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !s.originAllowed(r) {
				writeJSON(w, http.StatusForbidden, map[string]any{"error": "origin not allowed"})
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	c := &wsConn{
		id:        securerandom.MustID(16),
		userAgent: r.UserAgent(),
		send:      make(chan []byte, 256),
	}

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.logger.Debug("websocket client connected", "conn", c.id)

	defer func() {
		s.mu.Lock()
		if _, ok := s.conns[c.id]; ok {
			delete(s.conns, c.id)
			close(c.send)
		}
		s.mu.Unlock()
		s.logger.Debug("websocket client disconnected", "conn", c.id)
	}()

	go s.writePump(conn, c)
	s.readPump(conn, c)
}

func (s *Server) readPump(conn *websocket.Conn, c *wsConn) {
	conn.SetReadLimit(maxEventBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket read failed", "conn", c.id, "error", err)
			}
			return
		}

		n, err := s.accept(message, c.userAgent)
		ack := map[string]any{"type": "ack", "delivered": n}
		switch {
		case errors.Is(err, errThrottled):
			ack = map[string]any{"type": "throttled"}
		case err != nil:
			ack = map[string]any{"type": "error", "error": err.Error()}
		}
		s.sendTo(c, ack)
	}
}

func (s *Server) writePump(conn *websocket.Conn, c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendTo queues msg for c, dropping it when the client is not keeping up
func (s *Server) sendTo(c *wsConn, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c.id]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
