package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backtrace-labs/backtrace-js/pkg/client"
	"github.com/backtrace-labs/backtrace-js/pkg/config"
	"github.com/backtrace-labs/backtrace-js/pkg/logger"
)

const firefox = "Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0"

// recorder subscribes to a relay and keeps what it receives
type recorder struct {
	mu         sync.Mutex
	errors     []client.ErrorEvent
	rejections []client.RejectionEvent
}

func (r *recorder) subscribe(s *Server) {
	s.OnError(func(ev client.ErrorEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errors = append(r.errors, ev)
	})
	s.OnRejection(func(ev client.RejectionEvent) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.rejections = append(r.rejections, ev)
	})
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors), len(r.rejections)
}

func newTestRelay(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	cfg.Logger = logger.Nop()
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.NewRegistry()
	}
	s := NewServer(cfg)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func post(t *testing.T, url, body string, header map[string]string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", firefox)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	data, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(data, &decoded)
	return resp.StatusCode, decoded
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "error", body: `{"kind":"error","message":"x is undefined"}`},
		{name: "error with stack only", body: `{"kind":"error","stack":"Error\n    at f (a.js:1:2)"}`},
		{name: "rejection", body: `{"kind":"rejection","reason":{"code":3}}`},
		{name: "empty error", body: `{"kind":"error"}`, wantErr: true},
		{name: "unknown kind", body: `{"kind":"crash","message":"x"}`, wantErr: true},
		{name: "not json", body: `nope`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeEvent([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEvent)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPostErrors(t *testing.T) {
	s, srv := newTestRelay(t, Config{})
	rec := &recorder{}
	rec.subscribe(s)

	status, body := post(t, srv.URL+"/errors",
		`{"kind":"error","name":"TypeError","message":"x is undefined","line":3,"column":7}`, nil)
	assert.Equal(t, http.StatusAccepted, status)
	assert.EqualValues(t, 1, body["delivered"])

	status, _ = post(t, srv.URL+"/errors", `{"kind":"rejection","reason":"fetch failed","userAgent":"custom"}`, nil)
	assert.Equal(t, http.StatusAccepted, status)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.errors, 1)
	ev := rec.errors[0]
	assert.Equal(t, "TypeError", ev.Name)
	assert.Equal(t, 3, ev.Line)
	assert.Equal(t, BrowserLang, ev.Lang)
	assert.Equal(t, firefox, ev.LangVersion)

	require.Len(t, rec.rejections, 1)
	assert.Equal(t, "fetch failed", rec.rejections[0].Reason)
	assert.Equal(t, "custom", rec.rejections[0].LangVersion)
}

func TestPostErrors_Rejected(t *testing.T) {
	_, srv := newTestRelay(t, Config{})

	status, _ := post(t, srv.URL+"/errors", `{"kind":"crash"}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	resp, err := http.Get(srv.URL + "/errors")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	status, _ = post(t, srv.URL+"/errors", `{"kind":"error","message":"x"}`,
		map[string]string{"Origin": "https://evil.example.com"})
	assert.Equal(t, http.StatusAccepted, status, "no origin restriction configured")
}

func TestOriginRestriction(t *testing.T) {
	_, srv := newTestRelay(t, Config{AllowedOrigins: []string{"https://app.example.com"}})

	status, _ := post(t, srv.URL+"/errors", `{"kind":"error","message":"x"}`,
		map[string]string{"Origin": "https://evil.example.com"})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = post(t, srv.URL+"/errors", `{"kind":"error","message":"x"}`,
		map[string]string{"Origin": "https://app.example.com"})
	assert.Equal(t, http.StatusAccepted, status)
}

func TestThrottle(t *testing.T) {
	s, srv := newTestRelay(t, Config{EventsPerSecond: 0.001, Burst: 2})
	rec := &recorder{}
	rec.subscribe(s)

	var statuses []int
	for i := 0; i < 3; i++ {
		status, _ := post(t, srv.URL+"/errors", `{"kind":"error","message":"x"}`, nil)
		statuses = append(statuses, status)
	}
	assert.Equal(t, []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests}, statuses)

	errs, _ := rec.counts()
	assert.Equal(t, 2, errs)
}

func TestUnsubscribe(t *testing.T) {
	s, srv := newTestRelay(t, Config{})
	calls := 0
	unsubscribe := s.OnError(func(client.ErrorEvent) { calls++ })

	post(t, srv.URL+"/errors", `{"kind":"error","message":"x"}`, nil)
	unsubscribe()
	_, body := post(t, srv.URL+"/errors", `{"kind":"error","message":"x"}`, nil)

	assert.Equal(t, 1, calls)
	assert.EqualValues(t, 0, body["delivered"])
}

func TestWebSocket(t *testing.T) {
	s, srv := newTestRelay(t, Config{})
	rec := &recorder{}
	rec.subscribe(s)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"User-Agent": []string{firefox}})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"rejection","reason":"boom"}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ack map[string]any
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "ack", ack["type"])
	assert.EqualValues(t, 1, ack["delivered"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":"bogus"}`)))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "error", ack["type"])

	_, rejections := rec.counts()
	assert.Equal(t, 1, rejections)
	assert.Equal(t, 1, s.Connections())
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))
	_, srv := newTestRelay(t, Config{Gatherer: reg})

	post(t, srv.URL+"/errors", `{"kind":"error","message":"x"}`, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(data), "backtrace_relay_events_total")
}

func TestRelayToClient(t *testing.T) {
	var mu sync.Mutex
	var reports []map[string]any
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var decoded map[string]any
		_ = json.NewDecoder(r.Body).Decode(&decoded)
		mu.Lock()
		reports = append(reports, decoded)
		mu.Unlock()
		_, _ = io.WriteString(w, `{"response":"ok"}`)
	}))
	defer collector.Close()

	s, srv := newTestRelay(t, Config{})
	c, err := client.New(client.Options{
		ClientConfig: config.ClientConfig{Endpoint: collector.URL, Token: "t", HandlePromises: true},
		Events:       s,
		Logger:       logger.Nop(),
	})
	require.NoError(t, err)

	post(t, srv.URL+"/errors", `{"kind":"error","name":"TypeError","message":"x is undefined",`+
		`"stack":"TypeError: x is undefined\n    at render (https://app.example.com/main.js:10:5)"}`, nil)
	post(t, srv.URL+"/errors", `{"kind":"rejection","reason":"fetch failed"}`, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reports, 2)
	for _, r := range reports {
		assert.Equal(t, "js", r["lang"])
		assert.Equal(t, firefox, r["langVersion"])
	}
	assert.Equal(t, []any{"TypeError"}, reports[0]["classifiers"])
	frames := reports[0]["threads"].(map[string]any)["main"].(map[string]any)["stack"].([]any)
	require.Len(t, frames, 1)
	assert.Equal(t, "render", frames[0].(map[string]any)["funcName"])
}

func TestStop(t *testing.T) {
	s := NewServer(Config{Addr: "127.0.0.1:0", Logger: logger.Nop(), Gatherer: prometheus.NewRegistry()})
	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.httpServer != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	select {
	case err := <-done:
		assert.False(t, errors.Is(err, http.ErrServerClosed))
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestActive(t *testing.T) {
	s := NewServer(Config{Logger: logger.Nop(), Gatherer: prometheus.NewRegistry()})
	assert.False(t, s.Active(time.Minute))

	_, err := s.accept([]byte(`{"kind":"error","message":"x"}`), firefox)
	require.NoError(t, err)
	assert.True(t, s.Active(time.Minute))
	assert.False(t, s.Active(0))
}

func TestEventReport(t *testing.T) {
	c, err := client.New(client.Options{
		ClientConfig: config.ClientConfig{Endpoint: "https://acme.sp.backtrace.io:6098", Token: "t"},
		Logger:       logger.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	t.Run("error", func(t *testing.T) {
		ev := Event{Kind: KindError, Name: "TypeError", Message: "boom", Line: 4, Column: 2,
			Attributes: map[string]any{"route": "/cart"}}
		r, err := ev.Report(c, firefox)
		require.NoError(t, err)
		assert.Equal(t, BrowserLang, r.Lang)
		assert.Equal(t, firefox, r.LangVersion)
		assert.Equal(t, []string{"TypeError"}, r.Classifiers)
		assert.EqualValues(t, 4, r.Attributes["exception.lineNumber"])
		assert.EqualValues(t, 2, r.Attributes["exception.columnNumber"])
		assert.Equal(t, "/cart", r.Attributes["route"])
	})

	t.Run("rejection", func(t *testing.T) {
		ev := Event{Kind: KindRejection, Reason: map[string]any{"code": 3}, Stack: "Error\n    at f (a.js:1:1)",
			UserAgent: "Safari", Attributes: map[string]any{"route": "/pay"}}
		r, err := ev.Report(c, firefox)
		require.NoError(t, err)
		assert.Equal(t, "Safari", r.LangVersion)
		assert.Equal(t, []string{"Error"}, r.Classifiers)
		assert.Equal(t, "map[code:3]", r.Attributes["error.message"])

		annotation, ok := r.Annotations[client.RejectionAnnotation].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "map[code:3]", annotation["reason"])
		assert.Equal(t, ev.Stack, annotation["stack"])
		assert.Equal(t, map[string]any{"route": "/pay"}, annotation["attributes"])
	})
}
