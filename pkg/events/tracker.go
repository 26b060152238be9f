// Package events tracks application sessions and submits unique and summed
// events to the Backtrace events service.
package events

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/backtrace-labs/backtrace-js/pkg/logger"
	"github.com/backtrace-labs/backtrace-js/pkg/report"
	"github.com/backtrace-labs/backtrace-js/pkg/session"
	"github.com/backtrace-labs/backtrace-js/pkg/transport"
)

const (
	DefaultHost           = "https://events.backtrace.io"
	DefaultHeartbeat      = "@every 1m"
	DefaultSessionTimeout = 30 * time.Minute

	uniquePath = "/api/unique-events/submit"
	summedPath = "/api/summed-events/submit"

	// LaunchGroup is the summed event sent when the first session is created
	LaunchGroup = "Application Launches"
)

var ErrMissingUniverse = errors.New("universe could not be parsed from the endpoint")

// Poster posts a JSON body and returns the decoded response
type Poster interface {
	PostJSON(ctx context.Context, url string, v any) (map[string]any, error)
}

// Config configures a Tracker
type Config struct {
	// Endpoint is the submission URL; universe and token are parsed from it
	Endpoint string
	// Token overrides the token embedded in Endpoint
	Token string

	Host           string
	Application    string
	AppVersion     string
	Heartbeat      string
	SessionTimeout time.Duration

	// Attributes are added to every event
	Attributes map[string]any

	Store  session.Store
	Poster Poster
	// Active gates heartbeat persistence; nil means always active
	Active func() bool
	Now    func() time.Time
	Logger *logger.Logger
}

// Tracker maintains the session and submits events
type Tracker struct {
	cfg       Config
	uniqueURL string
	summedURL string
	guid      string
	logger    *logger.Logger

	mu      sync.Mutex
	current session.Session
	cron    *cron.Cron
}

// NewTracker validates cfg and resolves the event endpoints
func NewTracker(ctx context.Context, cfg Config) (*Tracker, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("events: %w", transport.ErrMissingEndpoint)
	}
	coords, err := transport.ParseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}
	if coords.Universe == "" {
		return nil, ErrMissingUniverse
	}
	token := cfg.Token
	if token == "" {
		token = coords.Token
	}
	if token == "" {
		return nil, fmt.Errorf("events: %w", transport.ErrMissingToken)
	}

	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Heartbeat == "" {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.Application == "" {
		cfg.Application = report.AgentName
	}
	if cfg.AppVersion == "" {
		cfg.AppVersion = report.AgentVersion
	}
	if cfg.Store == nil {
		cfg.Store = session.NewMemoryStore()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Active == nil {
		cfg.Active = func() bool { return true }
	}
	if cfg.Poster == nil {
		client, err := transport.New(transport.Config{Endpoint: cfg.Endpoint, Token: token, Logger: cfg.Logger})
		if err != nil {
			return nil, fmt.Errorf("events: %w", err)
		}
		cfg.Poster = client
	}

	guid, err := session.GUID(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("events: %w", err)
	}

	query := "?universe=" + url.QueryEscape(coords.Universe) + "&token=" + url.QueryEscape(token)
	host := strings.TrimSuffix(cfg.Host, "/")

	return &Tracker{
		cfg:       cfg,
		uniqueURL: host + uniquePath + query,
		summedURL: host + summedPath + query,
		guid:      guid,
		logger:    logger.Or(cfg.Logger, "events"),
	}, nil
}

// Start persists the session and schedules the heartbeat
func (t *Tracker) Start(ctx context.Context) error {
	if err := t.Persist(ctx); err != nil {
		t.logger.Warn("initial session persistence failed", "error", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cron != nil {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(t.cfg.Heartbeat, t.heartbeat); err != nil {
		return fmt.Errorf("invalid heartbeat schedule %q: %w", t.cfg.Heartbeat, err)
	}
	c.Start()
	t.cron = c

	t.logger.Info("session tracking started",
		"schedule", t.cfg.Heartbeat,
		"session", t.current.ID)
	return nil
}

// Stop stops the heartbeat and waits for a running one to finish
func (t *Tracker) Stop() {
	t.mu.Lock()
	c := t.cron
	t.cron = nil
	t.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	t.logger.Info("session tracking stopped")
}

func (t *Tracker) heartbeat() {
	if !t.cfg.Active() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultTimeout)
	defer cancel()
	if err := t.Persist(ctx); err != nil {
		t.logger.Warn("session heartbeat failed", "error", err)
	}
}

// Persist creates or refreshes the session. A missing session triggers a
// unique event and the launch summed event; an expired one only a unique event.
func (t *Tracker) Persist(ctx context.Context) error {
	t.mu.Lock()
	now := t.cfg.Now()

	sess, ok, err := session.Load(ctx, t.cfg.Store)
	if err != nil {
		t.logger.Warn("stored session unreadable, starting a new one", "error", err)
		ok = false
	}

	var sendUnique, sendLaunch bool
	switch {
	case !ok:
		sess = session.New(now)
		sendUnique, sendLaunch = true, true
	case sess.Expired(now, t.cfg.SessionTimeout):
		sess = session.New(now)
		sendUnique = true
	}
	sess.LastActive = now

	if err := session.Save(ctx, t.cfg.Store, sess); err != nil {
		t.mu.Unlock()
		return err
	}
	t.current = sess
	t.mu.Unlock()

	var errs []error
	if sendUnique {
		errs = append(errs, t.SendUniqueEvent(ctx))
	}
	if sendLaunch {
		errs = append(errs, t.SendSummedEvent(ctx, LaunchGroup))
	}
	return errors.Join(errs...)
}

// Session returns the current session
func (t *Tracker) Session() session.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// GUID returns the installation guid
func (t *Tracker) GUID() string {
	return t.guid
}

type envelope struct {
	Application  string        `json:"application"`
	AppVersion   string        `json:"appversion"`
	Metadata     metadata      `json:"metadata"`
	UniqueEvents []uniqueEvent `json:"unique_events,omitempty"`
	SummedEvents []summedEvent `json:"summed_events,omitempty"`
}

type metadata struct {
	DroppedEvents int `json:"dropped_events"`
}

type uniqueEvent struct {
	Timestamp  int64          `json:"timestamp"`
	Attributes map[string]any `json:"attributes"`
	Unique     []string       `json:"unique"`
}

type summedEvent struct {
	Timestamp   int64          `json:"timestamp"`
	MetricGroup string         `json:"metric_group"`
	Attributes  map[string]any `json:"attributes"`
}

// SendUniqueEvent reports this installation as active
func (t *Tracker) SendUniqueEvent(ctx context.Context) error {
	payload := envelope{
		Application: t.cfg.Application,
		AppVersion:  t.cfg.AppVersion,
		UniqueEvents: []uniqueEvent{{
			Timestamp:  t.cfg.Now().Unix(),
			Attributes: t.attributes(),
			Unique:     []string{"guid"},
		}},
	}
	return t.post(ctx, t.uniqueURL, payload, "unique")
}

// SendSummedEvent increments the named metric group
func (t *Tracker) SendSummedEvent(ctx context.Context, group string) error {
	payload := envelope{
		Application: t.cfg.Application,
		AppVersion:  t.cfg.AppVersion,
		SummedEvents: []summedEvent{{
			Timestamp:   t.cfg.Now().Unix(),
			MetricGroup: group,
			Attributes:  t.attributes(),
		}},
	}
	return t.post(ctx, t.summedURL, payload, "summed")
}

func (t *Tracker) post(ctx context.Context, target string, payload envelope, kind string) error {
	if _, err := t.cfg.Poster.PostJSON(ctx, target, payload); err != nil {
		t.logger.Warn("event submission failed", "kind", kind, "error", err)
		return fmt.Errorf("%s event: %w", kind, err)
	}
	t.logger.Debug("event submitted", "kind", kind)
	return nil
}

func (t *Tracker) attributes() map[string]any {
	attrs := make(map[string]any, len(t.cfg.Attributes)+6)
	for k, v := range t.cfg.Attributes {
		attrs[k] = v
	}
	attrs["guid"] = t.guid
	attrs["application.version"] = t.cfg.AppVersion
	attrs["application.session"] = t.Session().ID
	attrs["uname.sysname"] = runtime.GOOS
	attrs["lang"] = "go"
	attrs["langVersion"] = runtime.Version()
	return attrs
}
