package relay

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/backtrace-labs/backtrace-js/pkg/client"
	"github.com/backtrace-labs/backtrace-js/pkg/report"
)

// Event kinds accepted on the wire
const (
	KindError     = "error"
	KindRejection = "rejection"
)

// BrowserLang is the report language of relayed events
const BrowserLang = "js"

// Event is one browser event as posted by a page
type Event struct {
	Kind string `json:"kind"`

	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
	Stack   string `json:"stack,omitempty"`
	Source  string `json:"source,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`

	// Reason of a rejection; any JSON value
	Reason any `json:"reason,omitempty"`

	// UserAgent overrides the request's User-Agent header
	UserAgent string `json:"userAgent,omitempty"`

	Attributes map[string]any `json:"attributes,omitempty"`
}

// DecodeEvent parses and validates one event
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	switch ev.Kind {
	case KindError:
		if ev.Message == "" && ev.Stack == "" {
			return Event{}, fmt.Errorf("%w: error event needs a message or a stack", ErrInvalidEvent)
		}
	case KindRejection:
	default:
		return Event{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
	}
	return ev, nil
}

// Report builds the report a subscribed client would send for ev. userAgent
// is used when the event does not carry its own.
func (ev Event) Report(c *client.Client, userAgent string) (*report.Report, error) {
	if ev.Kind == KindRejection {
		return c.RejectionReport(ev.RejectionEvent(userAgent))
	}
	return c.ErrorReport(ev.ErrorEvent(userAgent))
}

func (ev Event) origin(userAgent string) client.Origin {
	if ev.UserAgent != "" {
		userAgent = ev.UserAgent
	}
	return client.Origin{Lang: BrowserLang, LangVersion: userAgent}
}

// ErrorEvent converts ev for client.HandleError
func (ev Event) ErrorEvent(userAgent string) client.ErrorEvent {
	return client.ErrorEvent{
		Origin:     ev.origin(userAgent),
		Name:       ev.Name,
		Message:    ev.Message,
		Stack:      ev.Stack,
		Source:     ev.Source,
		Line:       ev.Line,
		Column:     ev.Column,
		Attributes: ev.Attributes,
	}
}

// RejectionEvent converts ev for client.HandleRejection. A rejection without
// a reason falls back to its message.
func (ev Event) RejectionEvent(userAgent string) client.RejectionEvent {
	reason := ev.Reason
	if reason == nil {
		reason = ev.Message
	}
	return client.RejectionEvent{
		Origin:     ev.origin(userAgent),
		Reason:     reason,
		Stack:      ev.Stack,
		Attributes: ev.Attributes,
	}
}

// subscribers holds the client callbacks, keyed so they can be removed
type subscribers struct {
	mu         sync.RWMutex
	nextID     int
	errors     map[int]func(client.ErrorEvent)
	rejections map[int]func(client.RejectionEvent)
}

func newSubscribers() *subscribers {
	return &subscribers{
		errors:     make(map[int]func(client.ErrorEvent)),
		rejections: make(map[int]func(client.RejectionEvent)),
	}
}

func (s *subscribers) onError(fn func(client.ErrorEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.errors[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.errors, id)
	}
}

func (s *subscribers) onRejection(fn func(client.RejectionEvent)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.rejections[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.rejections, id)
	}
}

// dispatch hands ev to every matching subscriber in subscription order and
// returns how many received it
func (s *subscribers) dispatch(ev Event, userAgent string) int {
	s.mu.RLock()
	var errorFns []func(client.ErrorEvent)
	var rejectionFns []func(client.RejectionEvent)
	switch ev.Kind {
	case KindError:
		for _, id := range sortedKeys(s.errors) {
			errorFns = append(errorFns, s.errors[id])
		}
	case KindRejection:
		for _, id := range sortedKeys(s.rejections) {
			rejectionFns = append(rejectionFns, s.rejections[id])
		}
	}
	s.mu.RUnlock()

	for _, fn := range errorFns {
		fn(ev.ErrorEvent(userAgent))
	}
	for _, fn := range rejectionFns {
		fn(ev.RejectionEvent(userAgent))
	}
	return len(errorFns) + len(rejectionFns)
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
