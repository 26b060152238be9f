// Package admission decides whether a report may be sent: sampling first,
// then a per-second rate limit.
package admission

import (
	"sync"
	"time"

	"github.com/backtrace-labs/backtrace-js/pkg/securerandom"
)

// Outcome of an admission check
type Outcome string

const (
	Pass         Outcome = "pass"
	SamplingHit  Outcome = "sampling-hit"
	LimitReached Outcome = "limit-reached"
)

// Config configures a Gate
type Config struct {
	// SampleRate is the probability of keeping a report. Nil disables sampling.
	SampleRate *float64
	// RateLimit is the number of reports admitted per second. Zero disables it.
	RateLimit int

	Random securerandom.Source
	Now    func() time.Time
}

// Gate runs sampling and rate limiting in order
type Gate struct {
	sampler *Sampler
	limiter *RateLimiter

	mu     sync.Mutex
	counts map[Outcome]int
}

// NewGate creates a gate from cfg
func NewGate(cfg Config) *Gate {
	return &Gate{
		sampler: NewSampler(cfg.SampleRate, cfg.Random),
		limiter: NewRateLimiter(cfg.RateLimit, cfg.Now),
		counts:  make(map[Outcome]int),
	}
}

// Check admits or suppresses one report. A report dropped by sampling does not
// consume rate limit budget.
func (g *Gate) Check() Outcome {
	outcome := Pass
	switch {
	case g.sampler.Skip():
		outcome = SamplingHit
	case g.limiter.Skip():
		outcome = LimitReached
	}

	g.mu.Lock()
	g.counts[outcome]++
	g.mu.Unlock()
	return outcome
}

// Counts returns how many checks ended with each outcome
func (g *Gate) Counts() map[Outcome]int {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[Outcome]int, len(g.counts))
	for k, v := range g.counts {
		out[k] = v
	}
	return out
}

// Sampler drops reports at random
type Sampler struct {
	rate   *float64
	random securerandom.Source
}

// NewSampler creates a sampler keeping reports with probability rate.
// A nil rate keeps everything.
func NewSampler(rate *float64, random securerandom.Source) *Sampler {
	if random == nil {
		random = securerandom.Crypto
	}
	var r *float64
	if rate != nil {
		v := *rate
		r = &v
	}
	return &Sampler{rate: r, random: random}
}

// Skip draws once and reports whether the report should be dropped
func (s *Sampler) Skip() bool {
	if s.rate == nil {
		return false
	}
	return s.random.Float64() >= *s.rate
}

// RateLimiter admits at most limit reports per wall-clock second. The window
// is keyed by the unix second, so a clock moving backwards never reopens it.
type RateLimiter struct {
	limit int
	now   func() time.Time

	mu     sync.Mutex
	window int64
	count  int
}

// NewRateLimiter creates a limiter. A limit of zero or less disables it.
func NewRateLimiter(limit int, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{limit: limit, now: now}
}

// Skip reports whether the limit for the current second has been reached
func (l *RateLimiter) Skip() bool {
	if l.limit <= 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	sec := l.now().Unix()
	if sec > l.window {
		l.window = sec
		l.count = 0
	}
	if l.count >= l.limit {
		return true
	}
	l.count++
	return false
}
