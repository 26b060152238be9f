package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/backtrace-labs/backtrace-js/pkg/securerandom"
)

func rate(v float64) *float64 { return &v }

func fixedRandom(v float64) securerandom.Source {
	return securerandom.SourceFunc(func() float64 { return v })
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func TestGate_RateLimit(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	g := NewGate(Config{RateLimit: 2, Now: clock.Now})

	got := make([]Outcome, 0, 5)
	for i := 0; i < 5; i++ {
		got = append(got, g.Check())
	}
	assert.Equal(t, []Outcome{Pass, Pass, LimitReached, LimitReached, LimitReached}, got)

	clock.t = clock.t.Add(time.Second)
	assert.Equal(t, Pass, g.Check(), "a new second opens a new window")

	assert.Equal(t, map[Outcome]int{Pass: 3, LimitReached: 3}, g.Counts())
}

func TestRateLimiter_ClockBackwards(t *testing.T) {
	clock := &fakeClock{t: time.Unix(2000, 0)}
	l := NewRateLimiter(1, clock.Now)

	assert.False(t, l.Skip())
	assert.True(t, l.Skip())

	clock.t = time.Unix(1990, 0)
	assert.True(t, l.Skip(), "moving back in time must not reset the window")
}

func TestRateLimiter_Disabled(t *testing.T) {
	l := NewRateLimiter(0, nil)
	for i := 0; i < 100; i++ {
		assert.False(t, l.Skip())
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		name string
		rate *float64
		draw float64
		skip bool
	}{
		{name: "disabled", rate: nil, draw: 0.99, skip: false},
		{name: "zero drops everything", rate: rate(0), draw: 0, skip: true},
		{name: "one keeps everything", rate: rate(1), draw: 0.999999, skip: false},
		{name: "below rate kept", rate: rate(0.5), draw: 0.49, skip: false},
		{name: "at rate dropped", rate: rate(0.5), draw: 0.5, skip: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSampler(tt.rate, fixedRandom(tt.draw))
			assert.Equal(t, tt.skip, s.Skip())
		})
	}
}

func TestGate_SamplingDoesNotConsumeBudget(t *testing.T) {
	draws := []float64{0.9, 0.1, 0.1}
	i := 0
	random := securerandom.SourceFunc(func() float64 {
		v := draws[i]
		i++
		return v
	})

	g := NewGate(Config{SampleRate: rate(0.5), RateLimit: 1, Random: random, Now: (&fakeClock{t: time.Unix(5, 0)}).Now})

	assert.Equal(t, SamplingHit, g.Check())
	assert.Equal(t, Pass, g.Check())
	assert.Equal(t, LimitReached, g.Check())
}

func TestSampler_CopiesRate(t *testing.T) {
	r := 1.0
	s := NewSampler(&r, fixedRandom(0.5))
	r = 0
	assert.False(t, s.Skip())
}
