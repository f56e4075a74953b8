package viewer

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffFixedJitter(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 8, Rand: func() float64 { return 0 }}
	s := b.Start()

	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		15 * time.Second,
		15 * time.Second,
		15 * time.Second,
	}
	for i, w := range want {
		d, ok := s.Next()
		assert.True(t, ok, "attempt %d", i+1)
		assert.Equal(t, w, d, "attempt %d", i+1)
	}
	_, ok := s.Next()
	assert.False(t, ok)
	assert.Equal(t, 8, s.Attempt())
}

func TestBackoffNeverDecreasesOrExceedsCap(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := Backoff{Base: 100 * time.Millisecond, Cap: 3 * time.Second, MaxAttempts: 50, Rand: rng.Float64}

	for episode := 0; episode < 20; episode++ {
		s := b.Start()
		var prev time.Duration
		for {
			d, ok := s.Next()
			if !ok {
				break
			}
			assert.GreaterOrEqual(t, d, prev)
			assert.LessOrEqual(t, d, 3*time.Second)
			assert.GreaterOrEqual(t, d, 50*time.Millisecond)
			prev = d
		}
		assert.Equal(t, 50, s.Attempt())
	}
}

func TestBackoffDefaults(t *testing.T) {
	s := Backoff{}.Start()
	n := 0
	for {
		d, ok := s.Next()
		if !ok {
			break
		}
		assert.LessOrEqual(t, d, DefaultBackoffCap)
		n++
	}
	assert.Equal(t, DefaultMaxAttempts, n)
}

func TestBackoffEpisodesAreIndependent(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 4 * time.Second, MaxAttempts: 3, Rand: func() float64 { return 0.5 }}
	first := b.Start()
	first.Next()
	first.Next()

	second := b.Start()
	d, ok := second.Next()
	assert.True(t, ok)
	assert.Equal(t, 750*time.Millisecond, d)
	assert.Equal(t, 1, second.Attempt())
}
