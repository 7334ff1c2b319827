package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffSchedule(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Next(), "attempt %d", i)
	}
	assert.Equal(t, len(want), b.Attempt())

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	assert.Equal(t, 100*time.Millisecond, b.Next())
}

func TestBackoffShiftOverflowCapped(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}
	for i := 0; i < 80; i++ {
		d := b.Next()
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 30*time.Second)
	}
}

func TestWithJitterRange(t *testing.T) {
	d := 10 * time.Second
	for i := 0; i < 200; i++ {
		j := withJitter(d)
		assert.GreaterOrEqual(t, j, d/2)
		assert.LessOrEqual(t, j, d)
	}
	assert.Equal(t, time.Duration(1), withJitter(1))
}
