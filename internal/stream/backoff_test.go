package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	b := DefaultBackoff()

	assert.Equal(t, 2*time.Second, b.Delay(1))
	assert.Equal(t, 4*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(3))
	assert.Equal(t, 32*time.Second, b.Delay(5))

	// attempts below one are treated as the first attempt
	assert.Equal(t, 2*time.Second, b.Delay(0))
}

func TestBackoffDelay_ScalesWithBase(t *testing.T) {
	b := Backoff{Base: time.Millisecond, MaxAttempts: 3}
	for k := 1; k <= 10; k++ {
		assert.Equal(t, time.Duration(1<<k)*time.Millisecond, b.Delay(k), "attempt %d", k)
	}
}

func TestBackoffDelay_Clamped(t *testing.T) {
	b := Backoff{Base: time.Nanosecond, MaxAttempts: 1}
	assert.Equal(t, b.Delay(maxBackoffShift), b.Delay(1000))
	assert.Positive(t, b.Delay(1000))
}

func TestBackoffExhausted(t *testing.T) {
	b := DefaultBackoff()
	assert.False(t, b.Exhausted(0))
	assert.False(t, b.Exhausted(4))
	assert.True(t, b.Exhausted(5))
	assert.True(t, b.Exhausted(6))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected(busy)", StateBusy.String())
	assert.True(t, StateReady.Connected())
	assert.False(t, StateConnecting.Connected())
}
