package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBackoffPolicy(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p, err := NewBackoffPolicy(0, 0)
		require.NoError(t, err)
		assert.Equal(t, DefaultBackoffInitial, p.Ceiling(1))
		assert.Equal(t, DefaultBackoffMax, p.Ceiling(100))
	})

	t.Run("initial above max", func(t *testing.T) {
		p, err := NewBackoffPolicy(time.Minute, time.Second)
		require.ErrorIs(t, err, ErrInvalidBackoff)
		assert.Nil(t, p)
	})
}

func TestBackoffPolicy_Ceiling(t *testing.T) {
	p, err := NewBackoffPolicy(time.Second, 30*time.Second)
	require.NoError(t, err)

	assert.Equal(t, time.Duration(0), p.Ceiling(0))
	assert.Equal(t, time.Second, p.Ceiling(1))
	assert.Equal(t, 2*time.Second, p.Ceiling(2))
	assert.Equal(t, 16*time.Second, p.Ceiling(5))
	assert.Equal(t, 30*time.Second, p.Ceiling(6))
	assert.Equal(t, 30*time.Second, p.Ceiling(5000))
}

func TestBackoffPolicy_DelayIsJitteredWithinCeiling(t *testing.T) {
	p, err := NewBackoffPolicy(time.Second, 30*time.Second)
	require.NoError(t, err)

	p.rand = func() float64 { return 0.5 }
	assert.Equal(t, 2*time.Second, p.Delay(3))

	p.rand = func() float64 { return 0 }
	assert.Equal(t, time.Duration(0), p.Delay(3))

	p.rand = func() float64 { return 0.999 }
	assert.LessOrEqual(t, p.Delay(10), 30*time.Second)

	var nilPolicy *BackoffPolicy
	assert.Equal(t, time.Duration(0), nilPolicy.Delay(1))
}
