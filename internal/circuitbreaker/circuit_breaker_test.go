package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errDown = errors.New("backend down")

func TestOpensAfterFailureThreshold(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, OpenTimeout: time.Minute}, zap.NewNop())

	for i := 0; i < 3; i++ {
		err := b.Execute(func() error { return errDown })
		require.ErrorIs(t, err, errDown)
	}
	assert.Equal(t, StateOpen, b.State())

	// Calls are rejected without invoking fn.
	called := false
	err := b.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, OpenTimeout: time.Minute}, zap.NewNop())

	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return errDown })
	}
	require.NoError(t, b.Execute(func() error { return nil }))
	for i := 0; i < 2; i++ {
		_ = b.Execute(func() error { return errDown })
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenRecovery(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: 10 * time.Millisecond}, zap.NewNop())

	_ = b.Execute(func() error { return errDown })
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("test", Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond}, zap.NewNop())

	_ = b.Execute(func() error { return errDown })
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_ = b.Execute(func() error { return errDown })
	assert.Equal(t, StateOpen, b.State())
}
