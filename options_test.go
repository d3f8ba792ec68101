package pipemux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOptions_WithDefaults(t *testing.T) {
	t.Run("zero values get defaults", func(t *testing.T) {
		opts := Options{}.withDefaults()
		assert.Equal(t, DefaultTimeout, opts.Timeout)
		assert.Equal(t, DefaultMaxReconnectAttempts, opts.MaxReconnectAttempts)
		assert.Equal(t, DefaultReconnectDelay, opts.ReconnectDelay)
		assert.Equal(t, DefaultStartupDelay, opts.StartupDelay)
		assert.Equal(t, DefaultHealthInterval, opts.HealthInterval)
		assert.False(t, opts.AutoReconnect)
	})

	t.Run("explicit values survive", func(t *testing.T) {
		opts := Options{
			Timeout:        time.Second,
			ReconnectDelay: 250 * time.Millisecond,
			AutoReconnect:  true,
		}.withDefaults()
		assert.Equal(t, time.Second, opts.Timeout)
		assert.Equal(t, 250*time.Millisecond, opts.ReconnectDelay)
		assert.True(t, opts.AutoReconnect)
	})

	t.Run("negative startup delay disables the grace period", func(t *testing.T) {
		opts := Options{StartupDelay: -1}.withDefaults()
		assert.Equal(t, time.Duration(0), opts.StartupDelay)
	})
}

func TestWorkerDefinition_EffectiveOptions(t *testing.T) {
	base := Options{Timeout: 10 * time.Second, MaxReconnectAttempts: 5, AutoReconnect: true}

	def := WorkerDefinition{Name: "alpha", Command: "worker"}
	assert.Equal(t, base, def.effectiveOptions(base))

	def = WorkerDefinition{
		Name:                 "beta",
		Command:              "worker",
		Timeout:              2 * time.Second,
		MaxReconnectAttempts: 1,
	}
	opts := def.effectiveOptions(base)
	assert.Equal(t, 2*time.Second, opts.Timeout)
	assert.Equal(t, 1, opts.MaxReconnectAttempts)
	assert.True(t, opts.AutoReconnect)
}
