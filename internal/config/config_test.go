package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	require.NoError(t, Load())

	assert.Equal(t, 5*time.Second, Queue.PollInterval)
	assert.Equal(t, 10, Queue.BatchSize)
	assert.Equal(t, 5, Queue.MaxAttempts)
	assert.Equal(t, 30*time.Second, Queue.BaseBackoff)

	assert.Equal(t, 25, Delivery.SMTPPort)
	assert.Equal(t, []string{"208.67.222.222", "208.67.220.220"}, Delivery.PublicIPResolvers)

	// Left untouched while disabled.
	assert.False(t, Core.InboundEnabled)
	assert.Empty(t, Inbound.BindAddr)
}

func TestLoadInbound(t *testing.T) {
	t.Setenv("INBOUND_ENABLED", "true")
	t.Setenv("INBOUND_BIND_ADDR", "127.0.0.1:2525")
	require.NoError(t, Load())

	assert.True(t, Core.InboundEnabled)
	assert.Equal(t, "127.0.0.1:2525", Inbound.BindAddr)
	assert.Equal(t, int64(10*1024*1024), Inbound.MaxMessageBytes)
	assert.Equal(t, "forward", Inbound.ForwardLocalPart)
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv("QUEUE_BATCH_SIZE", "many")
	assert.Error(t, Load())
}
