package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	t.Setenv("CHAT_BACKEND", "")
	t.Setenv("CHAT_STALE_WAITING_AFTER", "")

	cfg, err := NewConfig()
	require.NoError(t, err)
	require.Equal(t, BackendPostgres, cfg.Chat.Backend)
	require.Equal(t, 10*time.Minute, cfg.Chat.StaleWaitingAfter)
	require.Equal(t, time.Minute, cfg.Chat.SweepInterval)
}

func TestNewConfigOverrides(t *testing.T) {
	t.Setenv("CHAT_BACKEND", BackendMemory)
	t.Setenv("CHAT_BROKER", BrokerMemory)
	t.Setenv("CHAT_STALE_WAITING_AFTER", "90")
	t.Setenv("CHAT_INACTIVITY_TIMEOUT", "45m")

	cfg, err := NewConfig()
	require.NoError(t, err)
	require.Equal(t, BackendMemory, cfg.Chat.Backend)
	require.Equal(t, BrokerMemory, cfg.Chat.Broker)
	require.Equal(t, 90*time.Second, cfg.Chat.StaleWaitingAfter)
	require.Equal(t, 45*time.Minute, cfg.Chat.InactivityTimeout)
}

func TestNewConfigRejectsUnknownBackend(t *testing.T) {
	t.Setenv("CHAT_BACKEND", "mongo")

	_, err := NewConfig()
	require.Error(t, err)
}
