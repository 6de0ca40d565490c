package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadClient_Defaults(t *testing.T) {
	t.Setenv("RELAY_URL", "")
	t.Setenv("ACCEPT_WINDOW", "")
	t.Setenv("RECOVERY_WINDOW", "")
	t.Setenv("ICE_MODE", "")

	cfg := LoadClient()
	assert.Equal(t, "ws://localhost:8080", cfg.RelayURL)
	assert.Equal(t, 20*time.Second, cfg.AcceptWindow)
	assert.Equal(t, 60*time.Second, cfg.RecoveryWindow)
	assert.Equal(t, 3, cfg.StartCountdown)
	assert.Equal(t, ICEModeStunTurn, cfg.ICE.Mode)
}

func TestLoadClient_Overrides(t *testing.T) {
	t.Setenv("ACCEPT_WINDOW", "5")
	t.Setenv("RECOVERY_WINDOW", "90s")
	t.Setenv("START_COUNTDOWN", "oops")
	t.Setenv("TURN_URLS", " turn:a:3478, ,turn:b:3478 ")
	t.Setenv("ICE_MODE", "TURN-ONLY")
	t.Setenv("OTEL_ENABLED", "true")

	cfg := LoadClient()
	assert.Equal(t, 5*time.Second, cfg.AcceptWindow)
	assert.Equal(t, 90*time.Second, cfg.RecoveryWindow)
	assert.Equal(t, 3, cfg.StartCountdown)
	assert.Equal(t, []string{"turn:a:3478", "turn:b:3478"}, cfg.ICE.TURNURLs)
	assert.Equal(t, ICEModeTurnOnly, cfg.ICE.Mode)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoadRelay_Defaults(t *testing.T) {
	t.Setenv("REDIS_CONNSTRING", "")
	t.Setenv("TIMER_SYNC_INTERVAL", "")

	cfg := LoadRelay()
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 10*time.Second, cfg.TimerSyncInterval)
	assert.Equal(t, 60*time.Second, cfg.ReconnectGrace)
}
