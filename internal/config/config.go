package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ICE modes accepted by ICE_MODE.
const (
	ICEModeStunTurn = "stun-turn"
	ICEModeStunOnly = "stun-only"
	ICEModeTurnOnly = "turn-only"
)

type TelemetryConfig struct {
	Enabled  bool
	Endpoint string
	Stdout   bool
}

type ICEConfig struct {
	Mode         string
	STUNURLs     []string
	TURNURLs     []string
	TURNUsername string
	TURNPassword string
}

// ClientConfig configures a battle client process.
type ClientConfig struct {
	RelayURL       string
	APIURL         string
	AuthToken      string
	HistoryDB      string
	LogLevel       string
	AcceptWindow   time.Duration
	StartCountdown int
	RecoveryWindow time.Duration
	ICE            ICEConfig
	Telemetry      TelemetryConfig
}

// RelayConfig configures the development relay.
type RelayConfig struct {
	Addr              string
	RedisAddr         string
	JWTSecret         string
	LogLevel          string
	AcceptWindow      time.Duration
	BattleDuration    time.Duration
	TimerSyncInterval time.Duration
	ReconnectGrace    time.Duration
	Telemetry         TelemetryConfig
}

// loadDotEnv reads .env when present. Variables already set in the
// environment are left untouched.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "error", err)
	}
}

func LoadClient() *ClientConfig {
	loadDotEnv()

	return &ClientConfig{
		RelayURL:       getEnv("RELAY_URL", "ws://localhost:8080"),
		APIURL:         getEnv("API_URL", "http://localhost:8080"),
		AuthToken:      getEnv("AUTH_TOKEN", ""),
		HistoryDB:      getEnv("HISTORY_DB", "./battle.db"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		AcceptWindow:   getDuration("ACCEPT_WINDOW", 20*time.Second),
		StartCountdown: getInt("START_COUNTDOWN", 3),
		RecoveryWindow: getDuration("RECOVERY_WINDOW", 60*time.Second),
		ICE:            loadICE(),
		Telemetry:      loadTelemetry(),
	}
}

func LoadRelay() *RelayConfig {
	loadDotEnv()

	return &RelayConfig{
		Addr:              getEnv("ADDR", ":8080"),
		RedisAddr:         getEnv("REDIS_CONNSTRING", "localhost:6379"),
		JWTSecret:         getEnv("JWT_SECRET", "change-me-in-production"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		AcceptWindow:      getDuration("ACCEPT_WINDOW", 20*time.Second),
		BattleDuration:    getDuration("BATTLE_DURATION", 30*time.Minute),
		TimerSyncInterval: getDuration("TIMER_SYNC_INTERVAL", 10*time.Second),
		ReconnectGrace:    getDuration("RECONNECT_GRACE", 60*time.Second),
		Telemetry:         loadTelemetry(),
	}
}

func loadTelemetry() TelemetryConfig {
	return TelemetryConfig{
		Enabled:  getBool("OTEL_ENABLED", false),
		Endpoint: getEnv("OTEL_ENDPOINT", "otel-collector:4317"),
		Stdout:   getBool("OTEL_STDOUT", false),
	}
}

func loadICE() ICEConfig {
	return ICEConfig{
		Mode:         strings.ToLower(getEnv("ICE_MODE", ICEModeStunTurn)),
		STUNURLs:     splitAndClean(os.Getenv("STUN_URLS")),
		TURNURLs:     splitAndClean(os.Getenv("TURN_URLS")),
		TURNUsername: strings.TrimSpace(os.Getenv("TURN_USERNAME")),
		TURNPassword: strings.TrimSpace(os.Getenv("TURN_PASSWORD")),
	}
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("ignoring invalid integer", "key", key, "value", raw)
		return defaultValue
	}
	return v
}

func getBool(key string, defaultValue bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("ignoring invalid boolean", "key", key, "value", raw)
		return defaultValue
	}
	return v
}

// getDuration accepts Go durations ("20s") and bare seconds ("20").
func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("ignoring invalid duration", "key", key, "value", raw)
		return defaultValue
	}
	return d
}

func splitAndClean(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
