package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string
	WebDir   string // overrides the bundled event viewer assets

	// Notifier.
	QueueCapacity      int
	RetryBaseDelay     time.Duration
	RetryMaxAttempts   int
	BacklogThreshold   int
	BacklogNoticeEvery time.Duration
	OperationGrace     time.Duration

	// Periodic update tracker.
	UpdateInterval  time.Duration
	LongOpThreshold time.Duration

	// Coordinator.
	HealthCheckInterval time.Duration
	ContextIdleTimeout  time.Duration
	HeartbeatTimeout    time.Duration
	EnsureMaxAttempts   int

	// Optional cross-process fan-out.
	RedisAddr   string
	RedisPrefix string
	RedisBridge bool // replay peer publishes into the local hub
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("GO_RELAY_DATA_DIR", "data")
	return Config{
		HTTPAddr: getEnv("GO_RELAY_HTTP_ADDR", ":8080"),
		DataDir:  dataDir,
		DBPath:   getEnv("GO_RELAY_DB_PATH", filepath.Join(dataDir, "go-relay.db")),
		WebDir:   getEnv("GO_RELAY_WEB_DIR", ""),

		QueueCapacity:      getEnvInt("GO_RELAY_QUEUE_CAPACITY", 1000),
		RetryBaseDelay:     getEnvDuration("GO_RELAY_RETRY_BASE_DELAY", 100*time.Millisecond),
		RetryMaxAttempts:   getEnvInt("GO_RELAY_RETRY_MAX_ATTEMPTS", 3),
		BacklogThreshold:   getEnvInt("GO_RELAY_BACKLOG_THRESHOLD", 10),
		BacklogNoticeEvery: getEnvDuration("GO_RELAY_BACKLOG_NOTICE_EVERY", 30*time.Second),
		OperationGrace:     getEnvDuration("GO_RELAY_OPERATION_GRACE", time.Minute),

		UpdateInterval:  getEnvDuration("GO_RELAY_UPDATE_INTERVAL", 5*time.Second),
		LongOpThreshold: getEnvDuration("GO_RELAY_LONG_OP_THRESHOLD", 5*time.Second),

		HealthCheckInterval: getEnvDuration("GO_RELAY_HEALTH_CHECK_INTERVAL", 30*time.Second),
		ContextIdleTimeout:  getEnvDuration("GO_RELAY_CONTEXT_IDLE_TIMEOUT", 10*time.Minute),
		HeartbeatTimeout:    getEnvDuration("GO_RELAY_HEARTBEAT_TIMEOUT", 5*time.Minute),
		EnsureMaxAttempts:   getEnvInt("GO_RELAY_ENSURE_MAX_ATTEMPTS", 3),

		RedisAddr:   getEnv("GO_RELAY_REDIS_ADDR", ""),
		RedisPrefix: getEnv("GO_RELAY_REDIS_PREFIX", "relay"),
		RedisBridge: getEnvBool("GO_RELAY_REDIS_BRIDGE", true),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
