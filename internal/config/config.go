package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

const (
	MinMaxAttempts = 1
	MaxMaxAttempts = 50

	MinPollInterval = time.Second
)

type Config struct {
	UserID   string
	DeviceID string

	DatabaseURL    string
	QueueDBPath    string
	RedisURL       string
	RabbitMQURL    string
	EventsExchange string

	LogLevel  string
	LogFormat string
	LogFile   string

	ProbeAddress        string
	NetworkPollInterval time.Duration
	CacheTTL            time.Duration
	ConflictTolerance   time.Duration
	MaxAttempts         int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	RetentionWindow     time.Duration
	MaintenanceInterval time.Duration
	HTTPAddr            string
	BackgroundSync      bool

	// CriticalFields maps an entity type ("*" for all) to fields always compared for conflicts.
	CriticalFields map[string][]string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	maxAttempts := getEnvInt("MAX_ATTEMPTS", 3)
	if maxAttempts > MaxMaxAttempts {
		slog.Warn("MAX_ATTEMPTS exceeds safety limit. Clamping to maximum", "requested", maxAttempts, "limit", MaxMaxAttempts)
		maxAttempts = MaxMaxAttempts
	} else if maxAttempts < MinMaxAttempts {
		maxAttempts = MinMaxAttempts
	}

	poll := getEnvDuration("NETWORK_POLL_INTERVAL", 30*time.Second)
	if poll < MinPollInterval {
		poll = MinPollInterval
	}

	criticalFields, err := parseCriticalFields(getEnv("CRITICAL_FIELDS", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		UserID:              getEnv("USER_ID", ""),
		DeviceID:            getEnv("DEVICE_ID", ""),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		QueueDBPath:         getEnv("QUEUE_DB_PATH", ""),
		RedisURL:            getEnv("REDIS_URL", ""),
		RabbitMQURL:         getEnv("RABBITMQ_URL", ""),
		EventsExchange:      getEnv("EVENTS_EXCHANGE", "sync.events"),
		LogLevel:            getEnv("LOG_LEVEL", "INFO"),
		LogFormat:           getEnv("LOG_FORMAT", "TEXT"),
		LogFile:             getEnv("LOG_FILE", ""),
		ProbeAddress:        getEnv("PROBE_ADDRESS", "1.1.1.1:443"),
		NetworkPollInterval: poll,
		CacheTTL:            getEnvDuration("CACHE_TTL", 5*time.Minute),
		ConflictTolerance:   getEnvDuration("CONFLICT_TOLERANCE", 5*time.Second),
		MaxAttempts:         maxAttempts,
		BackoffBase:         getEnvDuration("BACKOFF_BASE", time.Second),
		BackoffMax:          getEnvDuration("BACKOFF_MAX", 5*time.Minute),
		RetentionWindow:     getEnvDuration("RETENTION_WINDOW", 24*time.Hour),
		MaintenanceInterval: getEnvDuration("MAINTENANCE_INTERVAL", time.Minute),
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		BackgroundSync:      getEnvBool("BACKGROUND_SYNC", true),
		CriticalFields:      criticalFields,
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		slog.Warn("DEVICE_ID not set, generated an ephemeral one", "device_id", cfg.DeviceID)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and cross-field constraints
func (c *Config) Validate() error {
	var missing []string
	if c.UserID == "" {
		missing = append(missing, "USER_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("invalid backoff: base=%s max=%s", c.BackoffBase, c.BackoffMax)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive, got %s", c.CacheTTL)
	}
	return nil
}

// parseCriticalFields reads "address:zip,street;*:ownerId".
func parseCriticalFields(raw string) (map[string][]string, error) {
	out := make(map[string][]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}
	for _, group := range strings.Split(raw, ";") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		entity, fields, ok := strings.Cut(group, ":")
		if !ok || strings.TrimSpace(entity) == "" {
			return nil, fmt.Errorf("invalid CRITICAL_FIELDS entry %q: expected entity:field,field", group)
		}
		for _, f := range strings.Split(fields, ",") {
			if f = strings.TrimSpace(f); f != "" {
				out[strings.TrimSpace(entity)] = append(out[strings.TrimSpace(entity)], f)
			}
		}
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("30s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if i, err := strconv.Atoi(value); err == nil {
		return time.Duration(i) * time.Second
	}
	slog.Warn("Ignoring invalid duration", "key", key, "value", value)
	return fallback
}
