package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"pulsecrm/internal/models"
)

// Config holds all application configuration
type Config struct {
	Port     string
	MongoURI string
	RedisURL string

	// Provider catalog file (JSON)
	ProvidersFile string

	// Dispatcher defaults
	DispatchTimeout time.Duration // per provider call unless the request overrides it
	CacheTTL        time.Duration // memoized routed results
	MaxRetries      int
	RetryBaseDelay  time.Duration

	// Health monitor
	ProbeTimeout        time.Duration // per individual probe, distinct from call timeouts
	HealthCheckInterval time.Duration

	// Admin configuration
	AdminUserIDs []string // caller ids allowed to toggle providers
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	adminEnv := getEnv("ADMIN_USER_IDS", "")
	var adminUserIDs []string
	if adminEnv != "" {
		adminUserIDs = strings.Split(adminEnv, ",")
		for i := range adminUserIDs {
			adminUserIDs[i] = strings.TrimSpace(adminUserIDs[i])
		}
	}

	return &Config{
		Port:     getEnv("PORT", "3001"),
		MongoURI: getEnv("MONGODB_URI", ""),
		RedisURL: getEnv("REDIS_URL", ""),

		ProvidersFile: getEnv("PROVIDERS_FILE", "providers.json"),

		DispatchTimeout: getDurationEnv("DISPATCH_TIMEOUT", 60*time.Second),
		CacheTTL:        getDurationEnv("DISPATCH_CACHE_TTL", 5*time.Minute),
		MaxRetries:      getIntEnv("DISPATCH_MAX_RETRIES", 2),
		RetryBaseDelay:  getDurationEnv("DISPATCH_RETRY_BASE_DELAY", 500*time.Millisecond),

		ProbeTimeout:        getDurationEnv("PROBE_TIMEOUT", 5*time.Second),
		HealthCheckInterval: getDurationEnv("HEALTH_CHECK_INTERVAL", 5*time.Minute),

		AdminUserIDs: adminUserIDs,
	}
}

// LoadProviders loads the provider catalog from a JSON file.
// ${VAR} references are expanded from the environment so API keys stay
// out of the file.
func LoadProviders(filePath string) (*models.ProvidersConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}

	var config models.ProvidersConfig
	if err := json.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse providers JSON: %w", err)
	}

	return &config, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultValue
}
