package quota

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Class is an operation class with its own independent quota budget.
// Exhausting one class never affects another.
type Class string

const (
	ClassGeneral       Class = "general"
	ClassAuth          Class = "auth"
	ClassPasswordReset Class = "password-reset"
	ClassAIChat        Class = "ai-chat"
	ClassUpload        Class = "upload"
	ClassSearch        Class = "search"
	ClassExport        Class = "export"
	ClassBatch         Class = "batch"
	ClassReports       Class = "reports"
)

// Limit is the (window, max) pair configured per class
type Limit struct {
	Window time.Duration
	Max    int
}

// Config maps every operation class to its limit
type Config map[Class]Limit

// DefaultConfig returns production-safe per-class limits
func DefaultConfig() Config {
	return Config{
		ClassGeneral:       {Window: 15 * time.Minute, Max: 100},
		ClassAuth:          {Window: 15 * time.Minute, Max: 5},
		ClassPasswordReset: {Window: time.Hour, Max: 3},
		ClassAIChat:        {Window: time.Minute, Max: 10},
		ClassUpload:        {Window: time.Hour, Max: 50},
		ClassSearch:        {Window: time.Minute, Max: 30},
		ClassExport:        {Window: time.Hour, Max: 5},
		ClassBatch:         {Window: time.Hour, Max: 10},
		ClassReports:       {Window: time.Hour, Max: 20},
	}
}

// LoadConfig loads the default config with environment overrides,
// e.g. QUOTA_AI_CHAT_MAX=20 or QUOTA_EXPORT_WINDOW=30m.
func LoadConfig() Config {
	config := DefaultConfig()

	envNames := map[Class]string{
		ClassGeneral:       "GENERAL",
		ClassAuth:          "AUTH",
		ClassPasswordReset: "PASSWORD_RESET",
		ClassAIChat:        "AI_CHAT",
		ClassUpload:        "UPLOAD",
		ClassSearch:        "SEARCH",
		ClassExport:        "EXPORT",
		ClassBatch:         "BATCH",
		ClassReports:       "REPORTS",
	}

	for class, envName := range envNames {
		limit := config[class]
		if v := os.Getenv("QUOTA_" + envName + "_MAX"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit.Max = n
			}
		}
		if v := os.Getenv("QUOTA_" + envName + "_WINDOW"); v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				limit.Window = d
			}
		}
		config[class] = limit
	}

	// Development mode: more lenient AI budget for local iteration
	if os.Getenv("ENVIRONMENT") == "development" {
		limit := config[ClassAIChat]
		limit.Max = 1000
		config[ClassAIChat] = limit
		log.Println("[QUOTA] Development mode: using relaxed AI chat limits")
	}

	return config
}

// securityCritical reports whether a class protects against credential
// abuse. These classes fail CLOSED when the limiter backend is down;
// everything else fails OPEN to avoid amplifying an outage.
func securityCritical(class Class) bool {
	return class == ClassAuth || class == ClassPasswordReset
}
