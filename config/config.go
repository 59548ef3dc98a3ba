package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the CXR report pipeline service
type Config struct {
	// Database configuration
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Server configuration
	Port string

	// AI service configuration (feature extraction + linear probe)
	AIBaseURL        string
	FeaturesEndpoint string
	ProbeEndpoint    string
	AIAuthUsername   string
	AIAuthPassword   string

	// OpenAI configuration (narrative synthesis)
	OpenAIAPIKey string
	OpenAIModel  string

	// Validation configuration
	MaxImageBytes int64

	// Upstream contract: expected feature dimensionality and probe labels
	FeatureDim     int
	ExpectedLabels []string

	// Retry and timeout policy
	MaxRetries     int
	RetryBaseDelay time.Duration
	RequestTimeout time.Duration
	RunDeadline    time.Duration

	// Upstream rate limit, requests per second (0 disables)
	UpstreamRPS float64

	// RabbitMQ configuration for finalized-report events
	AMQPURL          string
	AMQPExchange     string
	AMQPRoutingKey   string
	PublishingEnable bool

	// Logging
	LogLevel string
}

// defaultLabels is the linear-probe label set of the production endpoint.
// Overridable via EXPECTED_LABELS for staging probes with a different head.
const defaultLabels = "atelectasis,cardiomegaly,consolidation,edema,effusion," +
	"emphysema,fibrosis,fracture,hernia,infiltration,mass,nodule," +
	"pleural_thickening,pneumonia,pneumothorax"

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		// Database defaults
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "server"),
		DBPassword: getEnv("DB_PASSWORD", "secret_app"),
		DBName:     getEnv("DB_NAME", "cxr"),

		// Server defaults
		Port: getEnv("PORT", "7890"),

		// AI service defaults
		AIBaseURL:        getEnv("AI_BASE_URL", ""),
		FeaturesEndpoint: getEnv("CXR_FEATURES_ENDPOINT", "/cxr/features"),
		ProbeEndpoint:    getEnv("CXR_LINEAR_PROBE_ENDPOINT", "/cxr/linear_probe"),
		AIAuthUsername:   getEnv("AI_AUTH_USERNAME", ""),
		AIAuthPassword:   getEnv("AI_AUTH_PASSWORD", ""),

		// OpenAI defaults
		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:  getEnv("OPENAI_MODEL", "gpt-4o-mini"),

		// Validation defaults (10 MB)
		MaxImageBytes: getInt64Env("MAX_IMAGE_BYTES", 10*1024*1024),

		// Upstream contract defaults
		FeatureDim:     getIntEnv("FEATURE_DIM", 1376),
		ExpectedLabels: getStringSliceEnv("EXPECTED_LABELS", defaultLabels),

		// Retry and timeout defaults
		MaxRetries:     getIntEnv("MAX_RETRIES", 3),
		RetryBaseDelay: getDurationEnv("RETRY_BASE_DELAY", 500*time.Millisecond),
		RequestTimeout: getDurationEnv("REQUEST_TIMEOUT", 60*time.Second),
		RunDeadline:    getDurationEnv("RUN_DEADLINE", 5*time.Minute),

		UpstreamRPS: getFloatEnv("UPSTREAM_RPS", 0),

		// RabbitMQ defaults
		AMQPURL:          getEnv("AMQP_URL", ""),
		AMQPExchange:     getEnv("AMQP_EXCHANGE", "cxr.reports"),
		AMQPRoutingKey:   getEnv("AMQP_ROUTING_KEY", "report.finalized"),
		PublishingEnable: getBoolEnv("PUBLISHING_ENABLE", false),

		// Logging defaults
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// getStringSliceEnv gets a comma-separated string environment variable and
// returns it as a trimmed string slice
func getStringSliceEnv(key, defaultValue string) []string {
	value := getEnv(key, defaultValue)
	if value == "" {
		return []string{}
	}

	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnv gets a duration environment variable or returns a default value
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getInt64Env gets a 64-bit integer environment variable or returns a default value
func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getFloatEnv gets a float environment variable or returns a default value
func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getBoolEnv gets a boolean environment variable or returns a default value
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
