package ratelimit

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EndpointConfig represents rate limiting configuration for a specific endpoint.
type EndpointConfig struct {
	Path   string        // Endpoint path pattern (supports prefix matching)
	Method string        // HTTP method (GET, POST, etc.)
	Limit  int           // Maximum requests per window
	Window time.Duration // Time window
	Burst  int           // Burst capacity (defaults to Limit if 0)
	Group  string        // Endpoints sharing a Group share one bucket per client
}

// LoadConfig loads rate limiting configuration from WEBHOOK_RATE_LIMIT_*
// environment variables.
func LoadConfig() *Config {
	enabled := getEnvBool("WEBHOOK_RATE_LIMIT_ENABLED", true)
	if !enabled {
		return &Config{
			Enabled: false,
		}
	}

	defaultLimit := getEnvInt("WEBHOOK_RATE_LIMIT_DEFAULT_LIMIT", 600)
	defaultWindow := getEnvDuration("WEBHOOK_RATE_LIMIT_DEFAULT_WINDOW", time.Minute)
	cleanupInterval := getEnvDuration("WEBHOOK_RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute)

	whitelist := parseIPList(getEnvString("WEBHOOK_RATE_LIMIT_WHITELIST", ""))
	blacklist := parseIPList(getEnvString("WEBHOOK_RATE_LIMIT_BLACKLIST", ""))

	webhookLimit := getEnvInt("WEBHOOK_RATE_LIMIT_WEBHOOK_LIMIT", 300)
	webhookBurst := getEnvInt("WEBHOOK_RATE_LIMIT_WEBHOOK_BURST", 50)

	return &Config{
		Enabled:         enabled,
		DefaultLimit:    defaultLimit,
		DefaultWindow:   defaultWindow,
		CleanupInterval: cleanupInterval,
		Whitelist:       whitelist,
		Blacklist:       blacklist,
		EndpointConfigs: WebhookEndpointConfigs(webhookLimit, time.Minute, webhookBurst),
	}
}

// DefaultEndpointConfigs returns the default endpoint-specific configurations.
func DefaultEndpointConfigs() []EndpointConfig {
	return WebhookEndpointConfigs(300, time.Minute, 50)
}

// WebhookEndpointConfigs limits every webhook delivery route as one group.
// Read endpoints use the default limit; /health is unlimited.
func WebhookEndpointConfigs(limit int, window time.Duration, burst int) []EndpointConfig {
	paths := []string{"/webhook", "/webhook/", "/webhooks/mosaic", "/webhooks/mosaic/", "/"}
	configs := make([]EndpointConfig, 0, len(paths))
	for _, p := range paths {
		configs = append(configs, EndpointConfig{
			Path:   p,
			Method: "POST",
			Limit:  limit,
			Window: window,
			Burst:  burst,
			Group:  "webhook",
		})
	}
	return configs
}

// getEnvString gets an environment variable as a string with a default value.
func getEnvString(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer with a default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as a boolean with a default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration gets an environment variable as a duration with a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// parseIPList parses a comma-separated list of IP addresses into a map.
func parseIPList(list string) map[string]bool {
	result := make(map[string]bool)
	if list == "" {
		return result
	}

	for _, ip := range strings.Split(list, ",") {
		ip = strings.TrimSpace(ip)
		if ip != "" {
			result[ip] = true
		}
	}

	return result
}
