package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// ExecutionMode represents the module execution mode
type ExecutionMode string

const (
	// ModeSimple analyses TEST_URL once and prints the result
	ModeSimple ExecutionMode = "simple"
	// ModeStreaming consumes the job queue until shutdown
	ModeStreaming ExecutionMode = "streaming"
)

// Config holds all configuration for the URL sandbox worker
type Config struct {
	Mode ExecutionMode

	// Simple mode
	TestURL string

	// Job store (Redis)
	RedisHost      string
	RedisPort      string
	RedisPassword  string
	RedisDB        int
	StreamInputKey string
	JobKeyPrefix   string
	ConsumerGroup  string
	ConsumerName   string
	EnqueueURLs    []string // seeded into the queue at start-up

	// Worker loop
	WorkerCount        int
	PollInterval       time.Duration
	StoreRetryInterval time.Duration

	// Render session
	URLTimeout    int // seconds
	SettleDelay   time.Duration
	ScreenshotDir string
	Screenshots   bool
	ChromeBin     string

	// Result sink
	APIEndpoint string
	SinkTimeout time.Duration
	SupabaseURL string
	SupabaseKey string

	// Resolver
	GeoAPIKey           string
	GeoRateLimit        float64
	GeoTimeout          time.Duration
	DNSResolvers        []string
	DNSTimeout          time.Duration
	DNSRetries          int
	PhishingDomainsFile string

	Logger *logrus.Logger
}

// LoadConfig loads configuration from the environment (and an optional .env file)
func LoadConfig() (*Config, error) {
	// .env is optional; real environment variables take precedence
	_ = godotenv.Load()

	logger := NewLogger(os.Getenv("LOG_LEVEL"), os.Getenv("ENV"))

	cfg := &Config{
		Logger: logger,
		Mode:   ModeStreaming,

		RedisHost:      getEnvString("REDIS_HOST", "localhost"),
		RedisPort:      getEnvString("REDIS_PORT", "6379"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		StreamInputKey: getEnvString("STREAM_INPUT_KEY", "url_analysis:jobs"),
		JobKeyPrefix:   getEnvString("JOB_KEY_PREFIX", "url_analysis:job:"),
		ConsumerGroup:  getEnvString("CONSUMER_GROUP", "browser-automation"),
		ConsumerName:   getEnvString("CONSUMER_NAME", defaultConsumerName()),
		EnqueueURLs:    splitList(os.Getenv("ENQUEUE_URLS")),

		WorkerCount:        getEnvInt("WORKER_COUNT", 1),
		PollInterval:       parseDuration(os.Getenv("POLL_INTERVAL"), 5*time.Second),
		StoreRetryInterval: parseDuration(os.Getenv("STORE_RETRY_INTERVAL"), 10*time.Second),

		URLTimeout:    getEnvInt("URL_TIMEOUT", 30),
		SettleDelay:   parseDuration(os.Getenv("SETTLE_DELAY"), 2*time.Second),
		ScreenshotDir: getEnvString("SCREENSHOT_DIR", "./screenshots"),
		Screenshots:   getEnvBool("CAPTURE_SCREENSHOTS", true),
		ChromeBin:     os.Getenv("CHROME_BIN"),

		APIEndpoint: os.Getenv("API_ENDPOINT"),
		SinkTimeout: parseDuration(os.Getenv("SINK_TIMEOUT"), 10*time.Second),
		SupabaseURL: os.Getenv("SUPABASE_URL"),
		SupabaseKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),

		GeoAPIKey:           os.Getenv("IP_GEOLOCATION_API_KEY"),
		GeoRateLimit:        getEnvFloat("GEO_RATE_LIMIT", 2),
		GeoTimeout:          parseDuration(os.Getenv("GEO_TIMEOUT"), 5*time.Second),
		DNSResolvers:        splitList(getEnvString("DNS_RESOLVERS", "8.8.8.8:53,8.8.4.4:53")),
		DNSTimeout:          parseDuration(os.Getenv("DNS_TIMEOUT"), 2*time.Second),
		DNSRetries:          getEnvInt("DNS_RETRIES", 2),
		PhishingDomainsFile: os.Getenv("PHISHING_DOMAINS_FILE"),
	}

	if testURL := strings.TrimSpace(os.Getenv("TEST_URL")); testURL != "" {
		cfg.Mode = ModeSimple
		cfg.TestURL = testURL
	}

	if cfg.SupabaseURL != "" && cfg.SupabaseKey == "" {
		return nil, fmt.Errorf("SUPABASE_SERVICE_ROLE_KEY required when SUPABASE_URL is set")
	}

	return cfg, nil
}

// Validate checks value ranges and mode-specific requirements
func (c *Config) Validate() error {
	if c.URLTimeout < 1 || c.URLTimeout > 300 {
		return fmt.Errorf("URL_TIMEOUT must be between 1 and 300 seconds")
	}

	if c.WorkerCount < 1 || c.WorkerCount > 16 {
		return fmt.Errorf("WORKER_COUNT must be between 1 and 16")
	}

	if c.SettleDelay < 0 {
		return fmt.Errorf("SETTLE_DELAY must not be negative")
	}

	if c.PollInterval <= 0 || c.StoreRetryInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL and STORE_RETRY_INTERVAL must be positive")
	}

	if len(c.DNSResolvers) == 0 {
		return fmt.Errorf("DNS_RESOLVERS must list at least one resolver")
	}

	if c.GeoRateLimit <= 0 {
		return fmt.Errorf("GEO_RATE_LIMIT must be positive")
	}

	switch c.Mode {
	case ModeSimple:
		if c.TestURL == "" {
			return fmt.Errorf("TEST_URL is required in simple mode")
		}
	case ModeStreaming:
		var missing []string
		if c.RedisHost == "" {
			missing = append(missing, "REDIS_HOST")
		}
		if c.StreamInputKey == "" {
			missing = append(missing, "STREAM_INPUT_KEY")
		}
		if c.ConsumerGroup == "" {
			missing = append(missing, "CONSUMER_GROUP")
		}
		if len(missing) > 0 {
			return fmt.Errorf("missing required environment variables: %v", missing)
		}
	default:
		return fmt.Errorf("unknown execution mode: %s", c.Mode)
	}

	return nil
}

// RenderTimeout returns URL_TIMEOUT as a duration
func (c *Config) RenderTimeout() time.Duration {
	return time.Duration(c.URLTimeout) * time.Second
}

// RedisAddr returns host:port of the job store
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// PrintConfig logs the configuration (without secrets)
func (c *Config) PrintConfig() {
	c.Logger.Info("=== URL Sandbox Configuration ===")
	c.Logger.Infof("  Mode: %s", c.Mode)
	c.Logger.Infof("  Render Timeout: %ds (settle %s)", c.URLTimeout, c.SettleDelay)
	c.Logger.Infof("  Screenshots: %v (%s)", c.Screenshots, c.ScreenshotDir)
	c.Logger.Infof("  DNS Resolvers: %v", c.DNSResolvers)
	c.Logger.Infof("  Geolocation: %v", c.GeoAPIKey != "")

	if c.APIEndpoint != "" {
		c.Logger.Infof("  Result Endpoint: %s", c.APIEndpoint)
	}
	if c.SupabaseURL != "" {
		c.Logger.Infof("  Supabase: %s", c.SupabaseURL)
	}

	switch c.Mode {
	case ModeSimple:
		c.Logger.Infof("  Test URL: %s", c.TestURL)
	case ModeStreaming:
		c.Logger.Infof("  Redis: %s (db %d)", c.RedisAddr(), c.RedisDB)
		c.Logger.Infof("  Input Stream: %s", c.StreamInputKey)
		c.Logger.Infof("  Consumer: %s in group %s", c.ConsumerName, c.ConsumerGroup)
		c.Logger.Infof("  Workers: %d", c.WorkerCount)
	}
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val == "true" || val == "1" || val == "yes"
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}

// splitList splits a comma or newline separated list, dropping blanks and # comments
func splitList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	var out []string
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" && !strings.HasPrefix(f, "#") {
			out = append(out, f)
		}
	}
	return out
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker-1"
	}
	return "worker-" + host
}
