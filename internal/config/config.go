package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds all configuration for the application
type AppConfig struct {
	// Dispatcher
	MaxRetries  int
	Concurrency int

	// Proxies, comma separated in PROXIES and/or one per line in PROXY_FILE
	Proxies         []string
	ProxyFile       string
	ProxyPolicy     string
	ProxyQuarantine time.Duration
	// Empty disables the liveness check
	ProxyCheckURL     string
	ProxyCheckTimeout time.Duration

	// Browser
	UserDataRoot   string
	BrowserEngine  string
	BrowserBin     string
	StepTimeout    time.Duration
	NavTimeout     time.Duration
	ComposerURL    string
	MarketplaceURL string
	TypingDelayMin time.Duration
	TypingDelayMax time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Optional Redis event publishing for an external GUI
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	EventsChannel string

	// Control API for the serve command
	Port string
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*AppConfig, error) {
	// A missing .env file is fine, the environment may be set directly.
	if err := godotenv.Load(); err != nil {
		fmt.Printf("Info: Could not load .env file: %v (this is ok if using environment variables)\n", err)
	}

	var errs []string
	intVar := func(key string, fallback int) int {
		v, err := getEnvInt(key, fallback)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}
	durVar := func(key string, fallback time.Duration) time.Duration {
		v, err := getEnvDuration(key, fallback)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return v
	}

	config := &AppConfig{
		MaxRetries:        intVar("MAX_RETRIES", 2),
		Concurrency:       intVar("CONCURRENCY", 4),
		Proxies:           splitList(os.Getenv("PROXIES")),
		ProxyFile:         os.Getenv("PROXY_FILE"),
		ProxyPolicy:       getEnv("PROXY_POLICY", "recycle"),
		ProxyQuarantine:   durVar("PROXY_QUARANTINE", 2*time.Minute),
		ProxyCheckURL:     os.Getenv("PROXY_CHECK_URL"),
		ProxyCheckTimeout: durVar("PROXY_CHECK_TIMEOUT", 5*time.Second),
		UserDataRoot:      getEnv("USER_DATA_ROOT", "repositories/users/udd"),
		BrowserEngine:     getEnv("BROWSER_ENGINE", "rod"),
		BrowserBin:        os.Getenv("BROWSER_BIN"),
		StepTimeout:       durVar("STEP_TIMEOUT", 30*time.Second),
		NavTimeout:        durVar("NAV_TIMEOUT", 2*time.Minute),
		ComposerURL:       getEnv("COMPOSER_URL", "https://www.facebook.com/groups/feed/"),
		MarketplaceURL:    getEnv("MARKETPLACE_URL", "https://www.facebook.com/marketplace/create/item"),
		TypingDelayMin:    durVar("TYPING_DELAY_MIN", 50*time.Millisecond),
		TypingDelayMax:    durVar("TYPING_DELAY_MAX", 250*time.Millisecond),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFormat:         getEnv("LOG_FORMAT", "text"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           intVar("REDIS_DB", 0),
		EventsChannel:     getEnv("EVENTS_CHANNEL", "profile-robot:events"),
		Port:              getEnv("PORT", "8080"),
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration parsing failed: %s", strings.Join(errs, "; "))
	}

	if config.ProxyFile != "" {
		fromFile, err := ReadProxyFile(config.ProxyFile)
		if err != nil {
			return nil, err
		}
		config.Proxies = append(config.Proxies, fromFile...)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate checks that the configuration is valid
func (c *AppConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("invalid MAX_RETRIES: %d (must be >= 0)", c.MaxRetries)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("invalid CONCURRENCY: %d (must be > 0)", c.Concurrency)
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid port number: %s", c.Port)
	}

	validPolicies := map[string]bool{"recycle": true, "discard": true, "quarantine": true}
	if !validPolicies[c.ProxyPolicy] {
		return fmt.Errorf("invalid proxy policy: %s (must be 'recycle', 'discard' or 'quarantine')", c.ProxyPolicy)
	}

	validEngines := map[string]bool{"rod": true, "chromedp": true}
	if !validEngines[c.BrowserEngine] {
		return fmt.Errorf("invalid browser engine: %s (must be 'rod' or 'chromedp')", c.BrowserEngine)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("invalid log format: %s (must be 'text' or 'json')", c.LogFormat)
	}

	if c.StepTimeout <= 0 || c.NavTimeout <= 0 {
		return fmt.Errorf("step and navigation timeouts must be positive")
	}
	if c.TypingDelayMin < 0 || c.TypingDelayMax < c.TypingDelayMin {
		return fmt.Errorf("invalid typing delay range: %s..%s", c.TypingDelayMin, c.TypingDelayMax)
	}

	if c.UserDataRoot == "" {
		return fmt.Errorf("USER_DATA_ROOT must not be empty")
	}

	// Warn about degraded modes
	if len(c.Proxies) == 0 {
		fmt.Println("Warning: no proxies configured - tasks will run without a proxy")
	} else if c.Concurrency > len(c.Proxies) {
		fmt.Printf("Warning: CONCURRENCY %d exceeds proxy count %d - at most %d tasks will run at once\n",
			c.Concurrency, len(c.Proxies), len(c.Proxies))
	}

	return nil
}

// HasRedisConfig returns true if events should be published to Redis
func (c *AppConfig) HasRedisConfig() bool {
	return c.RedisAddr != ""
}

// HasProxyCheck returns true if proxies should be checked before use
func (c *AppConfig) HasProxyCheck() bool {
	return c.ProxyCheckURL != ""
}

// GetPort returns the port as an integer
func (c *AppConfig) GetPort() int {
	port, _ := strconv.Atoi(c.Port) // Already validated in Validate()
	return port
}

// ReadProxyFile reads one proxy descriptor per line, skipping blanks and
// lines starting with '#'.
func ReadProxyFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open proxy file: %w", err)
	}
	defer f.Close()

	var proxies []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		proxies = append(proxies, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read proxy file: %w", err)
	}
	return proxies, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %q is not an integer", key, value)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %q is not a duration", key, value)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
