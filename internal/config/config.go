// Package config loads engine settings from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
	"github.com/rumor-ml/commons.systems/cardflow/internal/forecast"
	"github.com/rumor-ml/commons.systems/cardflow/internal/grouping"
	"github.com/rumor-ml/commons.systems/cardflow/internal/logging"
)

// Storage backends
const (
	BackendSQLite    = "sqlite"
	BackendMemory    = "memory"
	BackendFirestore = "firestore"
)

var validBackends = []string{BackendSQLite, BackendMemory, BackendFirestore}

type Config struct {
	// Storage
	Backend              string
	SQLitePath           string
	FirestoreProject     string
	FirestoreCredentials string

	// Formats file overriding the embedded descriptors
	FormatsFile string

	// Grouping and forecast
	AmountTolerance   decimal.Decimal
	LookbackMonths    int
	MinForecastMonths int
	MinStemTokens     int
	DefaultMode       string

	// Logging
	LogLevel  string
	LogFormat string

	// AMQP, disabled when the URL is empty
	AMQPURL      string
	AMQPExchange string

	// parse failures found by Load, reported by Validate
	loadErrors []string
}

// Load reads the configuration from CARDFLOW_* environment variables
func Load() *Config {
	cfg := &Config{
		Backend:              getEnv("CARDFLOW_BACKEND", BackendSQLite),
		SQLitePath:           getEnv("CARDFLOW_SQLITE_PATH", "./data/cardflow.db"),
		FirestoreProject:     getEnv("CARDFLOW_FIRESTORE_PROJECT", ""),
		FirestoreCredentials: getEnv("CARDFLOW_FIRESTORE_CREDENTIALS", ""),
		FormatsFile:          getEnv("CARDFLOW_FORMATS_FILE", ""),
		DefaultMode:          getEnv("CARDFLOW_DEFAULT_MODE", string(domain.ModeInvoice)),
		LogLevel:             getEnv("CARDFLOW_LOG_LEVEL", "info"),
		LogFormat:            getEnv("CARDFLOW_LOG_FORMAT", string(logging.FormatConsole)),
		AMQPURL:              getEnv("CARDFLOW_AMQP_URL", ""),
		AMQPExchange:         getEnv("CARDFLOW_AMQP_EXCHANGE", "cardflow"),
	}

	defaults := grouping.DefaultPolicy()
	cfg.AmountTolerance = cfg.getEnvDecimal("CARDFLOW_AMOUNT_TOLERANCE", defaults.Tolerance)
	cfg.LookbackMonths = cfg.getEnvInt("CARDFLOW_LOOKBACK_MONTHS", defaults.LookbackMonths)
	cfg.MinForecastMonths = cfg.getEnvInt("CARDFLOW_MIN_FORECAST_MONTHS", forecast.DefaultMinMonths)
	cfg.MinStemTokens = cfg.getEnvInt("CARDFLOW_MIN_STEM_TOKENS", defaults.MinStemTokens)

	return cfg
}

// Validate validates the configuration and returns an error listing every problem
func (c *Config) Validate() error {
	errors := append([]string(nil), c.loadErrors...)

	isValidBackend := false
	for _, backend := range validBackends {
		if c.Backend == backend {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid backend '%s': must be one of %v", c.Backend, validBackends))
	}
	if c.Backend == BackendSQLite && c.SQLitePath == "" {
		errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
	}
	if c.Backend == BackendFirestore && c.FirestoreProject == "" {
		errors = append(errors, "Firestore project is required when using firestore backend")
	}

	if c.FormatsFile != "" {
		if _, err := os.Stat(c.FormatsFile); err != nil {
			errors = append(errors, fmt.Sprintf("formats file %s: %v", c.FormatsFile, err))
		}
	}

	if err := c.GroupingPolicy().Validate(); err != nil {
		errors = append(errors, err.Error())
	}
	if c.MinForecastMonths < 1 {
		errors = append(errors, fmt.Sprintf("invalid minimum forecast months %d: must be at least 1", c.MinForecastMonths))
	}
	if _, err := domain.ParseMode(c.DefaultMode); err != nil {
		errors = append(errors, err.Error())
	}

	if _, err := logging.New(logging.Options{Level: c.LogLevel, Format: logging.Format(c.LogFormat)}); err != nil {
		errors = append(errors, err.Error())
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL: %v", err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

// GroupingPolicy returns the matching policy described by the configuration
func (c *Config) GroupingPolicy() grouping.Policy {
	return grouping.Policy{
		Tolerance:      c.AmountTolerance,
		LookbackMonths: c.LookbackMonths,
		MinStemTokens:  c.MinStemTokens,
	}
}

// Mode returns the default attribution mode. Call after Validate.
func (c *Config) Mode() domain.MonthAttributionMode {
	mode, err := domain.ParseMode(c.DefaultMode)
	if err != nil {
		return domain.ModeInvoice
	}
	return mode
}

// LogOptions returns the logger settings
func (c *Config) LogOptions() logging.Options {
	return logging.Options{Level: c.LogLevel, Format: logging.Format(c.LogFormat)}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c *Config) getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		c.loadErrors = append(c.loadErrors, fmt.Sprintf("invalid %s '%s': must be an integer", key, value))
		return defaultValue
	}
	return i
}

func (c *Config) getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		c.loadErrors = append(c.loadErrors, fmt.Sprintf("invalid %s '%s': must be a decimal amount", key, value))
		return defaultValue
	}
	return d
}
