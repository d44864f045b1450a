package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// ConfigError reports a missing or malformed environment variable.
// Config errors are fatal and never retried.
type ConfigError struct {
	Var    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Var, e.Reason)
}

// Config holds all configuration for a restore run. It is constructed once
// at process start and passed by reference into every component; nothing
// reads the environment after Load returns.
type Config struct {
	// Object store holding the dump artifact
	Store StoreConfig

	// Target database connection
	Database DatabaseConfig

	// Restore behavior knobs
	Restore RestoreConfig

	// Logging configuration
	Logging LoggingConfig
}

// StoreConfig holds S3-compatible object store configuration
type StoreConfig struct {
	Endpoint        string `validate:"required"`
	Region          string
	Bucket          string `validate:"required"`
	Key             string `validate:"required"`
	AccessKeyID     string `validate:"required"`
	SecretAccessKey string `validate:"required"`
	DisableTLS      bool
}

// DatabaseConfig holds the Postgres connection target
type DatabaseConfig struct {
	Host     string `validate:"required"`
	Port     int    `validate:"gte=1,lte=65535"`
	User     string `validate:"required"`
	Password string `validate:"required"`
	Name     string `validate:"required"`
	SSLMode  string `validate:"required"`
}

// RestoreConfig holds pipeline behavior settings
type RestoreConfig struct {
	// DumpPath is the local filesystem path for the downloaded artifact
	DumpPath string `validate:"required"`

	// EngineWaitTimeout bounds the engine readiness retry loop
	EngineWaitTimeout time.Duration `validate:"gt=0"`

	// FetchAttempts is the total attempt budget for transient fetch failures
	FetchAttempts int `validate:"gte=1"`

	// KeepDump retains the local artifact after a successful load
	KeepDump bool
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level  string
	Format string // json, console
}

const (
	defaultEndpoint          = "s3.amazonaws.com"
	defaultRegion            = "us-east-1"
	defaultHost              = "localhost"
	defaultPort              = 5432
	defaultSSLMode           = "disable"
	defaultEngineWaitTimeout = 2 * time.Minute
	defaultFetchAttempts     = 5
)

// envFieldNames maps validator struct paths back to the environment
// variables they were read from, so validation failures name the variable
// the operator has to fix.
var envFieldNames = map[string]string{
	"Config.Store.Endpoint":            "DBRESTORE_S3_ENDPOINT",
	"Config.Store.Bucket":              "DBRESTORE_S3_BUCKET",
	"Config.Store.Key":                 "DBRESTORE_S3_KEY",
	"Config.Store.AccessKeyID":         "DBRESTORE_AWS_ACCESS_KEY_ID",
	"Config.Store.SecretAccessKey":     "DBRESTORE_AWS_SECRET_ACCESS_KEY",
	"Config.Database.Host":             "POSTGRES_HOST",
	"Config.Database.Port":             "POSTGRES_PORT",
	"Config.Database.User":             "POSTGRES_USER",
	"Config.Database.Password":         "POSTGRES_PASSWORD",
	"Config.Database.Name":             "POSTGRES_DB",
	"Config.Database.SSLMode":          "POSTGRES_SSLMODE",
	"Config.Restore.DumpPath":          "DB_DUMP_PATH",
	"Config.Restore.EngineWaitTimeout": "DBRESTORE_ENGINE_WAIT_TIMEOUT",
	"Config.Restore.FetchAttempts":     "DBRESTORE_FETCH_ATTEMPTS",
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env files (fails silently if files don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	cfg := &Config{
		Store: StoreConfig{
			Endpoint:        envOr("DBRESTORE_S3_ENDPOINT", defaultEndpoint),
			Region:          envOr("DBRESTORE_S3_REGION", defaultRegion),
			Bucket:          os.Getenv("DBRESTORE_S3_BUCKET"),
			Key:             os.Getenv("DBRESTORE_S3_KEY"),
			AccessKeyID:     os.Getenv("DBRESTORE_AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("DBRESTORE_AWS_SECRET_ACCESS_KEY"),
		},
		Database: DatabaseConfig{
			Host:     envOr("POSTGRES_HOST", defaultHost),
			Port:     defaultPort,
			User:     os.Getenv("POSTGRES_USER"),
			Password: os.Getenv("POSTGRES_PASSWORD"),
			Name:     os.Getenv("POSTGRES_DB"),
			SSLMode:  envOr("POSTGRES_SSLMODE", defaultSSLMode),
		},
		Restore: RestoreConfig{
			DumpPath:          os.Getenv("DB_DUMP_PATH"),
			EngineWaitTimeout: defaultEngineWaitTimeout,
			FetchAttempts:     defaultFetchAttempts,
		},
		Logging: LoggingConfig{
			Level:  envOr("LOG_LEVEL", "info"),
			Format: envOr("LOG_FORMAT", "json"),
		},
	}

	if v := os.Getenv("DBRESTORE_S3_DISABLE_TLS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, &ConfigError{Var: "DBRESTORE_S3_DISABLE_TLS", Reason: fmt.Sprintf("not a boolean: %q", v)}
		}
		cfg.Store.DisableTLS = b
	}

	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, &ConfigError{Var: "POSTGRES_PORT", Reason: fmt.Sprintf("not a port number: %q", v)}
		}
		cfg.Database.Port = p
	}

	if v := os.Getenv("DBRESTORE_ENGINE_WAIT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, &ConfigError{Var: "DBRESTORE_ENGINE_WAIT_TIMEOUT", Reason: fmt.Sprintf("not a duration: %q", v)}
		}
		cfg.Restore.EngineWaitTimeout = d
	}

	if v := os.Getenv("DBRESTORE_FETCH_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, &ConfigError{Var: "DBRESTORE_FETCH_ATTEMPTS", Reason: fmt.Sprintf("not a number: %q", v)}
		}
		cfg.Restore.FetchAttempts = n
	}

	if v := os.Getenv("DBRESTORE_KEEP_DUMP"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, &ConfigError{Var: "DBRESTORE_KEEP_DUMP", Reason: fmt.Sprintf("not a boolean: %q", v)}
		}
		cfg.Restore.KeepDump = b
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate runs struct validation and maps the first violation back to the
// environment variable it came from
func validate(cfg *Config) error {
	err := validator.New().Struct(cfg)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return &ConfigError{Var: "environment", Reason: err.Error()}
	}

	fe := verrs[0]
	name := envFieldNames[fe.Namespace()]
	if name == "" {
		name = fe.Namespace()
	}
	if fe.Tag() == "required" {
		return &ConfigError{Var: name, Reason: "required but not set"}
	}
	return &ConfigError{Var: name, Reason: fmt.Sprintf("invalid value %v (%s)", fe.Value(), fe.Tag())}
}

// ConnString builds the lib/pq connection string for the target database.
// url.URL handles the userinfo escaping; hand-rolled query escaping would
// mangle passwords containing spaces or separators.
func (c *DatabaseConfig) ConnString() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
