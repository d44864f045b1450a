package config

import (
	"errors"
	"net/url"
	"testing"
	"time"
)

// setValidEnv sets every required variable; individual tests then blank
// out or override what they are exercising
func setValidEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DBRESTORE_AWS_ACCESS_KEY_ID", "AKIAEXAMPLE")
	t.Setenv("DBRESTORE_AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("DBRESTORE_S3_BUCKET", "backups")
	t.Setenv("DBRESTORE_S3_KEY", "prod/dump.sql.gz")
	t.Setenv("DB_DUMP_PATH", "/var/lib/dbrestore/dump.sql.gz")
	t.Setenv("POSTGRES_USER", "anyway")
	t.Setenv("POSTGRES_PASSWORD", "hunter2")
	t.Setenv("POSTGRES_DB", "anyway")

	// make sure optional overrides from the host environment don't leak in
	t.Setenv("DBRESTORE_S3_ENDPOINT", "")
	t.Setenv("DBRESTORE_S3_REGION", "")
	t.Setenv("DBRESTORE_S3_DISABLE_TLS", "")
	t.Setenv("POSTGRES_HOST", "")
	t.Setenv("POSTGRES_PORT", "")
	t.Setenv("POSTGRES_SSLMODE", "")
	t.Setenv("DBRESTORE_ENGINE_WAIT_TIMEOUT", "")
	t.Setenv("DBRESTORE_FETCH_ATTEMPTS", "")
	t.Setenv("DBRESTORE_KEEP_DUMP", "")
}

func TestLoad_ValidEnvironment(t *testing.T) {
	setValidEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	if cfg.Store.Bucket != "backups" || cfg.Store.Key != "prod/dump.sql.gz" {
		t.Errorf("unexpected store config: %+v", cfg.Store)
	}
	if cfg.Store.Endpoint != defaultEndpoint {
		t.Errorf("expected default endpoint, got %q", cfg.Store.Endpoint)
	}
	if cfg.Database.Host != defaultHost || cfg.Database.Port != defaultPort {
		t.Errorf("expected default connection target, got %s:%d", cfg.Database.Host, cfg.Database.Port)
	}
	if cfg.Restore.EngineWaitTimeout != defaultEngineWaitTimeout {
		t.Errorf("expected default wait timeout, got %s", cfg.Restore.EngineWaitTimeout)
	}
	if cfg.Restore.FetchAttempts != defaultFetchAttempts {
		t.Errorf("expected default fetch attempts, got %d", cfg.Restore.FetchAttempts)
	}
}

func TestLoad_MissingRequiredVariables(t *testing.T) {
	required := []string{
		"DBRESTORE_AWS_ACCESS_KEY_ID",
		"DBRESTORE_AWS_SECRET_ACCESS_KEY",
		"DBRESTORE_S3_BUCKET",
		"DBRESTORE_S3_KEY",
		"DB_DUMP_PATH",
		"POSTGRES_USER",
		"POSTGRES_PASSWORD",
		"POSTGRES_DB",
	}

	for _, name := range required {
		t.Run(name, func(t *testing.T) {
			setValidEnv(t)
			t.Setenv(name, "")

			_, err := Load()
			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cerr.Var != name {
				t.Errorf("expected error to name %s, got %s", name, cerr.Var)
			}
		})
	}
}

func TestLoad_MalformedValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unparsable port", "POSTGRES_PORT", "fivefourthreetwo"},
		{"port out of range", "POSTGRES_PORT", "70000"},
		{"bad wait timeout", "DBRESTORE_ENGINE_WAIT_TIMEOUT", "soon"},
		{"bad attempt count", "DBRESTORE_FETCH_ATTEMPTS", "many"},
		{"zero attempts", "DBRESTORE_FETCH_ATTEMPTS", "0"},
		{"bad tls flag", "DBRESTORE_S3_DISABLE_TLS", "kinda"},
		{"bad keep flag", "DBRESTORE_KEEP_DUMP", "perhaps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setValidEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cerr.Var != tt.key {
				t.Errorf("expected error to name %s, got %s", tt.key, cerr.Var)
			}
		})
	}
}

func TestLoad_Overrides(t *testing.T) {
	setValidEnv(t)
	t.Setenv("DBRESTORE_S3_ENDPOINT", "minio.internal:9000")
	t.Setenv("DBRESTORE_S3_DISABLE_TLS", "true")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_PORT", "5433")
	t.Setenv("DBRESTORE_ENGINE_WAIT_TIMEOUT", "45s")
	t.Setenv("DBRESTORE_FETCH_ATTEMPTS", "3")
	t.Setenv("DBRESTORE_KEEP_DUMP", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	if cfg.Store.Endpoint != "minio.internal:9000" || !cfg.Store.DisableTLS {
		t.Errorf("store overrides not applied: %+v", cfg.Store)
	}
	if cfg.Database.Host != "db" || cfg.Database.Port != 5433 {
		t.Errorf("database overrides not applied: %+v", cfg.Database)
	}
	if cfg.Restore.EngineWaitTimeout != 45*time.Second {
		t.Errorf("expected 45s wait timeout, got %s", cfg.Restore.EngineWaitTimeout)
	}
	if cfg.Restore.FetchAttempts != 3 || !cfg.Restore.KeepDump {
		t.Errorf("restore overrides not applied: %+v", cfg.Restore)
	}
}

func TestConnString(t *testing.T) {
	db := DatabaseConfig{
		Host:     "db",
		Port:     5432,
		User:     "anyway",
		Password: "hunter2",
		Name:     "anyway",
		SSLMode:  "disable",
	}

	got := db.ConnString()
	want := "postgres://anyway:hunter2@db:5432/anyway?sslmode=disable"
	if got != want {
		t.Errorf("ConnString() = %q, want %q", got, want)
	}
}

func TestConnString_PasswordSurvivesURLParsing(t *testing.T) {
	// Passwords with spaces and URL separators must round-trip through the
	// DSN exactly; the driver parses the userinfo section, which does not
	// decode query-style "+" back to a space.
	passwords := []string{
		"p@ss word",
		"a+b c",
		"sl/ash:colon@at",
		"perc%20ent",
	}

	for _, password := range passwords {
		t.Run(password, func(t *testing.T) {
			db := DatabaseConfig{
				Host:     "db",
				Port:     5432,
				User:     "anyway",
				Password: password,
				Name:     "anyway",
				SSLMode:  "disable",
			}

			u, err := url.Parse(db.ConnString())
			if err != nil {
				t.Fatalf("ConnString() produced an unparsable URL: %v", err)
			}
			got, _ := u.User.Password()
			if got != password {
				t.Errorf("password mangled by DSN: sent %q, driver will see %q", password, got)
			}
			if user := u.User.Username(); user != "anyway" {
				t.Errorf("username mangled by DSN: got %q", user)
			}
		})
	}
}
