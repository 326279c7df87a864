package config

import (
	"reflect"
	"strings"
	"testing"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("DB_PATH", "./data/research.db")
	t.Setenv("GRPC_HEALTH_PORT", "")
	t.Setenv("RESEARCH_PERSONAS", "jamie, alex ,morgan,,priya")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Store.Driver != DriverSQLite {
		t.Errorf("expected sqlite driver, got %q", cfg.Store.Driver)
	}
	want := []string{"jamie", "alex", "morgan", "priya"}
	if !reflect.DeepEqual(cfg.Research.Personas, want) {
		t.Errorf("personas = %v, want %v", cfg.Research.Personas, want)
	}
	if cfg.GRPCHealthPort != "" {
		t.Errorf("expected empty gRPC port to disable the listener, got %q", cfg.GRPCHealthPort)
	}
	if cfg.Research.CodePrefix != "RES" || cfg.Research.CodeLength != 6 {
		t.Errorf("unexpected code format %s/%d", cfg.Research.CodePrefix, cfg.Research.CodeLength)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "STORE_DRIVER") {
		t.Fatalf("expected STORE_DRIVER error, got %v", err)
	}
}

func TestValidateDriverRequirements(t *testing.T) {
	base := Config{
		Port:         "8080",
		UserIDHeader: "X-Authenticated-User",
		Research:     ResearchConfig{MaxAttempts: 10, Personas: []string{"jamie"}},
		RateLimit:    RateLimitConfig{RPS: 5, Burst: 10},
	}

	tests := []struct {
		name    string
		store   StoreConfig
		wantErr bool
	}{
		{"sqlite ok", StoreConfig{Driver: DriverSQLite, DBPath: "x.db"}, false},
		{"sqlite no path", StoreConfig{Driver: DriverSQLite}, true},
		{"postgres ok", StoreConfig{Driver: DriverPostgres, DatabaseURL: "postgres://localhost/research"}, false},
		{"postgres no url", StoreConfig{Driver: DriverPostgres}, true},
		{"redis ok", StoreConfig{Driver: DriverRedis, RedisAddr: "localhost:6379"}, false},
		{"redis no addr", StoreConfig{Driver: DriverRedis}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Store = tt.store
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvHelpersFallBack(t *testing.T) {
	t.Setenv("TEST_INT", "nope")
	t.Setenv("TEST_BOOL", "maybe")
	t.Setenv("TEST_FLOAT", "2.5")

	if got := getEnvInt("TEST_INT", 7); got != 7 {
		t.Errorf("getEnvInt fallback = %d, want 7", got)
	}
	if got := getEnvBool("TEST_BOOL", true); !got {
		t.Error("getEnvBool should fall back on unparsable input")
	}
	if got := getEnvFloat("TEST_FLOAT", 1); got != 2.5 {
		t.Errorf("getEnvFloat = %v, want 2.5", got)
	}
}

func TestAllowedOrigins(t *testing.T) {
	dev := &Config{FrontendURL: "http://localhost:5173"}
	if got := dev.AllowedOrigins(); len(got) != 1 || got[0] != "*" {
		t.Errorf("dev origins = %v", got)
	}
	prod := &Config{FrontendURL: "https://coach.example.com"}
	if got := prod.AllowedOrigins(); len(got) != 1 || got[0] != "https://coach.example.com" {
		t.Errorf("prod origins = %v", got)
	}
}
