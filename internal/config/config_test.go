package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	lookup := mapLookup(map[string]string{})
	cfg, err := Load("fedquery-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.ObjectStore.Endpoint != "localhost:9000" {
		t.Fatalf("ObjectStore.Endpoint = %q", cfg.ObjectStore.Endpoint)
	}
	if cfg.Registry.MaxOpenConns != 20 {
		t.Fatalf("Registry.MaxOpenConns = %d", cfg.Registry.MaxOpenConns)
	}
	if cfg.Federation.MaxConnections != 10 {
		t.Fatalf("Federation.MaxConnections = %d", cfg.Federation.MaxConnections)
	}
	if cfg.Federation.MinConnections != 2 {
		t.Fatalf("Federation.MinConnections = %d", cfg.Federation.MinConnections)
	}
	if cfg.Federation.QueryTimeout != 60*time.Second {
		t.Fatalf("Federation.QueryTimeout = %v", cfg.Federation.QueryTimeout)
	}
	if cfg.Federation.AttachTTL != time.Hour {
		t.Fatalf("Federation.AttachTTL = %v", cfg.Federation.AttachTTL)
	}
	if !cfg.Federation.EnableHTTPFS {
		t.Fatal("Federation.EnableHTTPFS should default to true")
	}
	if len(cfg.Federation.Extensions) != 3 {
		t.Fatalf("Federation.Extensions = %v", cfg.Federation.Extensions)
	}
}

func TestLoadProdProfileDefaults(t *testing.T) {
	lookup := mapLookup(map[string]string{"FEDQUERY_PROFILE": "prod"})
	cfg, err := Load("fedquery-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileProd {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileProd)
	}
	if !cfg.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.ObjectStore.UseSSL {
		t.Fatal("ObjectStore.UseSSL should default to true in prod")
	}
	if cfg.ObjectStore.AutoCreateBucket {
		t.Fatal("ObjectStore.AutoCreateBucket should default to false in prod")
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"FEDQUERY_PROFILE":                  "test",
		"FEDQUERY_HTTP_ADDR":                ":9999",
		"FEDQUERY_HTTP_READ_TIMEOUT":        "2s",
		"FEDQUERY_LOG_LEVEL":                "error",
		"FEDQUERY_AUTH_REQUIRED":            "true",
		"FEDQUERY_AUTH_STATIC_KEYS":         "k1:t1:query_reader",
		"FEDQUERY_REGISTRY_DSN":             "postgres://example",
		"FEDQUERY_REGISTRY_MAX_OPEN_CONNS":  "42",
		"FEDQUERY_SERVICE_NAME":             "fedquery-custom",
		"FEDQUERY_POOL_MAX_CONNECTIONS":     "16",
		"FEDQUERY_POOL_MIN_CONNECTIONS":     "4",
		"FEDQUERY_POOL_CONNECTION_TIMEOUT":  "7s",
		"FEDQUERY_QUERY_TIMEOUT":            "90s",
		"FEDQUERY_POOL_MONITOR_INTERVAL":    "10s",
		"FEDQUERY_ATTACH_TTL":               "30m",
		"FEDQUERY_ENABLE_HTTPFS":            "false",
		"FEDQUERY_EXTENSIONS":               "postgres, sqlite",
		"FEDQUERY_TABLE_INFO_SAMPLE_ROWS":   "5",
		"FEDQUERY_OBJECTSTORE_ENDPOINT":     "minio:9000",
		"FEDQUERY_OBJECTSTORE_BUCKET":       "files",
	})
	cfg, err := Load("fedquery-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "fedquery-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.HTTP.ReadTimeout != 2*time.Second {
		t.Fatalf("HTTP.ReadTimeout = %v", cfg.HTTP.ReadTimeout)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Registry.DSN != "postgres://example" {
		t.Fatalf("Registry.DSN = %q", cfg.Registry.DSN)
	}
	if cfg.Registry.MaxOpenConns != 42 {
		t.Fatalf("Registry.MaxOpenConns = %d", cfg.Registry.MaxOpenConns)
	}
	if cfg.Federation.MaxConnections != 16 {
		t.Fatalf("Federation.MaxConnections = %d", cfg.Federation.MaxConnections)
	}
	if cfg.Federation.MinConnections != 4 {
		t.Fatalf("Federation.MinConnections = %d", cfg.Federation.MinConnections)
	}
	if cfg.Federation.ConnectionTimeout != 7*time.Second {
		t.Fatalf("Federation.ConnectionTimeout = %v", cfg.Federation.ConnectionTimeout)
	}
	if cfg.Federation.QueryTimeout != 90*time.Second {
		t.Fatalf("Federation.QueryTimeout = %v", cfg.Federation.QueryTimeout)
	}
	if cfg.Federation.MonitorInterval != 10*time.Second {
		t.Fatalf("Federation.MonitorInterval = %v", cfg.Federation.MonitorInterval)
	}
	if cfg.Federation.AttachTTL != 30*time.Minute {
		t.Fatalf("Federation.AttachTTL = %v", cfg.Federation.AttachTTL)
	}
	if cfg.Federation.EnableHTTPFS {
		t.Fatal("Federation.EnableHTTPFS should be overridden to false")
	}
	if len(cfg.Federation.Extensions) != 2 || cfg.Federation.Extensions[0] != "postgres" || cfg.Federation.Extensions[1] != "sqlite" {
		t.Fatalf("Federation.Extensions = %v", cfg.Federation.Extensions)
	}
	if cfg.Federation.SampleRows != 5 {
		t.Fatalf("Federation.SampleRows = %d", cfg.Federation.SampleRows)
	}
	if cfg.ObjectStore.Endpoint != "minio:9000" {
		t.Fatalf("ObjectStore.Endpoint = %q", cfg.ObjectStore.Endpoint)
	}
}

func TestLoadRejectsInvalidProfile(t *testing.T) {
	_, err := Load("fedquery-api", mapLookup(map[string]string{"FEDQUERY_PROFILE": "staging"}))
	if err == nil {
		t.Fatal("expected error for invalid profile")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	_, err := Load("fedquery-api", mapLookup(map[string]string{"FEDQUERY_QUERY_TIMEOUT": "soon"}))
	if err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoadRejectsMinAboveMax(t *testing.T) {
	_, err := Load("fedquery-api", mapLookup(map[string]string{
		"FEDQUERY_POOL_MAX_CONNECTIONS": "2",
		"FEDQUERY_POOL_MIN_CONNECTIONS": "5",
	}))
	if err == nil {
		t.Fatal("expected error when min connections exceed max")
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
