package config

import (
	"testing"
	"time"
)

func TestResolvedStoreBackend(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		dsn     string
		want    string
	}{
		{name: "auto with database", backend: StoreBackendAuto, dsn: "postgres://localhost/bothost", want: StoreBackendPostgres},
		{name: "auto without database", backend: StoreBackendAuto, want: StoreBackendNone},
		{name: "explicit memory", backend: StoreBackendMemory, dsn: "postgres://localhost/bothost", want: StoreBackendMemory},
		{name: "unknown falls back to auto", backend: "sqlite", want: StoreBackendNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{StoreBackend: tt.backend, DatabaseURL: tt.dsn}
			if got := cfg.ResolvedStoreBackend(); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestGetDuration(t *testing.T) {
	t.Setenv("BOTHOST_TEST_SECONDS", "15")
	t.Setenv("BOTHOST_TEST_DURATION", "250ms")
	t.Setenv("BOTHOST_TEST_BROKEN", "soon")

	if got := GetDuration("BOTHOST_TEST_SECONDS", time.Minute); got != 15*time.Second {
		t.Fatalf("bare integer: got %v", got)
	}
	if got := GetDuration("BOTHOST_TEST_DURATION", time.Minute); got != 250*time.Millisecond {
		t.Fatalf("duration string: got %v", got)
	}
	if got := GetDuration("BOTHOST_TEST_BROKEN", time.Minute); got != time.Minute {
		t.Fatalf("invalid value should fall back, got %v", got)
	}
	if got := GetDuration("BOTHOST_TEST_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("unset value should fall back, got %v", got)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("MAX_ARCHIVE_MB", "2")
	t.Setenv("SSE_HEARTBEAT", "10s")

	cfg := LoadConfig()
	if cfg.MaxArchiveBytes != 2<<20 {
		t.Fatalf("expected 2MiB archive limit, got %d", cfg.MaxArchiveBytes)
	}
	if cfg.SSEHeartbeat != 10*time.Second {
		t.Fatalf("expected heartbeat override, got %v", cfg.SSEHeartbeat)
	}
	if cfg.SSERetry != 3*time.Second {
		t.Fatalf("expected default retry, got %v", cfg.SSERetry)
	}
}
