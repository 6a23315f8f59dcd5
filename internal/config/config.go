package config

import "time"

// Store backends understood by LoadConfig.
const (
	StoreBackendAuto     = "auto"
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
	StoreBackendNone     = "none"
)

// Config holds runtime configuration for the bothost service.
type Config struct {
	Environment   string
	LogLevel      string
	Addr          string
	CoreToken     string
	StoreBackend  string
	DatabaseURL   string
	MigrationsDir string
	AutoMigrate   bool

	Workdir         string
	MaxArchiveBytes int64
	UnpackTimeout   time.Duration
	InstallTimeout  time.Duration
	AnalyzeTimeout  time.Duration
	StopGracePeriod time.Duration
	Shell           string
	NodeInstallCmd  string
	PythonInstall   string

	AnalyzerURL   string
	AnalyzerToken string

	LogFlushInterval time.Duration
	LogFlushSize     int
	LogTailSize      int
	SnapshotLogLimit int
	StoreTimeout     time.Duration

	BusQueueSize       int
	BusIdleGrace       time.Duration
	BusSweepEvery      time.Duration
	SSEHeartbeat       time.Duration
	SSERetry           time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadConfig constructs a Config from environment variables.
func LoadConfig() Config {
	return Config{
		Environment:   GetString("APP_ENV", "development"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		Addr:          GetString("BOTHOST_ADDR", ":4100"),
		CoreToken:     GetString("CORE_TOKEN", ""),
		StoreBackend:  GetString("STORE_BACKEND", StoreBackendAuto),
		DatabaseURL:   GetString("DATABASE_URL", ""),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		AutoMigrate:   GetBool("DB_AUTO_MIGRATE", true),

		Workdir:         GetString("BOTHOST_WORKDIR", "/tmp/bothost"),
		MaxArchiveBytes: int64(GetInt("MAX_ARCHIVE_MB", 50)) << 20,
		UnpackTimeout:   GetDuration("UNPACK_TIMEOUT", 60*time.Second),
		InstallTimeout:  GetDuration("INSTALL_TIMEOUT", 10*time.Minute),
		AnalyzeTimeout:  GetDuration("ANALYZE_TIMEOUT", 20*time.Second),
		StopGracePeriod: GetDuration("STOP_GRACE_PERIOD", 10*time.Second),
		Shell:           GetString("BOTHOST_SHELL", "/bin/sh"),
		NodeInstallCmd:  GetString("NODE_INSTALL_COMMAND", "npm install --omit=dev --no-audit --no-fund"),
		PythonInstall:   GetString("PYTHON_INSTALL_COMMAND", "pip install --no-input -r requirements.txt"),

		AnalyzerURL:   GetString("ANALYZER_URL", ""),
		AnalyzerToken: GetString("ANALYZER_TOKEN", ""),

		LogFlushInterval: GetDuration("LOG_FLUSH_INTERVAL", time.Second),
		LogFlushSize:     GetInt("LOG_FLUSH_SIZE", 200),
		LogTailSize:      GetInt("LOG_TAIL_SIZE", 200),
		SnapshotLogLimit: GetInt("SNAPSHOT_LOG_LIMIT", 500),
		StoreTimeout:     GetDuration("STORE_TIMEOUT", 5*time.Second),

		BusQueueSize:       GetInt("BUS_QUEUE_SIZE", 256),
		BusIdleGrace:       GetDuration("BUS_IDLE_GRACE", 2*time.Minute),
		BusSweepEvery:      GetDuration("BUS_SWEEP_INTERVAL", 30*time.Second),
		SSEHeartbeat:       GetDuration("SSE_HEARTBEAT", 30*time.Second),
		SSERetry:           GetDuration("SSE_RETRY", 3*time.Second),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}

// ResolvedStoreBackend maps the auto backend onto postgres or none depending
// on whether a database URL is configured.
func (c Config) ResolvedStoreBackend() string {
	switch c.StoreBackend {
	case StoreBackendPostgres, StoreBackendMemory, StoreBackendNone:
		return c.StoreBackend
	}
	if c.DatabaseURL != "" {
		return StoreBackendPostgres
	}
	return StoreBackendNone
}
