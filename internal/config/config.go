package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	// InternalAPIToken authorizes operator routes under /internal.
	InternalAPIToken string

	Observability ObservabilityConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis     RedisConfig
	Storage   StorageConfig
	Backup    BackupConfig
	Lifecycle LifecycleConfig
	Scheduler SchedulerConfig
	Capacity  CapacityConfig

	RetentionConfigPath string
}

type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string

	OtelEnabled       bool
	OtelEndpoint      string
	OtelProtocol      string
	OtelSamplingRatio float64
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

type StorageConfig struct {
	Backend   string
	LocalRoot string

	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	BreakerFailureThreshold uint32
	BreakerOpenTimeout      time.Duration
}

type BackupConfig struct {
	ScratchDir       string
	MaxArchiveBytes  int64
	MaxExtractBytes  int64
	TTL              time.Duration
	InFlightTTL      time.Duration
	StuckAfter       time.Duration
	Workers          int64
	Tables           []string
	IncludeTemplates []string
	ExcludeTemplates []string

	DownloadRate  float64
	DownloadBurst int
}

type LifecycleConfig struct {
	StaleAfter      time.Duration
	ExemptPrefixes  []string
	ArchivedActions []string
	// StatusCacheTTL bounds how long the request gate may serve a stale status. Zero disables the cache.
	StatusCacheTTL time.Duration
}

type SchedulerConfig struct {
	RunInterval time.Duration
	BatchSize   int
	EnabledJobs []string
}

// CapacityConfig controls periodic pushes of per-organization backup usage.
type CapacityConfig struct {
	Enabled   bool
	Exporter  string
	Endpoint  string
	AuthToken string
	Interval  time.Duration
}

const (
	StorageBackendLocal = "local"
	StorageBackendS3    = "s3"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "tenantvault"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		Observability: ObservabilityConfig{
			LogLevel:          strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:         strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			OtelEnabled:       getenvBool("OTEL_ENABLED", false),
			OtelEndpoint:      strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OtelProtocol:      otlpProtocol(),
			OtelSamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},

		InternalAPIToken: strings.TrimSpace(getenv("INTERNAL_API_TOKEN", "")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "tenantvault"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME_SECONDS", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_SECONDS", 300),

		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "localhost:6379")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},

		Storage: StorageConfig{
			Backend:                 strings.ToLower(getenv("STORAGE_BACKEND", StorageBackendLocal)),
			LocalRoot:               getenv("STORAGE_LOCAL_ROOT", "./data/storage"),
			S3Bucket:                strings.TrimSpace(getenv("STORAGE_S3_BUCKET", "")),
			S3Region:                getenv("STORAGE_S3_REGION", "us-east-1"),
			S3Endpoint:              strings.TrimSpace(getenv("STORAGE_S3_ENDPOINT", "")),
			S3AccessKey:             strings.TrimSpace(getenv("STORAGE_S3_ACCESS_KEY", "")),
			S3SecretKey:             strings.TrimSpace(getenv("STORAGE_S3_SECRET_KEY", "")),
			S3UsePathStyle:          getenvBool("STORAGE_S3_PATH_STYLE", true),
			BreakerFailureThreshold: uint32(getenvInt("STORAGE_BREAKER_FAILURES", 5)),
			BreakerOpenTimeout:      getenvDuration("STORAGE_BREAKER_OPEN_TIMEOUT", 30*time.Second),
		},

		Backup: BackupConfig{
			ScratchDir:       getenv("BACKUP_SCRATCH_DIR", os.TempDir()),
			MaxArchiveBytes:  getenvInt64("BACKUP_MAX_ARCHIVE_BYTES", 2<<30),
			MaxExtractBytes:  getenvInt64("BACKUP_MAX_EXTRACT_BYTES", 8<<30),
			TTL:              getenvDuration("BACKUP_TTL", 0),
			InFlightTTL:      getenvDuration("BACKUP_INFLIGHT_TTL", 30*time.Minute),
			StuckAfter:       getenvDuration("BACKUP_STUCK_AFTER", 2*time.Hour),
			Workers:          getenvInt64("BACKUP_WORKERS", 2),
			Tables:           parseList(getenv("BACKUP_TABLES", "")),
			IncludeTemplates: parseList(getenv("BACKUP_INCLUDE_PREFIXES", "")),
			ExcludeTemplates: parseList(getenv("BACKUP_EXCLUDE_PREFIXES", "")),
			DownloadRate:     getenvFloat("BACKUP_DOWNLOAD_RATE", 0.2),
			DownloadBurst:    getenvInt("BACKUP_DOWNLOAD_BURST", 3),
		},

		Lifecycle: LifecycleConfig{
			StaleAfter:      getenvDuration("LIFECYCLE_STALE_AFTER", time.Hour),
			ExemptPrefixes:  parseList(getenv("LIFECYCLE_EXEMPT_PREFIXES", "/static/,/assets/,/health,/metrics,/public/")),
			ArchivedActions: parseList(getenv("LIFECYCLE_ARCHIVED_ACTIONS", "auth,billing,settings_read,lifecycle_read")),
			StatusCacheTTL:  getenvDuration("LIFECYCLE_STATUS_CACHE_TTL", 15*time.Second),
		},

		Scheduler: SchedulerConfig{
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			BatchSize:   getenvInt("SCHEDULER_BATCH_SIZE", 50),
			EnabledJobs: parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
		},

		Capacity: CapacityConfig{
			Enabled:   getenvBool("CAPACITY_METRICS_ENABLED", false),
			Exporter:  getenv("CAPACITY_METRICS_EXPORTER", "prometheus_remote_write"),
			Endpoint:  getenv("CAPACITY_METRICS_ENDPOINT", ""),
			AuthToken: getenv("CAPACITY_METRICS_AUTH_TOKEN", ""),
			Interval:  getenvDuration("CAPACITY_METRICS_INTERVAL", 15*time.Minute),
		},

		RetentionConfigPath: strings.TrimSpace(getenv("RETENTION_CONFIG_PATH", "")),
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// otlpProtocol prefers the traces-specific protocol when one is set.
func otlpProtocol() string {
	protocol := getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))
	return strings.ToLower(strings.TrimSpace(protocol))
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go duration strings ("90m") or a bare number of seconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return def
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
