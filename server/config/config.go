package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
)

type Config struct {
	Server   ServerConfig
	ML       MLConfig
	Security SecurityConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Analysis AnalysisConfig
	Report   ReportConfig
	Tracing  TracingConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Host         string        `env:"SERVER_HOST"          envDefault:"0.0.0.0"`
	Port         int           `env:"SERVER_PORT"          envDefault:"8080"`
	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT"  envDefault:"30s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"60s"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT"  envDefault:"60s"`
	Environment  string        `env:"ENVIRONMENT"          envDefault:"development"`
}

type MLConfig struct {
	BaseURL             string        `env:"ML_BASE_URL"              envDefault:"http://localhost:5000"`
	Timeout             time.Duration `env:"ML_TIMEOUT"               envDefault:"60s"`
	MaxRetries          int           `env:"ML_MAX_RETRIES"           envDefault:"3"`
	RetryDelay          time.Duration `env:"ML_RETRY_DELAY"           envDefault:"1s"`
	HealthCheckInterval time.Duration `env:"ML_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	CacheTTL            time.Duration `env:"ML_CACHE_TTL"             envDefault:"10m"`
}

type SecurityConfig struct {
	AuthEnabled       bool          `env:"AUTH_ENABLED"        envDefault:"false"`
	JWTSecretKey      string        `env:"JWT_SECRET_KEY"`
	AllowedOrigins    []string      `env:"ALLOWED_ORIGINS"     envDefault:"*" envSeparator:","`
	MetricsAllowedIPs []string      `env:"METRICS_ALLOWED_IPS" envDefault:"*" envSeparator:","`
	RateLimitRPS      int           `env:"RATE_LIMIT_RPS"      envDefault:"100"`
	RateLimitBurst    int           `env:"RATE_LIMIT_BURST"    envDefault:"200"`
	MaxRequestSize    int64         `env:"MAX_REQUEST_SIZE"    envDefault:"104857600"`
	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT"     envDefault:"60s"`
	EnableHTTPS       bool          `env:"ENABLE_HTTPS"        envDefault:"false"`
	CertFile          string        `env:"CERT_FILE"`
	KeyFile           string        `env:"KEY_FILE"`
}

type DatabaseConfig struct {
	Driver   string `env:"DB_DRIVER"    envDefault:"postgres"`
	Host     string `env:"DB_HOST"      envDefault:"localhost"`
	Port     int    `env:"DB_PORT"      envDefault:"5432"`
	User     string `env:"DB_USER"      envDefault:"postgres"`
	Password string `env:"DB_PASSWORD"`
	DBName   string `env:"DB_NAME"      envDefault:"ultrascan"`
	SSLMode  string `env:"DB_SSL_MODE"  envDefault:"disable"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"25"`
	MinConns int32  `env:"DB_MIN_CONNS" envDefault:"2"`
}

// DSN returns a postgres connection URL for the configured database.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Host     string `env:"REDIS_HOST"`
	Port     int    `env:"REDIS_PORT"      envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"        envDefault:"0"`
	PoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"10"`
}

type StorageConfig struct {
	Driver        string        `env:"STORAGE_DRIVER"         envDefault:"minio"`
	Endpoint      string        `env:"MINIO_ENDPOINT"         envDefault:"localhost:9000"`
	AccessKey     string        `env:"MINIO_ACCESS_KEY"       envDefault:"minioadmin"`
	SecretKey     string        `env:"MINIO_SECRET_KEY"       envDefault:"minioadmin"`
	UseSSL        bool          `env:"MINIO_USE_SSL"          envDefault:"false"`
	VideoBucket   string        `env:"STORAGE_VIDEO_BUCKET"   envDefault:"scan-videos"`
	ImageBucket   string        `env:"STORAGE_IMAGE_BUCKET"   envDefault:"scan-images"`
	ReportBucket  string        `env:"STORAGE_REPORT_BUCKET"  envDefault:"reports"`
	PresignExpiry time.Duration `env:"STORAGE_PRESIGN_EXPIRY" envDefault:"1h"`
	CopyWorkers   int           `env:"STORAGE_COPY_WORKERS"   envDefault:"4"`
}

type AnalysisConfig struct {
	Workers            int           `env:"ANALYSIS_WORKERS"              envDefault:"2"`
	QueueSize          int           `env:"ANALYSIS_QUEUE_SIZE"           envDefault:"16"`
	DefaultRate        int           `env:"ANALYSIS_DEFAULT_RATE"         envDefault:"30"`
	MaxDetections      int           `env:"ANALYSIS_MAX_DETECTIONS"       envDefault:"500"`
	FrameWidth         int           `env:"ANALYSIS_FRAME_WIDTH"          envDefault:"640"`
	FrameHeight        int           `env:"ANALYSIS_FRAME_HEIGHT"         envDefault:"480"`
	FFmpegPath         string        `env:"FFMPEG_PATH"                   envDefault:"ffmpeg"`
	FFprobePath        string        `env:"FFPROBE_PATH"                  envDefault:"ffprobe"`
	TempDir            string        `env:"TEMP_DIR"                      envDefault:"/tmp/ultrascan"`
	SessionTTL         time.Duration `env:"ANALYSIS_SESSION_TTL"          envDefault:"6h"`
	ShutdownTimeout    time.Duration `env:"ANALYSIS_SHUTDOWN_TIMEOUT"     envDefault:"20s"`
	ReconcileInterval  time.Duration `env:"RELOCATION_RECONCILE_INTERVAL" envDefault:"1m"`
	RelocationAttempts int           `env:"RELOCATION_MAX_ATTEMPTS"       envDefault:"10"`
}

type ReportConfig struct {
	HospitalName     string `env:"REPORT_HOSPITAL_NAME"      envDefault:"THE SETV.G HOSPITAL"`
	Tagline          string `env:"REPORT_TAGLINE"            envDefault:"Accurate | Caring | Instant"`
	Phone            string `env:"REPORT_PHONE"              envDefault:"040-XXXXXXXXX / +91 XX XXX XXX"`
	Email            string `env:"REPORT_EMAIL"              envDefault:"setvgbhospital@gmail.com"`
	Address          string `env:"REPORT_ADDRESS"            envDefault:"SETV.ASRV LLP, Avishkaran, NIPER, Balanagar, Hyderabad, Telangana, 500037."`
	EmergencyContact string `env:"REPORT_EMERGENCY_CONTACT"  envDefault:"+91 XXXXXXXXXX"`
}

type TracingConfig struct {
	Enabled     bool   `env:"TRACING_ENABLED"  envDefault:"false"`
	Endpoint    string `env:"OTLP_ENDPOINT"    envDefault:"http://localhost:4318/v1/traces"`
	ServiceName string `env:"SERVICE_NAME"     envDefault:"ultrascan-backend"`
}

type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL"  envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "server port must be between 1 and 65535")
	}

	if c.ML.BaseURL == "" {
		errors = append(errors, "ML base URL is required")
	}

	if c.ML.MaxRetries < 0 {
		errors = append(errors, "ML max retries must not be negative")
	}

	if c.Security.AuthEnabled && c.Security.JWTSecretKey == "" {
		errors = append(errors, "JWT secret key is required when auth is enabled")
	} else if c.Security.JWTSecretKey == "" {
		logger.Warn("JWT secret key not set, protected routes are open")
	}

	if c.Security.MaxRequestSize <= 0 {
		errors = append(errors, "max request size must be positive")
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			errors = append(errors, "database host is required")
		}
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			errors = append(errors, "database port must be between 1 and 65535")
		}
	case "memory":
		logger.Warn("Using in-memory visit store, records are lost on restart")
	default:
		errors = append(errors, fmt.Sprintf("unknown database driver %q", c.Database.Driver))
	}

	if c.Redis.Host != "" && (c.Redis.Port < 1 || c.Redis.Port > 65535) {
		errors = append(errors, "Redis port must be between 1 and 65535")
	}

	switch c.Storage.Driver {
	case "minio":
		if c.Storage.Endpoint == "" {
			errors = append(errors, "object storage endpoint is required")
		}
	case "memory":
		logger.Warn("Using in-memory object storage, artifacts are lost on restart")
	default:
		errors = append(errors, fmt.Sprintf("unknown storage driver %q", c.Storage.Driver))
	}

	if c.Analysis.Workers < 1 {
		errors = append(errors, "analysis workers must be at least 1")
	}

	if c.Analysis.QueueSize < 1 {
		errors = append(errors, "analysis queue size must be at least 1")
	}

	if c.Analysis.DefaultRate < 1 || c.Analysis.DefaultRate > 60 {
		errors = append(errors, "default sampling rate must be between 1 and 60")
	}

	if c.Analysis.FrameWidth < 1 || c.Analysis.FrameHeight < 1 {
		errors = append(errors, "frame canvas dimensions must be positive")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, ", "))
	}

	return nil
}
