// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const defaultJWTSecret = "your-secret-key-change-in-production"

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	JWTSecret   string `mapstructure:"JWT_SECRET"`
	JWTIssuer   string `mapstructure:"JWT_ISSUER"`
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"APP_ENV"`

	DBDriver     string `mapstructure:"DB_DRIVER"`
	DBHost       string `mapstructure:"DB_HOST"`
	DBPort       string `mapstructure:"DB_PORT"`
	DBUser       string `mapstructure:"DB_USER"`
	DBPassword   string `mapstructure:"DB_PASSWORD"`
	DBName       string `mapstructure:"DB_NAME"`
	DBSSLMode    string `mapstructure:"DB_SSLMODE"`
	DBSQLitePath string `mapstructure:"DB_SQLITE_PATH"`
	DBReadHost   string `mapstructure:"DB_READ_HOST"`
	DBReadPort   string `mapstructure:"DB_READ_PORT"`

	RedisURL            string `mapstructure:"REDIS_URL"`
	RealtimeSharedState bool   `mapstructure:"REALTIME_SHARED_STATE"`
	AllowedOrigins      string `mapstructure:"ALLOWED_ORIGINS"`
	FeatureFlags        string `mapstructure:"FEATURE_FLAGS"`
	DevSeedFixtures     string `mapstructure:"DEV_SEED_FIXTURES"`

	MessageRateLimit    int `mapstructure:"MESSAGE_RATE_LIMIT"`
	MessageRateWindowMS int `mapstructure:"MESSAGE_RATE_WINDOW_MS"`
	TypingThrottleMS    int `mapstructure:"TYPING_THROTTLE_MS"`
	DisplayNameTTLMS    int `mapstructure:"DISPLAY_NAME_TTL_MS"`
	MaxConnsPerUser     int `mapstructure:"MAX_CONNS_PER_USER"`
	MaxTotalConns       int `mapstructure:"MAX_TOTAL_CONNS"`

	StorageDriver        string `mapstructure:"STORAGE_DRIVER"`
	StorageLocalPath     string `mapstructure:"STORAGE_LOCAL_PATH"`
	StoragePublicBaseURL string `mapstructure:"STORAGE_PUBLIC_BASE_URL"`
	S3Bucket             string `mapstructure:"S3_BUCKET"`
	S3Region             string `mapstructure:"S3_REGION"`
	S3Endpoint           string `mapstructure:"S3_ENDPOINT"`
	S3AccessKey          string `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey          string `mapstructure:"S3_SECRET_KEY"`
	MaxUploadMB          int    `mapstructure:"MAX_UPLOAD_MB"`

	LiveKitURL             string `mapstructure:"LIVEKIT_URL"`
	LiveKitAPIKey          string `mapstructure:"LIVEKIT_API_KEY"`
	LiveKitAPISecret       string `mapstructure:"LIVEKIT_API_SECRET"`
	LiveKitTokenTTLMinutes int    `mapstructure:"LIVEKIT_TOKEN_TTL_MINUTES"`

	TracingEnabled      bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter     string  `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint        string  `mapstructure:"OTLP_ENDPOINT"`
	TracingSamplerRatio float64 `mapstructure:"TRACING_SAMPLER_RATIO"`
}

// LoadConfig loads application configuration from file and environment variables.
func LoadConfig() (*Config, error) {
	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// The base file is optional.
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "test" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	SetDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults registers development defaults for every key so AutomaticEnv
// can bind them during Unmarshal.
func SetDefaults() {
	viper.SetDefault("PORT", "8375")
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("JWT_SECRET", defaultJWTSecret)
	viper.SetDefault("JWT_ISSUER", "")
	viper.SetDefault("JWT_AUDIENCE", "")

	viper.SetDefault("DB_DRIVER", "postgres")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "user")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "lectern")
	viper.SetDefault("DB_SSLMODE", "disable")
	viper.SetDefault("DB_SQLITE_PATH", "lectern.db")
	viper.SetDefault("DB_READ_HOST", "")
	viper.SetDefault("DB_READ_PORT", "5432")

	viper.SetDefault("REDIS_URL", "")
	viper.SetDefault("REALTIME_SHARED_STATE", false)
	viper.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000,http://127.0.0.1:5173")
	viper.SetDefault("FEATURE_FLAGS", "")
	viper.SetDefault("DEV_SEED_FIXTURES", "")

	viper.SetDefault("MESSAGE_RATE_LIMIT", 30)
	viper.SetDefault("MESSAGE_RATE_WINDOW_MS", 10000)
	viper.SetDefault("TYPING_THROTTLE_MS", 1500)
	viper.SetDefault("DISPLAY_NAME_TTL_MS", 60000)
	viper.SetDefault("MAX_CONNS_PER_USER", 12)
	viper.SetDefault("MAX_TOTAL_CONNS", 10000)

	viper.SetDefault("STORAGE_DRIVER", "local")
	viper.SetDefault("STORAGE_LOCAL_PATH", "./uploads")
	viper.SetDefault("STORAGE_PUBLIC_BASE_URL", "http://localhost:8375/uploads")
	viper.SetDefault("S3_BUCKET", "")
	viper.SetDefault("S3_REGION", "us-east-1")
	viper.SetDefault("S3_ENDPOINT", "")
	viper.SetDefault("S3_ACCESS_KEY", "")
	viper.SetDefault("S3_SECRET_KEY", "")
	viper.SetDefault("MAX_UPLOAD_MB", 25)

	viper.SetDefault("LIVEKIT_URL", "")
	viper.SetDefault("LIVEKIT_API_KEY", "")
	viper.SetDefault("LIVEKIT_API_SECRET", "")
	viper.SetDefault("LIVEKIT_TOKEN_TTL_MINUTES", 60)

	viper.SetDefault("TRACING_ENABLED", false)
	viper.SetDefault("TRACING_EXPORTER", "stdout")
	viper.SetDefault("OTLP_ENDPOINT", "localhost:4318")
	viper.SetDefault("TRACING_SAMPLER_RATIO", 1.0)
}

func (c *Config) normalize() {
	c.DBSSLMode = strings.ToLower(strings.TrimSpace(c.DBSSLMode))
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	c.StorageDriver = strings.ToLower(strings.TrimSpace(c.StorageDriver))
}

// IsProduction reports whether the config targets a production deployment.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// MessageRateWindow returns the sliding window used for message sends.
func (c *Config) MessageRateWindow() time.Duration {
	return time.Duration(c.MessageRateWindowMS) * time.Millisecond
}

// TypingThrottle returns the minimum gap between typing broadcasts.
func (c *Config) TypingThrottle() time.Duration {
	return time.Duration(c.TypingThrottleMS) * time.Millisecond
}

// DisplayNameTTL returns the lifetime of cached display names.
func (c *Config) DisplayNameTTL() time.Duration {
	return time.Duration(c.DisplayNameTTLMS) * time.Millisecond
}

// LiveKitTokenTTL returns the validity of issued call tokens.
func (c *Config) LiveKitTokenTTL() time.Duration {
	return time.Duration(c.LiveKitTokenTTLMinutes) * time.Minute
}

// MaxUploadBytes returns the attachment size limit.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver)
	}
	switch c.StorageDriver {
	case "local", "s3":
	default:
		return fmt.Errorf("STORAGE_DRIVER must be local or s3, got %q", c.StorageDriver)
	}
	if c.StorageDriver == "s3" && c.S3Bucket == "" {
		return errors.New("S3_BUCKET is required when STORAGE_DRIVER is s3")
	}
	if c.MessageRateLimit <= 0 || c.MessageRateWindowMS <= 0 {
		return errors.New("MESSAGE_RATE_LIMIT and MESSAGE_RATE_WINDOW_MS must be positive")
	}
	if c.TypingThrottleMS < 0 || c.DisplayNameTTLMS < 0 {
		return errors.New("TYPING_THROTTLE_MS and DISPLAY_NAME_TTL_MS must not be negative")
	}
	if c.MaxUploadMB <= 0 {
		return errors.New("MAX_UPLOAD_MB must be positive")
	}
	if c.RealtimeSharedState && c.RedisURL == "" {
		return errors.New("REALTIME_SHARED_STATE requires REDIS_URL")
	}

	// Strict checks for production
	if c.IsProduction() {
		if c.JWTSecret == defaultJWTSecret {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.DBDriver != "postgres" {
			return errors.New("DB_DRIVER must be postgres in production")
		}
		if c.DBPassword == "password" || c.DBPassword == "" {
			return errors.New("a strong DB_PASSWORD is required in production")
		}
		if c.DBSSLMode == "disable" || c.DBSSLMode == "" {
			return errors.New("DB_SSLMODE must enable TLS in production")
		}
		if c.AllowedOrigins == "*" {
			log.Println("WARNING: ALLOWED_ORIGINS is set to '*' in production. This is insecure.")
		}
		if c.LiveKitURL == "" {
			log.Println("WARNING: LIVEKIT_URL is not set; call token issuance will be unavailable.")
		}
	} else if len(c.JWTSecret) < 32 {
		log.Println("WARNING: JWT_SECRET is shorter than 32 characters. Consider using a stronger secret for production.")
	}

	return nil
}
