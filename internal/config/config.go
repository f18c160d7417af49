package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string
	Log         LogConfig
	HTTP        HTTPConfig
	Database    DatabaseConfig
	Auth        AuthConfig
	Billing     BillingConfig
	Plates      PlatesConfig
	Camera      CameraConfig
	Archive     ArchiveConfig
	Analytics   AnalyticsConfig
}

type LogConfig struct {
	Level  string
	Pretty bool
}

type HTTPConfig struct {
	Host        string
	Port        int
	CORSOrigins []string
}

func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DatabaseConfig struct {
	Driver string
	DSN    string
	Path   string
}

type AuthConfig struct {
	JWTSecret string
}

type BillingConfig struct {
	RatePerHour int64
}

type PlateBounds struct {
	MinLength int
	MaxLength int
}

type PlatesConfig struct {
	Camera PlateBounds
	Manual PlateBounds
}

type CameraConfig struct {
	Enabled             bool
	ID                  string
	Model               string
	SnapshotURL         string
	DetectorURL         string
	Interval            time.Duration
	Cooldown            time.Duration
	ConfidenceThreshold float64
	RetryAttempts       int
	Timeout             time.Duration
}

type ArchiveConfig struct {
	Dir            string
	MatchTolerance time.Duration
}

// AnalyticsConfig.Timezone is the IANA zone used to count calendar days.
type AnalyticsConfig struct {
	Timezone string
}

func (c AnalyticsConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverBolt     = "bolt"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8000)
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.path", "parking.db")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("billing.rate_per_hour", 50)
	v.SetDefault("plates.camera.min_length", 5)
	v.SetDefault("plates.camera.max_length", 12)
	v.SetDefault("plates.manual.min_length", 1)
	v.SetDefault("plates.manual.max_length", 0)
	v.SetDefault("camera.enabled", false)
	v.SetDefault("camera.id", "gate-1")
	v.SetDefault("camera.model", "generic")
	v.SetDefault("camera.snapshot_url", "")
	v.SetDefault("camera.detector_url", "")
	v.SetDefault("camera.interval", time.Second)
	v.SetDefault("camera.cooldown", time.Minute)
	v.SetDefault("camera.confidence_threshold", 0.5)
	v.SetDefault("camera.retry_attempts", 3)
	v.SetDefault("camera.timeout", 10*time.Second)
	v.SetDefault("archive.dir", "entries")
	v.SetDefault("archive.match_tolerance", 5*time.Minute)
	v.SetDefault("analytics.timezone", "Local")
}

// Load reads defaults, then the optional config file, then PARKING_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PARKING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		Environment: v.GetString("environment"),
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Pretty: v.GetBool("log.pretty"),
		},
		HTTP: HTTPConfig{
			Host:        v.GetString("http.host"),
			Port:        v.GetInt("http.port"),
			CORSOrigins: v.GetStringSlice("http.cors_origins"),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("database.driver")),
			DSN:    v.GetString("database.dsn"),
			Path:   v.GetString("database.path"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
		},
		Billing: BillingConfig{
			RatePerHour: v.GetInt64("billing.rate_per_hour"),
		},
		Plates: PlatesConfig{
			Camera: PlateBounds{
				MinLength: v.GetInt("plates.camera.min_length"),
				MaxLength: v.GetInt("plates.camera.max_length"),
			},
			Manual: PlateBounds{
				MinLength: v.GetInt("plates.manual.min_length"),
				MaxLength: v.GetInt("plates.manual.max_length"),
			},
		},
		Camera: CameraConfig{
			Enabled:             v.GetBool("camera.enabled"),
			ID:                  v.GetString("camera.id"),
			Model:               v.GetString("camera.model"),
			SnapshotURL:         v.GetString("camera.snapshot_url"),
			DetectorURL:         v.GetString("camera.detector_url"),
			Interval:            v.GetDuration("camera.interval"),
			Cooldown:            v.GetDuration("camera.cooldown"),
			ConfidenceThreshold: v.GetFloat64("camera.confidence_threshold"),
			RetryAttempts:       v.GetInt("camera.retry_attempts"),
			Timeout:             v.GetDuration("camera.timeout"),
		},
		Archive: ArchiveConfig{
			Dir:            v.GetString("archive.dir"),
			MatchTolerance: v.GetDuration("archive.match_tolerance"),
		},
		Analytics: AnalyticsConfig{
			Timezone: v.GetString("analytics.timezone"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver)
		}
	case DriverSQLite, DriverBolt:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for driver %s", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Billing.RatePerHour < 0 {
		return fmt.Errorf("billing.rate_per_hour must not be negative")
	}
	if c.Plates.Camera.MinLength < 1 || c.Plates.Manual.MinLength < 1 {
		return fmt.Errorf("plate min_length must be at least 1")
	}
	if c.Camera.Enabled {
		if c.Camera.SnapshotURL == "" || c.Camera.DetectorURL == "" {
			return fmt.Errorf("camera.snapshot_url and camera.detector_url are required when the camera is enabled")
		}
		if c.Camera.Interval <= 0 {
			return fmt.Errorf("camera.interval must be positive")
		}
	}
	if c.Camera.ConfidenceThreshold < 0 || c.Camera.ConfidenceThreshold > 1 {
		return fmt.Errorf("camera.confidence_threshold must be within [0,1]")
	}
	if _, err := c.Analytics.Location(); err != nil {
		return fmt.Errorf("analytics.timezone: %w", err)
	}
	return nil
}
