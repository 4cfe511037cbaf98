// Package config loads service configuration from an optional YAML file and
// RESERVATIONS_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/example/reservation-engine/internal/application"
	"github.com/example/reservation-engine/internal/lock"
	"github.com/example/reservation-engine/internal/logging"
	"github.com/example/reservation-engine/internal/persistence/sqlite/migration"
	"github.com/example/reservation-engine/internal/scheduler"
)

// EnvPrefix namespaces environment overrides: storage.path is read from
// RESERVATIONS_STORAGE_PATH.
const EnvPrefix = "RESERVATIONS"

// Config captures every runtime setting of the reservation service.
type Config struct {
	HTTP          HTTPConfig          `mapstructure:"http"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Scheduling    SchedulingConfig    `mapstructure:"scheduling"`
	Tokens        TokensConfig        `mapstructure:"tokens"`
	Providers     ProvidersConfig     `mapstructure:"providers"`
	Lock          LockConfig          `mapstructure:"lock"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Jobs          JobsConfig          `mapstructure:"jobs"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
}

type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig selects the repository backend. Path is only used by sqlite.
type StorageConfig struct {
	Driver      string        `mapstructure:"driver"`
	Path        string        `mapstructure:"path"`
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
	JournalMode string        `mapstructure:"journal_mode"`
	AutoMigrate bool          `mapstructure:"auto_migrate"`
}

type SchedulingConfig struct {
	Timezone           string        `mapstructure:"timezone"`
	MinimumLeadTime    time.Duration `mapstructure:"minimum_lead_time"`
	BufferBefore       time.Duration `mapstructure:"buffer_before"`
	BufferAfter        time.Duration `mapstructure:"buffer_after"`
	MaxDaysAhead       int           `mapstructure:"max_days_ahead"`
	CancellationWindow time.Duration `mapstructure:"cancellation_window"`
	CompletionGrace    time.Duration `mapstructure:"completion_grace"`
	AutoConfirmOrigins []string      `mapstructure:"auto_confirm_origins"`
	SweepConcurrency   int           `mapstructure:"sweep_concurrency"`
}

type TokensConfig struct {
	TTL     time.Duration `mapstructure:"ttl"`
	BaseURL string        `mapstructure:"base_url"`
}

type ProvidersConfig struct {
	Timeout             time.Duration `mapstructure:"timeout"`
	VideoLinkTemplate   string        `mapstructure:"video_link_template"`
	VideoPlatform       string        `mapstructure:"video_platform"`
	NotificationChannel string        `mapstructure:"notification_channel"`
}

type LockConfig struct {
	Backend       string        `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	Prefix        string        `mapstructure:"prefix"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisUsername string        `mapstructure:"redis_username"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
}

type NotificationsConfig struct {
	Backend       string `mapstructure:"backend"`
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// JobsConfig holds cron specs; an empty spec disables the job.
type JobsConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	AutoComplete    string        `mapstructure:"auto_complete"`
	Expand          string        `mapstructure:"expand"`
	Reminders       string        `mapstructure:"reminders"`
	Payments        string        `mapstructure:"payment_reminders"`
	Agenda          string        `mapstructure:"trainer_agenda"`
	ReminderHorizon time.Duration `mapstructure:"reminder_horizon"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"`
	File   LogFileConfig `mapstructure:"file"`
}

type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Options converts the section for logging.New.
func (c LoggingConfig) Options() logging.Options {
	return logging.Options{
		Level:  c.Level,
		Format: c.Format,
		File: logging.FileOptions{
			Path:       c.File.Path,
			MaxSizeMB:  c.File.MaxSizeMB,
			MaxBackups: c.File.MaxBackups,
			MaxAgeDays: c.File.MaxAgeDays,
			Compress:   c.File.Compress,
		},
	}
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "data/reservations.db")
	v.SetDefault("storage.busy_timeout", 30*time.Second)
	v.SetDefault("storage.journal_mode", "WAL")
	v.SetDefault("storage.auto_migrate", true)

	v.SetDefault("scheduling.timezone", "UTC")
	v.SetDefault("scheduling.minimum_lead_time", scheduler.DefaultMinimumLeadTime)
	v.SetDefault("scheduling.buffer_before", time.Duration(0))
	v.SetDefault("scheduling.buffer_after", time.Duration(0))
	v.SetDefault("scheduling.max_days_ahead", 0)
	v.SetDefault("scheduling.cancellation_window", time.Duration(0))
	v.SetDefault("scheduling.completion_grace", application.DefaultCompletionGrace)
	v.SetDefault("scheduling.auto_confirm_origins", []string{string(application.OriginManual), string(application.OriginRecurrence)})
	v.SetDefault("scheduling.sweep_concurrency", application.DefaultSweepConcurrency)

	v.SetDefault("tokens.ttl", application.DefaultTokenTTL)
	v.SetDefault("tokens.base_url", "http://localhost:8080")

	v.SetDefault("providers.timeout", application.DefaultProviderTimeout)
	v.SetDefault("providers.video_link_template", "")
	v.SetDefault("providers.video_platform", "default")
	v.SetDefault("providers.notification_channel", "default")

	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.ttl", 10*time.Second)
	v.SetDefault("lock.prefix", "reservations:lock:")
	v.SetDefault("lock.redis_addr", "localhost:6379")
	v.SetDefault("lock.redis_username", "")
	v.SetDefault("lock.redis_password", "")
	v.SetDefault("lock.redis_db", 0)

	v.SetDefault("notifications.backend", "log")
	v.SetDefault("notifications.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("notifications.subject_prefix", "reservations")

	v.SetDefault("jobs.enabled", true)
	v.SetDefault("jobs.auto_complete", "*/5 * * * *")
	v.SetDefault("jobs.expand", "0 3 * * *")
	v.SetDefault("jobs.reminders", "0 * * * *")
	v.SetDefault("jobs.payment_reminders", "0 10 * * 1")
	v.SetDefault("jobs.trainer_agenda", "0 7 * * *")
	v.SetDefault("jobs.reminder_horizon", 24*time.Hour)
	v.SetDefault("jobs.timeout", 5*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.path", "")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age_days", 28)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enabled", true)
}

// Load reads configuration. An explicit path must exist; without one,
// reservations.yaml is looked up in the working directory and
// /etc/reservations and silently skipped when absent.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("reservations")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/reservations")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode configuration: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Lock.Backend = strings.ToLower(strings.TrimSpace(c.Lock.Backend))
	c.Notifications.Backend = strings.ToLower(strings.TrimSpace(c.Notifications.Backend))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Tokens.BaseURL = strings.TrimRight(strings.TrimSpace(c.Tokens.BaseURL), "/")

	origins := make([]string, 0, len(c.Scheduling.AutoConfirmOrigins))
	for _, origin := range c.Scheduling.AutoConfirmOrigins {
		for _, part := range strings.Split(origin, ",") {
			if part = strings.TrimSpace(part); part != "" {
				origins = append(origins, part)
			}
		}
	}
	c.Scheduling.AutoConfirmOrigins = origins
}

// Validate reports every invalid key in a single error.
func (c Config) Validate() error {
	invalid := make([]string, 0, 4)
	check := func(ok bool, key string) {
		if !ok {
			invalid = append(invalid, key)
		}
	}

	check(c.HTTP.Port > 0 && c.HTTP.Port <= 65535, "http.port")
	check(c.HTTP.ShutdownTimeout >= 0, "http.shutdown_timeout")

	check(c.Storage.Driver == "memory" || c.Storage.Driver == "sqlite", "storage.driver")
	if c.Storage.Driver == "sqlite" {
		check(strings.TrimSpace(c.Storage.Path) != "", "storage.path")
		check(c.SQLite().Validate() == nil, "storage.journal_mode")
	}

	_, tzErr := time.LoadLocation(c.Scheduling.Timezone)
	check(tzErr == nil, "scheduling.timezone")
	check(c.Scheduling.MinimumLeadTime >= 0, "scheduling.minimum_lead_time")
	check(c.Scheduling.BufferBefore >= 0, "scheduling.buffer_before")
	check(c.Scheduling.BufferAfter >= 0, "scheduling.buffer_after")
	check(c.Scheduling.MaxDaysAhead >= 0, "scheduling.max_days_ahead")
	check(c.Scheduling.CancellationWindow >= 0, "scheduling.cancellation_window")
	check(c.Scheduling.CompletionGrace >= 0, "scheduling.completion_grace")
	for _, origin := range c.Scheduling.AutoConfirmOrigins {
		if !application.Origin(origin).Valid() {
			check(false, "scheduling.auto_confirm_origins")
			break
		}
	}

	check(c.Tokens.TTL > 0, "tokens.ttl")
	if u, err := url.Parse(c.Tokens.BaseURL); err != nil || !u.IsAbs() {
		check(false, "tokens.base_url")
	}

	check(c.Providers.Timeout > 0, "providers.timeout")

	check(c.Lock.Backend == "memory" || c.Lock.Backend == "redis", "lock.backend")
	if c.Lock.Backend == "redis" {
		check(strings.TrimSpace(c.Lock.RedisAddr) != "", "lock.redis_addr")
		check(c.Lock.TTL > 0, "lock.ttl")
	}

	check(c.Notifications.Backend == "log" || c.Notifications.Backend == "nats" || c.Notifications.Backend == "none", "notifications.backend")
	if c.Notifications.Backend == "nats" {
		check(strings.TrimSpace(c.Notifications.NATSURL) != "", "notifications.nats_url")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for key, spec := range map[string]string{
		"jobs.auto_complete":     c.Jobs.AutoComplete,
		"jobs.expand":            c.Jobs.Expand,
		"jobs.reminders":         c.Jobs.Reminders,
		"jobs.payment_reminders": c.Jobs.Payments,
		"jobs.trainer_agenda":    c.Jobs.Agenda,
	} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			check(false, key)
		}
	}
	check(c.Jobs.ReminderHorizon > 0, "jobs.reminder_horizon")

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		check(false, "logging.level")
	}
	check(c.Logging.Format == "json" || c.Logging.Format == "text", "logging.format")

	if len(invalid) > 0 {
		slices.Sort(invalid)
		return fmt.Errorf("invalid configuration values: %s", strings.Join(invalid, ", "))
	}
	return nil
}

// Location resolves the scheduling timezone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduling.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Policy builds the booking policy.
func (c Config) Policy() scheduler.Policy {
	return scheduler.Policy{
		MinimumLeadTime: c.Scheduling.MinimumLeadTime,
		BufferBefore:    c.Scheduling.BufferBefore,
		BufferAfter:     c.Scheduling.BufferAfter,
		MaxDaysAhead:    c.Scheduling.MaxDaysAhead,
	}
}

// ReservationOptions builds the lifecycle options.
func (c Config) ReservationOptions() application.ReservationOptions {
	origins := make([]application.Origin, 0, len(c.Scheduling.AutoConfirmOrigins))
	for _, origin := range c.Scheduling.AutoConfirmOrigins {
		origins = append(origins, application.Origin(origin))
	}
	return application.ReservationOptions{
		Location:            c.Location(),
		AutoConfirmOrigins:  origins,
		CancellationWindow:  c.Scheduling.CancellationWindow,
		CompletionGrace:     c.Scheduling.CompletionGrace,
		ProviderTimeout:     c.Providers.Timeout,
		SweepConcurrency:    c.Scheduling.SweepConcurrency,
		NotificationChannel: c.Providers.NotificationChannel,
		VideoPlatform:       c.Providers.VideoPlatform,
	}
}

// SQLite builds the database configuration for the sqlite driver.
func (c Config) SQLite() migration.SQLiteConfig {
	cfg := migration.DefaultSQLiteConfig(c.Storage.Path)
	if c.Storage.BusyTimeout > 0 {
		cfg.BusyTimeout = c.Storage.BusyTimeout
	}
	if c.Storage.JournalMode != "" {
		cfg.JournalMode = c.Storage.JournalMode
	}
	return cfg
}

// Redis builds the connection settings for the redis lock backend.
func (c Config) Redis() lock.RedisConfig {
	return lock.RedisConfig{
		Addr:     c.Lock.RedisAddr,
		Username: c.Lock.RedisUsername,
		Password: c.Lock.RedisPassword,
		DB:       c.Lock.RedisDB,
	}
}
