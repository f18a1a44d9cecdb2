// Package config loads taskd settings from a YAML or JSON file, with TASKD_*
// environment variables taking precedence over the file.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"taskd/internal/domain"
)

type Config struct {
	Env      string `json:"env"` // development or production
	LogLevel string `json:"log_level"`
	// Timezone interprets user supplied dates (log purge, failed job removal).
	Timezone string `json:"timezone"`

	HTTP      HTTPConfig      `json:"http"`
	Database  DatabaseConfig  `json:"database"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Worker    WorkerConfig    `json:"worker"`
	Redis     RedisConfig     `json:"redis"`
	SMTP      SMTPConfig      `json:"smtp"`

	location *time.Location
}

type HTTPConfig struct {
	Addr               string        `json:"addr"`
	ShutdownTimeout    time.Duration `json:"-"`
	ShutdownTimeoutStr string        `json:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type SchedulerConfig struct {
	TickInterval    time.Duration `json:"-"`
	TickIntervalStr string        `json:"tick_interval"`
}

type WorkerConfig struct {
	Queues             []string      `json:"queues"`
	Concurrency        int           `json:"concurrency"`
	PollInterval       time.Duration `json:"-"`
	PollIntervalStr    string        `json:"poll_interval"`
	LivenessTimeout    time.Duration `json:"-"`
	LivenessTimeoutStr string        `json:"liveness_timeout"`
	ReapInterval       time.Duration `json:"-"`
	ReapIntervalStr    string        `json:"reap_interval"`
	OutputLimit        int           `json:"output_limit"`
	// EnableShell registers the shell handler. Off unless asked for.
	EnableShell bool `json:"enable_shell"`
}

// RedisConfig enables the queue mirror when Addr is set.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// SMTPConfig enables email notifications when Host is set.
type SMTPConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	From       string `json:"from"`
	RatePerSec int    `json:"rate_per_sec"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Env:      "production",
		LogLevel: "info",
		Timezone: "UTC",
		HTTP:     HTTPConfig{Addr: ":8080", ShutdownTimeoutStr: "5s"},
		Database: DatabaseConfig{Path: "taskd.db"},
		Scheduler: SchedulerConfig{
			TickIntervalStr: "5s",
		},
		Worker: WorkerConfig{
			Queues:             []string{domain.DefaultQueue},
			Concurrency:        4,
			PollIntervalStr:    "1s",
			LivenessTimeoutStr: "60s",
			ReapIntervalStr:    "30s",
			OutputLimit:        64 << 10,
		},
		Redis: RedisConfig{Prefix: "taskd"},
		SMTP:  SMTPConfig{Port: 25, From: "taskd@localhost", RatePerSec: 2},
	}
}

// Load reads path (when not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	jb, err := coerceToJSONBytes(path, b)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return fmt.Errorf("trailing data")
		}
		return err
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	var errs domain.ValidationErrors
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, domain.ValidationError{Field: key, Message: fmt.Sprintf("invalid integer %q", v)})
				return
			}
			*dst = n
		}
	}

	str("TASKD_ENV", &cfg.Env)
	str("TASKD_LOG_LEVEL", &cfg.LogLevel)
	str("TASKD_TIMEZONE", &cfg.Timezone)
	str("TASKD_HTTP_ADDR", &cfg.HTTP.Addr)
	str("TASKD_DB_PATH", &cfg.Database.Path)
	str("TASKD_SCHEDULER_TICK_INTERVAL", &cfg.Scheduler.TickIntervalStr)
	if v, ok := lookup("TASKD_WORKER_QUEUES"); ok {
		cfg.Worker.Queues = splitList(v)
	}
	num("TASKD_WORKER_CONCURRENCY", &cfg.Worker.Concurrency)
	str("TASKD_WORKER_LIVENESS_TIMEOUT", &cfg.Worker.LivenessTimeoutStr)
	str("TASKD_REDIS_ADDR", &cfg.Redis.Addr)
	str("TASKD_REDIS_PASSWORD", &cfg.Redis.Password)
	str("TASKD_SMTP_HOST", &cfg.SMTP.Host)
	num("TASKD_SMTP_PORT", &cfg.SMTP.Port)
	str("TASKD_SMTP_USERNAME", &cfg.SMTP.Username)
	str("TASKD_SMTP_PASSWORD", &cfg.SMTP.Password)
	return errs.Err()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks every field and fills the parsed durations and location.
func (c *Config) Validate() error {
	var errs domain.ValidationErrors

	if c.Env != "development" && c.Env != "production" {
		errs = append(errs, domain.ValidationError{Field: "env", Message: fmt.Sprintf("must be development or production, got %q", c.Env)})
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil || c.LogLevel == "" {
		errs = append(errs, domain.ValidationError{Field: "log_level", Message: fmt.Sprintf("unknown level %q", c.LogLevel)})
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		errs = append(errs, domain.ValidationError{Field: "timezone", Message: err.Error()})
	}
	c.location = loc

	if c.HTTP.Addr == "" {
		errs = append(errs, domain.ValidationError{Field: "http.addr", Message: "is required"})
	}
	if c.Database.Path == "" {
		errs = append(errs, domain.ValidationError{Field: "database.path", Message: "is required"})
	}
	if len(c.Worker.Queues) == 0 {
		errs = append(errs, domain.ValidationError{Field: "worker.queues", Message: "needs at least one queue"})
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, domain.ValidationError{Field: "worker.concurrency", Message: "must be at least 1"})
	}
	if c.Worker.OutputLimit < 0 {
		errs = append(errs, domain.ValidationError{Field: "worker.output_limit", Message: "must not be negative"})
	}

	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"http.shutdown_timeout", c.HTTP.ShutdownTimeoutStr, &c.HTTP.ShutdownTimeout},
		{"scheduler.tick_interval", c.Scheduler.TickIntervalStr, &c.Scheduler.TickInterval},
		{"worker.poll_interval", c.Worker.PollIntervalStr, &c.Worker.PollInterval},
		{"worker.liveness_timeout", c.Worker.LivenessTimeoutStr, &c.Worker.LivenessTimeout},
		{"worker.reap_interval", c.Worker.ReapIntervalStr, &c.Worker.ReapInterval},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		switch {
		case err != nil:
			errs = append(errs, domain.ValidationError{Field: d.field, Message: fmt.Sprintf("invalid duration %q", d.raw)})
		case v <= 0:
			errs = append(errs, domain.ValidationError{Field: d.field, Message: "must be positive"})
		default:
			*d.dst = v
		}
	}
	if c.Worker.LivenessTimeout > 0 && c.Worker.LivenessTimeout < 3*time.Second {
		errs = append(errs, domain.ValidationError{Field: "worker.liveness_timeout", Message: "must be at least 3s"})
	}

	if c.SMTP.Host != "" {
		if c.SMTP.Port < 1 || c.SMTP.Port > 65535 {
			errs = append(errs, domain.ValidationError{Field: "smtp.port", Message: "must be between 1 and 65535"})
		}
		if c.SMTP.From == "" {
			errs = append(errs, domain.ValidationError{Field: "smtp.from", Message: "is required when smtp.host is set"})
		}
	}
	return errs.Err()
}

// Location is the parsed Timezone. It is UTC until Validate succeeds.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
