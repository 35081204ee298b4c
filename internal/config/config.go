// Package config loads and validates proxy configuration from viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/craigderington/wakeproxy/internal/wol"
	"github.com/craigderington/wakeproxy/pkg/types"
)

// Config is the complete proxy configuration
type Config struct {
	Listen      string        `mapstructure:"listen" validate:"required,hostport"`
	Target      string        `mapstructure:"target" validate:"required,hostport"`
	DialTimeout time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`

	KeepAwake KeepAwakeConfig `mapstructure:"keepawake"`
	WOL       WOLConfig       `mapstructure:"wol"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Events    EventsConfig    `mapstructure:"events"`
	Log       LogConfig       `mapstructure:"log"`
}

// KeepAwakeConfig configures the local wake lock
type KeepAwakeConfig struct {
	Timeout         time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Backend         string        `mapstructure:"backend" validate:"oneof=auto none"`
	Reason          string        `mapstructure:"reason" validate:"required"`
	AcquireAttempts int           `mapstructure:"acquire_attempts" validate:"min=1,max=100"`
}

// WOLConfig configures the wake handshake
type WOLConfig struct {
	MAC          string        `mapstructure:"mac" validate:"omitempty,mac48"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Probe        string        `mapstructure:"probe" validate:"oneof=icmp tcp"`
	Privileged   bool          `mapstructure:"privileged"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	Broadcast    string        `mapstructure:"broadcast" validate:"required,hostport"`
}

// BreakerConfig configures the dispatcher circuit breaker. MaxFailures of 0
// disables it.
type BreakerConfig struct {
	MaxFailures     int           `mapstructure:"max_failures" validate:"min=0"`
	RecoveryTimeout time.Duration `mapstructure:"recovery_timeout" validate:"gt=0"`
	// CountWakeTimeouts makes targets that fail to wake in time count as
	// failures, not only refused or failed dials
	CountWakeTimeouts bool `mapstructure:"count_wake_timeouts"`
}

// AdminConfig configures the admin HTTP API; an empty Addr disables it
type AdminConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostport"`
}

// EventsConfig configures the event store; an empty DB disables it.
// Events older than Retention are pruned hourly; zero keeps everything.
type EventsConfig struct {
	DB        string        `mapstructure:"db"`
	Retention time.Duration `mapstructure:"retention"`
}

// LogConfig configures logging
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=console json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"min=1"`
	MaxBackups int    `mapstructure:"max_backups" validate:"min=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"min=0"`
}

// SetDefaults registers every key with its default value
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", "")
	v.SetDefault("target", "")
	v.SetDefault("dial_timeout", 10*time.Second)

	v.SetDefault("keepawake.timeout", 5*time.Minute)
	v.SetDefault("keepawake.backend", "auto")
	v.SetDefault("keepawake.reason", "active TCP proxy connection")
	v.SetDefault("keepawake.acquire_attempts", 1)

	v.SetDefault("wol.mac", "")
	v.SetDefault("wol.timeout", 15*time.Second)
	v.SetDefault("wol.probe", "icmp")
	v.SetDefault("wol.privileged", false)
	v.SetDefault("wol.probe_timeout", time.Second)
	v.SetDefault("wol.poll_interval", 500*time.Millisecond)
	v.SetDefault("wol.broadcast", "255.255.255.255:9")

	v.SetDefault("breaker.max_failures", 0)
	v.SetDefault("breaker.recovery_timeout", 60*time.Second)
	v.SetDefault("breaker.count_wake_timeouts", true)

	v.SetDefault("admin.addr", "")
	v.SetDefault("events.db", "")
	v.SetDefault("events.retention", 7*24*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

// Load decodes the configuration held by v and validates it for mode
func Load(v *viper.Viper, mode types.Mode) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validator instance for configuration validation
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Register custom validation functions
	validate.RegisterValidation("hostport", validateHostPort)
	validate.RegisterValidation("mac48", validateMAC48)
}

// validateMAC48 accepts the 6-byte hardware addresses a magic packet can carry
func validateMAC48(fl validator.FieldLevel) bool {
	_, err := wol.ParseMAC(fl.Field().String())
	return err == nil
}

// validateHostPort accepts host:port with a numeric port, including an empty
// host and port 0 for listeners
func validateHostPort(fl validator.FieldLevel) bool {
	_, port, err := net.SplitHostPort(fl.Field().String())
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(port)
	return err == nil && n >= 0 && n <= 65535
}

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Validate checks the configuration for mode
func (c *Config) Validate(mode types.Mode) error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var validationErrors validator.ValidationErrors
		if !errors.As(err, &validationErrors) {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		for _, e := range validationErrors {
			problems = append(problems, formatValidationError(e))
		}
	}

	switch mode {
	case types.ModeKeepAwake:
	case types.ModeWakeOnLAN:
		if c.WOL.MAC == "" {
			problems = append(problems, "wol.mac is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown mode %q", mode))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// formatValidationError creates a human-readable message keyed by the
// configuration key rather than the Go field name
func formatValidationError(e validator.FieldError) string {
	field := fieldKey(e.Namespace())
	tag := e.Tag()
	param := e.Param()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, param)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(param, " ", ", "))
	case "hostport":
		return fmt.Sprintf("%s must be a host:port address", field)
	case "mac48":
		return fmt.Sprintf("%s must be a 6-byte MAC address", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}

var fieldKeys = map[string]string{
	"Listen":          "listen",
	"Target":          "target",
	"DialTimeout":     "dial_timeout",
	"KeepAwake":       "keepawake",
	"WOL":             "wol",
	"Breaker":         "breaker",
	"Admin":           "admin",
	"Events":          "events",
	"Log":             "log",
	"Timeout":         "timeout",
	"Backend":         "backend",
	"Reason":          "reason",
	"AcquireAttempts": "acquire_attempts",
	"MAC":             "mac",
	"Probe":           "probe",
	"ProbeTimeout":    "probe_timeout",
	"PollInterval":    "poll_interval",
	"Broadcast":       "broadcast",
	"MaxFailures":     "max_failures",
	"RecoveryTimeout": "recovery_timeout",
	"Addr":            "addr",
	"DB":              "db",
	"Retention":       "retention",
	"Level":           "level",
	"Format":          "format",
	"File":            "file",
	"MaxSizeMB":       "max_size_mb",
	"MaxBackups":      "max_backups",
	"MaxAgeDays":      "max_age_days",
}

// fieldKey turns a namespace such as Config.WOL.PollInterval into
// wol.poll_interval
func fieldKey(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		if k, ok := fieldKeys[p]; ok {
			parts[i] = k
		}
	}
	return strings.Join(parts, ".")
}
