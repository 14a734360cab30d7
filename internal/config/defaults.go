package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
)

// Default returns the baseline configuration. Fields left zero in a file are
// filled from here by WithDefaults.
func Default() *Config {
	return &Config{
		AppEnv: "production",
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			File: LoggingFile{
				Path:       "logs/studiobot.log",
				MaxSizeMB:  50,
				MaxBackups: 5,
				MaxAgeDays: 14,
			},
		},
		Storage: StorageConfig{Driver: "memory", BusyTimeout: "5s"},
		Bots: BotsConfig{
			Timeout:          "5m",
			BreakerThreshold: 5,
			BreakerTimeout:   "60s",
		},
		Scheduler: SchedulerConfig{Enabled: true},
		AutoDeploy: AutoDeployConfig{
			Delay:       "30s",
			MaxPerHour:  5,
			Environment: "production",
		},
		Deploy: DeployConfig{
			PollInterval: "10s",
			MaxWait:      "5m",
			Timeout:      "30s",
			Retries:      2,
		},
		Notifier: NotifierConfig{
			Enabled:       true,
			Workers:       1,
			QueueSize:     128,
			RatePerSec:    1,
			Burst:         3,
			RetryMax:      3,
			RetryBase:     "500ms",
			RetryMaxDelay: "10s",
			DedupWindow:   "5m",
		},
		Admin: AdminConfig{
			Addr:        "127.0.0.1:8088",
			ReadTimeout: "10s",
			IdleTimeout: "60s",
		},
	}
}

// WithDefaults returns a copy of cfg with zero fields taken from Default.
// Booleans cannot be told apart from an explicit false and are never filled,
// except where the whole section is absent.
func WithDefaults(cfg *Config) (*Config, error) {
	out := &Config{}
	if cfg != nil {
		*out = *cfg
	}
	def := Default()
	sectionBools(out, cfg, def)
	if err := mergo.Merge(out, def); err != nil {
		return nil, fmt.Errorf("merge defaults: %w", err)
	}
	return out, nil
}

// sectionBools copies default booleans for sections the file never set.
func sectionBools(out, in, def *Config) {
	if in == nil {
		out.Logging.Console = def.Logging.Console
		out.Scheduler.Enabled = def.Scheduler.Enabled
		out.Notifier.Enabled = def.Notifier.Enabled
		return
	}
	if in.Logging == (LoggingConfig{}) {
		out.Logging.Console = def.Logging.Console
	}
	if in.Scheduler.Timezone == "" && len(in.Scheduler.Tasks) == 0 && !in.Scheduler.Enabled {
		out.Scheduler.Enabled = def.Scheduler.Enabled
	}
	if in.Notifier == (NotifierConfig{}) {
		out.Notifier.Enabled = def.Notifier.Enabled
	}
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored; existing variables are not overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg from environment variables read through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	millis := func(key string, dst *string) {
		n := -1
		num(key, &n)
		if n >= 0 {
			*dst = (time.Duration(n) * time.Millisecond).String()
		}
	}

	if v, ok := lookup("AUTO_DEPLOY_ENABLED"); ok {
		cfg.AutoDeploy.Enabled = strings.EqualFold(strings.TrimSpace(v), "true")
	}
	num("AUTO_DEPLOY_MAX_PER_HOUR", &cfg.AutoDeploy.MaxPerHour)
	millis("AUTO_DEPLOY_DELAY_MS", &cfg.AutoDeploy.Delay)
	num("CIRCUIT_BREAKER_THRESHOLD", &cfg.Bots.BreakerThreshold)
	millis("CIRCUIT_BREAKER_TIMEOUT_MS", &cfg.Bots.BreakerTimeout)
	str("APP_ENV", &cfg.AppEnv)
	str("DEPLOY_TOKEN", &cfg.Deploy.Token)
	str("DEPLOY_API_URL", &cfg.Deploy.BaseURL)
	str("TELEGRAM_BOT_TOKEN", &cfg.Telegram.Token)
	str("ADMIN_TOKEN", &cfg.Admin.Token)
	str("LOG_LEVEL", &cfg.Logging.Level)
	return errors.Join(errs...)
}

// Validate checks value ranges and duration syntax on a defaulted config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	durations := map[string]string{
		"bots.timeout":             cfg.Bots.Timeout,
		"bots.breaker_timeout":     cfg.Bots.BreakerTimeout,
		"storage.busy_timeout":     cfg.Storage.BusyTimeout,
		"auto_deploy.delay":        cfg.AutoDeploy.Delay,
		"deploy.poll_interval":     cfg.Deploy.PollInterval,
		"deploy.max_wait":          cfg.Deploy.MaxWait,
		"deploy.timeout":           cfg.Deploy.Timeout,
		"notifier.retry_base":      cfg.Notifier.RetryBase,
		"notifier.retry_max_delay": cfg.Notifier.RetryMaxDelay,
		"notifier.dedup_window":    cfg.Notifier.DedupWindow,
		"admin.read_timeout":       cfg.Admin.ReadTimeout,
		"admin.write_timeout":      cfg.Admin.WriteTimeout,
		"admin.idle_timeout":       cfg.Admin.IdleTimeout,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	for kind, o := range cfg.Bots.Overrides {
		for path, raw := range map[string]string{"timeout": o.Timeout, "breaker_timeout": o.BreakerTimeout} {
			if _, err := ParseDurationField("bots.overrides."+kind+"."+path, raw); err != nil {
				errs = append(errs, err)
			}
		}
		if o.BreakerThreshold < 0 {
			errs = append(errs, fmt.Errorf("bots.overrides.%s.breaker_threshold: must be >= 0", kind))
		}
	}
	if cfg.Bots.BreakerThreshold < 1 {
		errs = append(errs, errors.New("bots.breaker_threshold: must be >= 1"))
	}
	if cfg.AutoDeploy.MaxPerHour < 1 {
		errs = append(errs, errors.New("auto_deploy.max_per_hour: must be >= 1"))
	}
	switch cfg.AutoDeploy.Environment {
	case "preview", "production":
	default:
		errs = append(errs, fmt.Errorf("auto_deploy.environment: must be preview or production, got %q", cfg.AutoDeploy.Environment))
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory", "mem":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path: required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if cfg.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if cfg.Notifier.RatePerSec < 0 {
		errs = append(errs, errors.New("notifier.rate_per_sec: must be >= 0"))
	}
	if cfg.Admin.Enabled && !cfg.Admin.AllowInsecure && cfg.Admin.Token == "" && !IsLoopback(cfg.Admin.Addr) {
		errs = append(errs, errors.New("admin: non-loopback addr requires token or allow_insecure"))
	}
	return errors.Join(errs...)
}

// IsLoopback reports whether addr binds to a loopback interface.
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
