package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"studiobot/internal/adminapi"
	"studiobot/internal/autodeploy"
	"studiobot/internal/bot"
	"studiobot/internal/bots/deploy"
	"studiobot/internal/config"
	"studiobot/internal/manager"
	"studiobot/internal/notifier"
	"studiobot/internal/scheduler"
	"studiobot/internal/storage"
	logx "studiobot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	f := cfg.Logging.File
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    f.Enabled,
			Path:       f.Path,
			MaxSizeMB:  f.MaxSizeMB,
			MaxBackups: f.MaxBackups,
			MaxAgeDays: f.MaxAgeDays,
			Compress:   f.Compress,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// managerDefaults are the process-wide breaker and watchdog settings.
type managerDefaults struct {
	Timeout        time.Duration
	Threshold      int
	BreakerTimeout time.Duration
}

func mapManagerDefaults(cfg *config.Config) (managerDefaults, error) {
	timeout, err := config.ParseDurationOrDefault("bots.timeout", cfg.Bots.Timeout, 5*time.Minute)
	if err != nil {
		return managerDefaults{}, err
	}
	bt, err := config.ParseDurationOrDefault("bots.breaker_timeout", cfg.Bots.BreakerTimeout, manager.DefaultTimeout)
	if err != nil {
		return managerDefaults{}, err
	}
	th := cfg.Bots.BreakerThreshold
	if th <= 0 {
		th = manager.DefaultThreshold
	}
	return managerDefaults{Timeout: timeout, Threshold: th, BreakerTimeout: bt}, nil
}

// mapBotOverrides resolves per-kind overrides. Zero fields inherit the
// manager defaults.
func mapBotOverrides(cfg *config.Config) (map[bot.Kind]manager.BotConfig, error) {
	out := make(map[bot.Kind]manager.BotConfig, len(cfg.Bots.Overrides))
	var errs []error
	for name, o := range cfg.Bots.Overrides {
		kind, err := bot.ParseKind(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("bots.overrides.%s: %w", name, err))
			continue
		}
		timeout, err := config.ParseDurationField("bots.overrides."+name+".timeout", o.Timeout)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		bt, err := config.ParseDurationField("bots.overrides."+name+".breaker_timeout", o.BreakerTimeout)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[kind] = manager.BotConfig{Timeout: timeout, Threshold: o.BreakerThreshold, BreakerTimeout: bt}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	tasks := make(map[string]scheduler.TaskConfig, len(cfg.Scheduler.Tasks))
	for name, t := range cfg.Scheduler.Tasks {
		tasks[name] = scheduler.TaskConfig{Spec: t.Spec, Disabled: t.Disabled}
	}
	return scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
		Tasks:    tasks,
	}
}

// validateSchedule rejects overrides naming unknown tasks or carrying a spec
// the cron matcher cannot parse.
func validateSchedule(cfg *config.Config) error {
	known := map[string]bool{}
	for _, t := range scheduler.DefaultTasks() {
		known[t.Name] = true
	}
	var errs []error
	for name, t := range cfg.Scheduler.Tasks {
		if !known[name] {
			errs = append(errs, fmt.Errorf("scheduler.tasks: unknown task %q", name))
			continue
		}
		if sp := strings.TrimSpace(t.Spec); sp != "" {
			if _, err := scheduler.ParseCron(sp); err != nil {
				errs = append(errs, fmt.Errorf("scheduler.tasks.%s.spec: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

func mapAutoDeployConfig(cfg *config.Config) (autodeploy.Config, error) {
	ac := cfg.AutoDeploy
	delay, err := config.ParseDurationOrDefault("auto_deploy.delay", ac.Delay, autodeploy.DefaultDelay)
	if err != nil {
		return autodeploy.Config{}, err
	}
	var triggers map[string][]string
	if len(ac.Triggers) > 0 {
		triggers = make(map[string][]string, len(ac.Triggers))
		for k, v := range ac.Triggers {
			triggers[k] = append([]string(nil), v...)
		}
	}
	return autodeploy.Config{
		Enabled:     ac.Enabled,
		Delay:       delay,
		MaxPerHour:  ac.MaxPerHour,
		Environment: ac.Environment,
		Triggers:    triggers,
	}, nil
}

// mapDeployer returns a nil Deployer when no API is configured, which leaves
// the deployment bot able to dry-run only.
func mapDeployer(cfg *config.Config) (deploy.Deployer, error) {
	dc := cfg.Deploy
	if strings.TrimSpace(dc.BaseURL) == "" {
		return nil, nil
	}
	poll, err := config.ParseDurationField("deploy.poll_interval", dc.PollInterval)
	if err != nil {
		return nil, err
	}
	maxWait, err := config.ParseDurationField("deploy.max_wait", dc.MaxWait)
	if err != nil {
		return nil, err
	}
	timeout, err := config.ParseDurationField("deploy.timeout", dc.Timeout)
	if err != nil {
		return nil, err
	}
	return deploy.NewHTTPDeployer(deploy.HTTPConfig{
		BaseURL:      strings.TrimSpace(dc.BaseURL),
		Token:        dc.Token,
		Project:      dc.Project,
		PollInterval: poll,
		MaxWait:      maxWait,
		Timeout:      timeout,
		Retries:      dc.Retries,
	}), nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.Burst < 0 || nc.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: workers, queue_size, burst and retry_max must be >= 0")
	}
	base, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       nc.Enabled,
		Workers:       nc.Workers,
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		Burst:         nc.Burst,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   dedup,
	}, nil
}

// mapAlertSender returns nil (alerts go to the log only) unless a Telegram
// token and at least one chat are configured.
func mapAlertSender(cfg *config.Config) (notifier.Sender, error) {
	tc := cfg.Telegram
	if strings.TrimSpace(tc.Token) == "" || len(tc.ChatIDs) == 0 {
		return nil, nil
	}
	s, err := notifier.NewTelegramSender(notifier.TelegramConfig{
		Token:    strings.TrimSpace(tc.Token),
		ChatIDs:  tc.ChatIDs,
		ThreadID: tc.ThreadID,
		APIURL:   strings.TrimSpace(tc.APIURL),
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func mapAdminConfig(cfg *config.Config) (adminapi.Config, error) {
	ac := cfg.Admin
	read, err := config.ParseDurationField("admin.read_timeout", ac.ReadTimeout)
	if err != nil {
		return adminapi.Config{}, err
	}
	write, err := config.ParseDurationField("admin.write_timeout", ac.WriteTimeout)
	if err != nil {
		return adminapi.Config{}, err
	}
	idle, err := config.ParseDurationField("admin.idle_timeout", ac.IdleTimeout)
	if err != nil {
		return adminapi.Config{}, err
	}
	return adminapi.Config{
		Enabled:       ac.Enabled,
		Addr:          strings.TrimSpace(ac.Addr),
		Token:         strings.TrimSpace(ac.Token),
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
