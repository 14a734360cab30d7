package config

// Config is the on-disk daemon configuration. YAML and JSON share the same
// field names. Durations are Go duration strings ("30s", "5m").
type Config struct {
	AppEnv     string           `json:"app_env,omitempty"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Bots       BotsConfig       `json:"bots"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	AutoDeploy AutoDeployConfig `json:"auto_deploy"`
	Deploy     DeployConfig     `json:"deploy"`
	Notifier   NotifierConfig   `json:"notifier"`
	Telegram   TelegramConfig   `json:"telegram"`
	Admin      AdminConfig      `json:"admin"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// StorageConfig selects the store driver ("memory" or "sqlite").
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// BotsConfig holds manager defaults and per-kind overrides keyed by kind.
type BotsConfig struct {
	Timeout          string               `json:"timeout,omitempty"`
	BreakerThreshold int                  `json:"breaker_threshold,omitempty"`
	BreakerTimeout   string               `json:"breaker_timeout,omitempty"`
	Overrides        map[string]BotConfig `json:"overrides,omitempty"`
}

type BotConfig struct {
	Timeout          string `json:"timeout,omitempty"`
	BreakerThreshold int    `json:"breaker_threshold,omitempty"`
	BreakerTimeout   string `json:"breaker_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool                  `json:"enabled"`
	Timezone string                `json:"timezone,omitempty"`
	Tasks    map[string]TaskConfig `json:"tasks,omitempty"`
}

// TaskConfig overrides a standard task. An empty spec keeps the default.
type TaskConfig struct {
	Spec     string `json:"spec,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

type AutoDeployConfig struct {
	Enabled     bool                `json:"enabled"`
	Delay       string              `json:"delay,omitempty"`
	MaxPerHour  int                 `json:"max_per_hour,omitempty"`
	Environment string              `json:"environment,omitempty"`
	Triggers    map[string][]string `json:"triggers,omitempty"`
}

// DeployConfig configures the HTTP deployment API. Token is never logged.
type DeployConfig struct {
	BaseURL      string `json:"base_url,omitempty"`
	Token        string `json:"token,omitempty"`
	Project      string `json:"project,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	MaxWait      string `json:"max_wait,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
	Retries      int    `json:"retries,omitempty"`
}

type NotifierConfig struct {
	Enabled       bool    `json:"enabled"`
	Workers       int     `json:"workers,omitempty"`
	QueueSize     int     `json:"queue_size,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	Burst         int     `json:"burst,omitempty"`
	RetryMax      int     `json:"retry_max,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	DedupWindow   string  `json:"dedup_window,omitempty"`
}

// TelegramConfig is the alert sink. Alerts go to the log when Token is empty.
type TelegramConfig struct {
	Token    string  `json:"token,omitempty"`
	ChatIDs  []int64 `json:"chat_ids,omitempty"`
	ThreadID int     `json:"thread_id,omitempty"`
	APIURL   string  `json:"api_url,omitempty"`
}

// AdminConfig controls the HTTP control surface.
//
// Binding to a non-loopback address requires Token unless AllowInsecure is set.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
