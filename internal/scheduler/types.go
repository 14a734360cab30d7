package scheduler

import (
	"context"
	"errors"
	"maps"
	"time"

	"studiobot/internal/bot"
	"studiobot/internal/manager"
	"studiobot/internal/storage"
)

var ErrUnknownTask = errors.New("unknown scheduled task")

// Manager is the part of *manager.Manager the scheduler drives.
type Manager interface {
	IsRegistered(kind bot.Kind) bool
	Register(kind bot.Kind, factory bot.Factory, cfg manager.BotConfig) error
	Execute(ctx context.Context, kind bot.Kind, in bot.Input) (bot.Result, error)
}

// ActivityLog receives scheduler activity rows. Any storage.Store satisfies it.
type ActivityLog interface {
	AppendBotLog(ctx context.Context, e storage.BotLog) error
}

// BotSpec is what Start needs to register a kind that is missing.
type BotSpec struct {
	Factory bot.Factory
	Config  manager.BotConfig
}

// Task is a named schedule that executes one bot with a fixed input.
type Task struct {
	Name        string
	Spec        string
	Description string
	Bot         bot.Kind
	Input       bot.Input
}

// TaskConfig overrides a task by name. An empty Spec keeps the default.
type TaskConfig struct {
	Spec     string
	Disabled bool
}

type Config struct {
	Enabled  bool
	Timezone string // IANA name, empty means local
	Tasks    map[string]TaskConfig
}

// Standard task names.
const (
	TaskDailyCleanup       = "daily-cleanup"
	TaskWeeklyAnalytics    = "weekly-analytics"
	TaskHourlyHealthCheck  = "hourly-health-check"
	TaskMonthlyMaintenance = "monthly-maintenance"
)

// DefaultTasks returns the standard database task set.
func DefaultTasks() []Task {
	return []Task{
		{
			Name:        TaskDailyCleanup,
			Spec:        "0 2 * * *",
			Description: "Daily database cleanup and maintenance",
			Bot:         bot.KindDatabase,
			Input:       dbInput("cleanup", false),
		},
		{
			Name:        TaskWeeklyAnalytics,
			Spec:        "0 1 * * 0",
			Description: "Weekly database analytics generation",
			Bot:         bot.KindDatabase,
			Input:       dbInput("analytics", true),
		},
		{
			Name:        TaskHourlyHealthCheck,
			Spec:        "0 * * * *",
			Description: "Hourly system health monitoring",
			Bot:         bot.KindDatabase,
			Input:       dbInput("health-check", false),
		},
		{
			Name:        TaskMonthlyMaintenance,
			Spec:        "0 3 1 * *",
			Description: "Monthly comprehensive maintenance",
			Bot:         bot.KindDatabase,
			Input:       dbInput("maintenance", true),
		},
	}
}

func dbInput(op string, analytics bool) bot.Input {
	return bot.Input{
		"type": op,
		"options": map[string]any{
			"dryRun":           false,
			"includeAnalytics": analytics,
		},
	}
}

// TaskInfo is a point-in-time view of one task.
type TaskInfo struct {
	Name        string   `json:"name"`
	Spec        string   `json:"cronExpression"`
	Description string   `json:"description"`
	Bot         bot.Kind `json:"botType"`
	Scheduled   bool     `json:"scheduled"`
	Running     bool     `json:"running"`

	Next time.Time `json:"next,omitzero"`
	Prev time.Time `json:"prev,omitzero"`

	Runs           uint64    `json:"runs"`
	Failures       uint64    `json:"failures"`
	LastRun        time.Time `json:"lastRun,omitzero"`
	LastStatus     string    `json:"lastStatus,omitempty"`
	LastDurationMS int64     `json:"lastDuration,omitempty"`
	LastError      string    `json:"lastError,omitempty"`
}

type Status struct {
	Running    bool       `json:"isRunning"`
	Enabled    bool       `json:"enabled"`
	Timezone   string     `json:"timezone"`
	TotalTasks int        `json:"totalTasks"`
	Tasks      []TaskInfo `json:"tasks"`
}

func cloneInput(in bot.Input) bot.Input {
	if in == nil {
		return nil
	}
	out := maps.Clone(in)
	if opts, ok := in["options"].(map[string]any); ok {
		out["options"] = maps.Clone(opts)
	}
	return out
}
