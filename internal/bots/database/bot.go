// Package database implements the housekeeping bot: cleanup, health checks,
// analytics and maintenance over the quote store.
package database

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"studiobot/internal/bot"
	"studiobot/internal/storage"
	logx "studiobot/pkg/logx"
)

const (
	OpCleanup     = "cleanup"
	OpHealthCheck = "health-check"
	OpAnalytics   = "analytics"
	OpMaintenance = "maintenance"
)

const (
	// QuoteRetention is how long a quote may stay pending before it expires.
	QuoteRetention = 30 * 24 * time.Hour
	// LogRetention applies to info and success rows; warnings and errors are kept.
	LogRetention = 30 * 24 * time.Hour
	// SlowQuery marks the health probe query as an issue.
	SlowQuery = time.Second
)

var purgeableLogStatuses = []string{storage.LogInfo, storage.LogSuccess}

// Store is the storage surface the database bot needs.
type Store interface {
	AppendBotLog(ctx context.Context, e storage.BotLog) error
	PurgeBotLogs(ctx context.Context, before time.Time, statuses []string, dryRun bool) (int, error)
	ListQuotes(ctx context.Context, f storage.QuoteFilter) ([]storage.Quote, error)
	QuoteStats(ctx context.Context) (storage.QuoteStats, error)
	CountQuotesCreated(ctx context.Context, from, to time.Time) (int, error)
	ExpireStaleQuotes(ctx context.Context, before time.Time, dryRun bool) (int, error)
	PackagePopularity(ctx context.Context, limit int) ([]storage.PackageCount, error)
	PurgeSessions(ctx context.Context, now time.Time, dryRun bool) (int, error)
	TableCounts(ctx context.Context) (map[string]int, error)
	Ping(ctx context.Context) error
	Optimize(ctx context.Context) error
}

// DeployTrigger queues a deployment after a data change.
// *autodeploy.Trigger satisfies it.
type DeployTrigger interface {
	Trigger(botType, action string, metadata map[string]any) bool
}

type Options struct {
	DryRun           bool `json:"dryRun"`
	IncludeAnalytics bool `json:"includeAnalytics"`
}

type Input struct {
	Type    string  `json:"type"`
	Options Options `json:"options"`
}

func (in *Input) Validate() error {
	return bot.OneOf("type", in.Type, OpCleanup, OpHealthCheck, OpAnalytics, OpMaintenance)
}

type Cleanup struct {
	ExpiredQuotes int  `json:"expiredQuotes"`
	OldSessions   int  `json:"oldSessions"`
	OldLogs       int  `json:"oldLogs"`
	DryRun        bool `json:"dryRun,omitempty"`
}

type TableHealth struct {
	Accessible bool `json:"accessible"`
	Count      int  `json:"count"`
}

type Health struct {
	Database    bool                   `json:"database"`
	Tables      map[string]TableHealth `json:"tables"`
	QueryTimeMS int64                  `json:"queryTime"`
	Integrity   Integrity              `json:"dataIntegrity"`
	Issues      []string               `json:"issues"`
}

type Integrity struct {
	PendingQuotes int `json:"pendingQuotes"`
	ExpiredQuotes int `json:"expiredQuotes"`
}

type Analytics struct {
	Quotes   QuoteAnalytics         `json:"quotes"`
	Users    UserAnalytics          `json:"users"`
	Packages []storage.PackageCount `json:"packages"`
	Trends   Trend                  `json:"trends"`
}

type QuoteAnalytics struct {
	Total          int     `json:"total"`
	Pending        int     `json:"pending"`
	Approved       int     `json:"approved"`
	ConversionRate float64 `json:"conversionRate"`
}

type UserAnalytics struct {
	Total int `json:"total"`
}

const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

type Trend struct {
	Last7Days     int    `json:"quotesLast7Days"`
	Previous7Days int    `json:"quotesPrevious7Days"`
	Direction     string `json:"trend"`
}

type Optimization struct {
	Analyzed bool   `json:"analyzed"`
	Error    string `json:"error,omitempty"`
}

type Backup struct {
	LastCheck time.Time `json:"lastCheck"`
	Status    string    `json:"status"`
}

type Maintenance struct {
	Cleanup      Cleanup       `json:"cleanup"`
	Optimization *Optimization `json:"optimization,omitempty"`
	Backup       Backup        `json:"backup"`
}

// Result carries the outcome of one operation; Analytics is also filled when
// includeAnalytics is set on cleanup or maintenance.
type Result struct {
	Cleanup     *Cleanup     `json:"cleanup,omitempty"`
	Health      *Health      `json:"health,omitempty"`
	Analytics   *Analytics   `json:"analytics,omitempty"`
	Maintenance *Maintenance `json:"maintenance,omitempty"`
}

type Bot struct {
	store  Store
	deploy DeployTrigger
	log    logx.Logger
	now    func() time.Time
}

func NewBot(store Store, deploy DeployTrigger, log logx.Logger, now func() time.Time) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Bot{store: store, deploy: deploy, log: log, now: now}
}

// Factory builds the database kind. deploy may be nil.
func Factory(store Store, deploy DeployTrigger) bot.Factory {
	return func(d bot.Deps) (bot.Instance, error) {
		if store == nil {
			return nil, errors.New("database bot needs a store")
		}
		return bot.New[Input](d.Kind, NewBot(store, deploy, d.Log, d.Now), d.Options()), nil
	}
}

func (b *Bot) Process(ctx context.Context, in Input, executionID string) (any, error) {
	log := b.log.With(logx.String("execution_id", executionID), logx.String("op", in.Type))
	opt := in.Options

	var (
		res Result
		err error
	)
	switch in.Type {
	case OpCleanup:
		var c Cleanup
		if c, err = b.cleanup(ctx, opt.DryRun); err == nil {
			res.Cleanup = &c
		}
	case OpHealthCheck:
		res.Health, err = b.healthCheck(ctx)
	case OpAnalytics:
		res.Analytics, err = b.analytics(ctx)
	case OpMaintenance:
		res.Maintenance, err = b.maintenance(ctx, opt.DryRun, log)
	default:
		err = fmt.Errorf("unknown database operation type: %s", in.Type)
	}
	if err == nil && opt.IncludeAnalytics && res.Analytics == nil {
		res.Analytics, err = b.analytics(ctx)
	}

	if err != nil {
		if !opt.DryRun {
			b.activity(ctx, storage.LogError, map[string]any{"type": in.Type, "error": err.Error()})
		}
		return nil, err
	}
	log.Info("database.operation_completed", logx.Bool("dry_run", opt.DryRun))
	if !opt.DryRun {
		b.activity(ctx, storage.LogSuccess, res)
		b.triggerDeploy(in.Type, res, log)
	}
	return res, nil
}

func (b *Bot) activity(ctx context.Context, status string, data any) {
	err := b.store.AppendBotLog(ctx, storage.BotLog{
		BotType:   string(bot.KindDatabase),
		Action:    "database_operation",
		Status:    status,
		Data:      data,
		CreatedAt: b.now(),
	})
	if err != nil {
		b.log.Warn("database.activity_log_failed", logx.Err(err))
	}
}

// triggerDeploy queues a deployment when cleanup changed rows or maintenance
// ran. Analytics and health checks never deploy.
func (b *Bot) triggerDeploy(op string, res Result, log logx.Logger) {
	if b.deploy == nil {
		return
	}
	var action string
	switch {
	case op == OpCleanup && res.Cleanup != nil && (res.Cleanup.ExpiredQuotes > 0 || res.Cleanup.OldLogs > 0):
		action = OpCleanup
	case op == OpMaintenance && res.Maintenance != nil && res.Maintenance.Optimization != nil:
		action = OpMaintenance
	default:
		return
	}
	queued := b.deploy.Trigger(string(bot.KindDatabase), action, map[string]any{
		"operationType": op,
		"timestamp":     b.now().UTC().Format(time.RFC3339),
	})
	log.Debug("database.deploy_trigger", logx.String("action", action), logx.Bool("queued", queued))
}

func (b *Bot) cleanup(ctx context.Context, dryRun bool) (Cleanup, error) {
	now := b.now()
	out := Cleanup{DryRun: dryRun}
	var err error
	if out.ExpiredQuotes, err = b.store.ExpireStaleQuotes(ctx, now.Add(-QuoteRetention), dryRun); err != nil {
		return out, fmt.Errorf("database cleanup failed: %w", err)
	}
	if out.OldSessions, err = b.store.PurgeSessions(ctx, now, dryRun); err != nil {
		return out, fmt.Errorf("database cleanup failed: %w", err)
	}
	if out.OldLogs, err = b.store.PurgeBotLogs(ctx, now.Add(-LogRetention), purgeableLogStatuses, dryRun); err != nil {
		return out, fmt.Errorf("database cleanup failed: %w", err)
	}
	return out, nil
}

func (b *Bot) healthCheck(ctx context.Context) (*Health, error) {
	h := &Health{Tables: map[string]TableHealth{}, Issues: []string{}}
	if err := b.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("database health check failed: %w", err)
	}
	h.Database = true

	counts, err := b.store.TableCounts(ctx)
	if err != nil {
		h.Issues = append(h.Issues, fmt.Sprintf("Tables are not accessible: %s", err.Error()))
	}
	for name, n := range counts {
		h.Tables[name] = TableHealth{Accessible: true, Count: n}
	}

	start := time.Now()
	if _, err := b.store.ListQuotes(ctx, storage.QuoteFilter{Limit: 10}); err != nil {
		return nil, fmt.Errorf("database health check failed: %w", err)
	}
	took := time.Since(start)
	h.QueryTimeMS = took.Milliseconds()
	if took > SlowQuery {
		h.Issues = append(h.Issues, fmt.Sprintf("Slow query performance: %dms", h.QueryTimeMS))
	}

	stats, err := b.store.QuoteStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("database health check failed: %w", err)
	}
	stale, err := b.store.ExpireStaleQuotes(ctx, b.now().Add(-QuoteRetention), true)
	if err != nil {
		return nil, fmt.Errorf("database health check failed: %w", err)
	}
	h.Integrity = Integrity{PendingQuotes: stats.Pending, ExpiredQuotes: stale}
	if stale > 0 {
		h.Issues = append(h.Issues, fmt.Sprintf("%d quotes need cleanup (older than 30 days)", stale))
	}
	return h, nil
}

func (b *Bot) analytics(ctx context.Context) (*Analytics, error) {
	stats, err := b.store.QuoteStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("analytics generation failed: %w", err)
	}
	pkgs, err := b.store.PackagePopularity(ctx, 10)
	if err != nil {
		return nil, fmt.Errorf("analytics generation failed: %w", err)
	}

	now := b.now()
	week := 7 * 24 * time.Hour
	last, err := b.store.CountQuotesCreated(ctx, now.Add(-week), now)
	if err != nil {
		return nil, fmt.Errorf("analytics generation failed: %w", err)
	}
	prev, err := b.store.CountQuotesCreated(ctx, now.Add(-2*week), now.Add(-week))
	if err != nil {
		return nil, fmt.Errorf("analytics generation failed: %w", err)
	}

	a := &Analytics{
		Quotes: QuoteAnalytics{
			Total:          stats.Total,
			Pending:        stats.Pending,
			Approved:       stats.Approved,
			ConversionRate: conversionRate(stats.Approved, stats.Total),
		},
		Users:    UserAnalytics{Total: stats.Users},
		Packages: pkgs,
		Trends:   Trend{Last7Days: last, Previous7Days: prev, Direction: direction(last, prev)},
	}
	return a, nil
}

// conversionRate is approved/total as a percentage with two decimals.
func conversionRate(approved, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(approved)*10000/float64(total)) / 100
}

func direction(last, prev int) string {
	switch {
	case last > prev:
		return TrendIncreasing
	case last < prev:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func (b *Bot) maintenance(ctx context.Context, dryRun bool, log logx.Logger) (*Maintenance, error) {
	c, err := b.cleanup(ctx, dryRun)
	if err != nil {
		return nil, fmt.Errorf("database maintenance failed: %w", err)
	}
	m := &Maintenance{
		Cleanup: c,
		Backup:  Backup{LastCheck: b.now(), Status: "automatic"},
	}
	if !dryRun {
		m.Optimization = &Optimization{Analyzed: true}
		if err := b.store.Optimize(ctx); err != nil {
			log.Warn("database.optimize_failed", logx.Err(err))
			m.Optimization = &Optimization{Error: err.Error()}
		}
	}
	return m, nil
}

// CheckHealth pings the store.
func (b *Bot) CheckHealth(ctx context.Context) (map[string]any, error) {
	if err := b.store.Ping(ctx); err != nil {
		return map[string]any{"database": false}, err
	}
	return map[string]any{"database": true}, nil
}
