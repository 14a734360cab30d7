// Package audit persists lifecycle events from the event bus as bot log rows.
//
// Bots, the scheduler and the auto-deploy trigger write their own activity
// rows. The recorder covers what nobody else persists: breaker transitions,
// rejected executions and alert delivery outcomes. Scheduler task events are
// counted in metrics only.
package audit

import (
	"context"
	"time"

	"studiobot/internal/eventbus"
	"studiobot/internal/manager"
	"studiobot/internal/storage"
	logx "studiobot/pkg/logx"
)

const systemBot = "system"

// Sink is the subset of storage.Store the recorder writes to.
type Sink interface {
	AppendBotLog(ctx context.Context, e storage.BotLog) error
}

type TaskMetrics interface {
	ObserveTask(task, outcome string)
}

type Recorder struct {
	sink    Sink
	log     logx.Logger
	metrics TaskMetrics
	timeout time.Duration
}

func New(sink Sink, log logx.Logger, metrics TaskMetrics) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{sink: sink, log: log, metrics: metrics, timeout: 5 * time.Second}
}

// Run consumes bus events until ctx is done or the subscription closes.
func (r *Recorder) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			r.Handle(ctx, e)
		}
	}
}

// Handle records one event. Write failures are logged and dropped.
func (r *Recorder) Handle(ctx context.Context, e eventbus.Event) {
	r.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))

	switch e.Type {
	case eventbus.TaskCompleted, eventbus.TaskFailed:
		r.observeTask(e)
		return
	}

	row, ok := toRow(e)
	if !ok || r.sink == nil {
		return
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()
	if err := r.sink.AppendBotLog(wctx, row); err != nil {
		r.log.Warn("audit.write_failed", logx.String("type", e.Type), logx.Err(err))
	}
}

func (r *Recorder) observeTask(e eventbus.Event) {
	if r.metrics == nil {
		return
	}
	data, _ := e.Data.(map[string]any)
	name, _ := data["taskName"].(string)
	outcome := "success"
	if e.Type == eventbus.TaskFailed {
		outcome = "error"
	}
	r.metrics.ObserveTask(name, outcome)
}

func toRow(e eventbus.Event) (storage.BotLog, bool) {
	row := storage.BotLog{CreatedAt: e.Time, Data: e.Data}
	switch e.Type {
	case eventbus.BreakerOpened:
		row.Action, row.Status = "circuit_opened", storage.LogError
	case eventbus.BreakerClosed:
		row.Action, row.Status = "circuit_closed", storage.LogInfo
	case eventbus.BreakerReset:
		row.Action, row.Status = "circuit_reset", storage.LogInfo
	case eventbus.BotRejected:
		row.Action, row.Status = "execution_rejected", storage.LogWarning
	case eventbus.AlertSent:
		row.BotType, row.Action, row.Status = systemBot, "alert_sent", storage.LogInfo
	case eventbus.AlertFailed:
		row.BotType, row.Action, row.Status = systemBot, "alert_failed", storage.LogError
	case eventbus.AlertDropped:
		row.BotType, row.Action, row.Status = systemBot, "alert_dropped", storage.LogWarning
	default:
		return storage.BotLog{}, false
	}

	if d, ok := e.Data.(manager.Event); ok {
		row.BotType = string(d.BotType)
	}
	if row.BotType == "" {
		row.BotType = systemBot
	}
	return row, true
}
