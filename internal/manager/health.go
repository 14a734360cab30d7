package manager

import (
	"context"
	"time"

	"studiobot/internal/bot"
)

const (
	SystemHealthy  = "healthy"
	SystemDegraded = "degraded"
	SystemCritical = "critical"
)

// BotHealth is a bot's own health plus the manager's view of it.
type BotHealth struct {
	bot.Health
	Disabled bool            `json:"disabled"`
	Circuit  BreakerSnapshot `json:"circuitBreaker"`
}

type Summary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Disabled  int `json:"disabled"`
}

type SystemHealth struct {
	Status    string                 `json:"status"`
	Summary   Summary                `json:"summary"`
	Bots      map[bot.Kind]BotHealth `json:"bots"`
	Timestamp time.Time              `json:"timestamp"`
}

// BotHealth probes kind, creating its instance if needed.
func (m *Manager) BotHealth(ctx context.Context, kind bot.Kind) (BotHealth, error) {
	e, err := m.lookup(kind)
	if err != nil {
		return BotHealth{}, err
	}
	return m.health(ctx, e), nil
}

func (m *Manager) health(ctx context.Context, e *entry) BotHealth {
	var h bot.Health
	inst, err := m.instance(e)
	if err != nil {
		h = bot.Health{
			BotType:   e.kind,
			Status:    bot.HealthUnhealthy,
			Error:     err.Error(),
			Timestamp: m.now(),
		}
	} else {
		h = inst.HealthCheck(ctx)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return BotHealth{Health: h, Disabled: e.disabled, Circuit: e.br.snapshot()}
}

// SystemHealth aggregates every registered bot. A bot counts as disabled when
// its breaker is open or an operator disabled it. The system is critical when
// every bot is disabled and degraded when any bot is unhealthy or disabled.
func (m *Manager) SystemHealth(ctx context.Context) SystemHealth {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.order))
	for _, k := range m.order {
		entries = append(entries, m.bots[k])
	}
	m.mu.RUnlock()

	out := SystemHealth{
		Status:    SystemHealthy,
		Bots:      make(map[bot.Kind]BotHealth, len(entries)),
		Timestamp: m.now(),
	}
	for _, e := range entries {
		h := m.health(ctx, e)
		out.Bots[e.kind] = h
		out.Summary.Total++
		switch {
		case h.Circuit.State == StateOpen || h.Disabled:
			out.Summary.Disabled++
		case h.Status == bot.HealthHealthy:
			out.Summary.Healthy++
		default:
			out.Summary.Unhealthy++
		}
	}

	s := out.Summary
	switch {
	case s.Total > 0 && s.Disabled == s.Total:
		out.Status = SystemCritical
	case s.Unhealthy > 0 || s.Disabled > 0:
		out.Status = SystemDegraded
	}
	return out
}
