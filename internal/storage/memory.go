package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// Memory is a process-local Store. It is the default driver and the
// backing store for tests.
type Memory struct {
	mu       sync.RWMutex
	quotes   map[string]Quote
	sessions map[string]Session
	logs     []BotLog
	seq      int64
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{
		quotes:   map[string]Quote{},
		sessions: map[string]Session{},
	}
}

func (m *Memory) check(op string) error {
	if m.closed {
		return &Error{Op: op, Kind: ErrUnavailable, Err: ErrDisabled}
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check("ping")
}

func (m *Memory) Optimize(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check("optimize")
}

func (m *Memory) AppendBotLog(_ context.Context, e BotLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("append_bot_log"); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.seq++
	e.ID = m.seq
	m.logs = append(m.logs, e)
	return nil
}

func (m *Memory) ListBotLogs(_ context.Context, f BotLogFilter) ([]BotLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("list_bot_logs"); err != nil {
		return nil, err
	}
	var out []BotLog
	for i := len(m.logs) - 1; i >= 0; i-- {
		e := m.logs[i]
		if f.BotType != "" && e.BotType != f.BotType {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) PurgeBotLogs(_ context.Context, before time.Time, statuses []string, dryRun bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("purge_bot_logs"); err != nil {
		return 0, err
	}
	kept := m.logs[:0:0]
	n := 0
	for _, e := range m.logs {
		if e.CreatedAt.Before(before) && (len(statuses) == 0 || slices.Contains(statuses, e.Status)) {
			n++
			if !dryRun {
				continue
			}
		}
		kept = append(kept, e)
	}
	if !dryRun {
		m.logs = kept
	}
	return n, nil
}

func (m *Memory) InsertQuote(_ context.Context, q Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("insert_quote"); err != nil {
		return err
	}
	if _, ok := m.quotes[q.ID]; ok {
		return &Error{Op: "insert_quote", Kind: ErrConflict}
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	if q.UpdatedAt.IsZero() {
		q.UpdatedAt = q.CreatedAt
	}
	if q.Status == "" {
		q.Status = QuotePending
	}
	m.quotes[q.ID] = q
	return nil
}

func (m *Memory) ListQuotes(_ context.Context, f QuoteFilter) ([]Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("list_quotes"); err != nil {
		return nil, err
	}
	out := make([]Quote, 0, len(m.quotes))
	for _, q := range m.quotes {
		if f.Status != "" && q.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && q.CreatedAt.Before(f.Since) {
			continue
		}
		if len(f.IDs) > 0 && !slices.Contains(f.IDs, q.ID) {
			continue
		}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) QuoteStats(context.Context) (QuoteStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("quote_stats"); err != nil {
		return QuoteStats{}, err
	}
	var st QuoteStats
	users := map[string]struct{}{}
	for _, q := range m.quotes {
		st.Total++
		switch q.Status {
		case QuotePending:
			st.Pending++
		case QuoteApproved:
			st.Approved++
		}
		if q.UserID != "" {
			users[q.UserID] = struct{}{}
		}
	}
	st.Users = len(users)
	return st, nil
}

func (m *Memory) CountQuotesCreated(_ context.Context, from, to time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("count_quotes"); err != nil {
		return 0, err
	}
	n := 0
	for _, q := range m.quotes {
		if !q.CreatedAt.Before(from) && q.CreatedAt.Before(to) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ExpireStaleQuotes(_ context.Context, before time.Time, dryRun bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("expire_quotes"); err != nil {
		return 0, err
	}
	n := 0
	now := time.Now()
	for id, q := range m.quotes {
		if q.Status != QuotePending || !q.CreatedAt.Before(before) {
			continue
		}
		n++
		if !dryRun {
			q.Status = QuoteExpired
			q.UpdatedAt = now
			m.quotes[id] = q
		}
	}
	return n, nil
}

func (m *Memory) PackagePopularity(_ context.Context, limit int) ([]PackageCount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("package_popularity"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	counts := map[string]int{}
	for _, q := range m.quotes {
		if q.PackageName != "" {
			counts[q.PackageName]++
		}
	}
	out := make([]PackageCount, 0, len(counts))
	for pkg, n := range counts {
		out = append(out, PackageCount{Package: pkg, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Package < out[j].Package
		}
		return out[i].Count > out[j].Count
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PutSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("put_session"); err != nil {
		return err
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) PurgeSessions(_ context.Context, now time.Time, dryRun bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("purge_sessions"); err != nil {
		return 0, err
	}
	n := 0
	for id, s := range m.sessions {
		if s.ExpiresAt.Before(now) {
			n++
			if !dryRun {
				delete(m.sessions, id)
			}
		}
	}
	return n, nil
}

func (m *Memory) TableCounts(context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check("table_counts"); err != nil {
		return nil, err
	}
	return map[string]int{
		"quotes":   len(m.quotes),
		"sessions": len(m.sessions),
		"bot_logs": len(m.logs),
	}, nil
}
