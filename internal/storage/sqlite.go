package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	logx "studiobot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, wrap("migrate", err)
	}
	log.Debug("storage.sqlite.opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return wrap("ping", ErrDisabled)
	}
	var one int
	return wrap("ping", s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one))
}

func (s *sqliteStore) Optimize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `ANALYZE`)
	if err == nil {
		_, err = s.db.ExecContext(ctx, `PRAGMA optimize`)
	}
	return wrap("optimize", err)
}

func (s *sqliteStore) AppendBotLog(ctx context.Context, e BotLog) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	var data any
	if e.Data != nil {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return wrap("append_bot_log", fmt.Errorf("encode data: %w", err))
		}
		data = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bot_logs(bot_type, action, status, data, created_at) VALUES(?,?,?,?,?)`,
		e.BotType, e.Action, e.Status, data, e.CreatedAt.UnixMilli(),
	)
	return wrap("append_bot_log", err)
}

func (s *sqliteStore) ListBotLogs(ctx context.Context, f BotLogFilter) ([]BotLog, error) {
	q := `SELECT id, bot_type, action, status, data, created_at FROM bot_logs WHERE 1=1`
	args := make([]any, 0, 3)
	if f.BotType != "" {
		q += ` AND bot_type = ?`
		args = append(args, f.BotType)
	}
	if f.Action != "" {
		q += ` AND action = ?`
		args = append(args, f.Action)
	}
	q += ` ORDER BY id DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("list_bot_logs", err)
	}
	defer rows.Close()

	var out []BotLog
	for rows.Next() {
		var (
			e    BotLog
			data sql.NullString
			at   int64
		)
		if err := rows.Scan(&e.ID, &e.BotType, &e.Action, &e.Status, &data, &at); err != nil {
			return nil, wrap("list_bot_logs", err)
		}
		if data.Valid && data.String != "" {
			var v any
			if err := json.Unmarshal([]byte(data.String), &v); err == nil {
				e.Data = v
			}
		}
		e.CreatedAt = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, wrap("list_bot_logs", rows.Err())
}

func (s *sqliteStore) PurgeBotLogs(ctx context.Context, before time.Time, statuses []string, dryRun bool) (int, error) {
	where := ` FROM bot_logs WHERE created_at < ?`
	args := []any{before.UnixMilli()}
	if len(statuses) > 0 {
		where += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	return s.countOrDelete(ctx, "purge_bot_logs", where, args, dryRun)
}

func (s *sqliteStore) InsertQuote(ctx context.Context, q Quote) error {
	now := time.Now()
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	if q.UpdatedAt.IsZero() {
		q.UpdatedAt = q.CreatedAt
	}
	if q.Status == "" {
		q.Status = QuotePending
	}
	var eventDate any
	if !q.EventDate.IsZero() {
		eventDate = q.EventDate.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quotes(id, user_id, status, total_price, event_date, event_type, venue_id, venue_name,
		  guest_count, special_requests, package_name, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		q.ID, nullStr(q.UserID), q.Status, q.TotalPrice, eventDate, nullStr(q.EventType),
		nullStr(q.VenueID), nullStr(q.VenueName), q.GuestCount, nullStr(q.SpecialRequests),
		nullStr(q.PackageName), q.CreatedAt.UnixMilli(), q.UpdatedAt.UnixMilli(),
	)
	return wrap("insert_quote", err)
}

func (s *sqliteStore) ListQuotes(ctx context.Context, f QuoteFilter) ([]Quote, error) {
	q := `SELECT id, user_id, status, total_price, event_date, event_type, venue_id, venue_name,
	        guest_count, special_requests, package_name, created_at, updated_at
	      FROM quotes WHERE 1=1`
	args := make([]any, 0, 4)
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, f.Since.UnixMilli())
	}
	if len(f.IDs) > 0 {
		q += ` AND id IN (` + placeholders(len(f.IDs)) + `)`
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("list_quotes", err)
	}
	defer rows.Close()

	var out []Quote
	for rows.Next() {
		var (
			qt                                  Quote
			userID, eventType, venueID, venueNm sql.NullString
			special, pkg                        sql.NullString
			eventDate                           sql.NullInt64
			createdAt, updatedAt                int64
		)
		if err := rows.Scan(&qt.ID, &userID, &qt.Status, &qt.TotalPrice, &eventDate, &eventType, &venueID, &venueNm,
			&qt.GuestCount, &special, &pkg, &createdAt, &updatedAt); err != nil {
			return nil, wrap("list_quotes", err)
		}
		qt.UserID = userID.String
		qt.EventType = eventType.String
		qt.VenueID = venueID.String
		qt.VenueName = venueNm.String
		qt.SpecialRequests = special.String
		qt.PackageName = pkg.String
		if eventDate.Valid {
			qt.EventDate = time.UnixMilli(eventDate.Int64)
		}
		qt.CreatedAt = time.UnixMilli(createdAt)
		qt.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, qt)
	}
	return out, wrap("list_quotes", rows.Err())
}

func (s *sqliteStore) QuoteStats(ctx context.Context) (QuoteStats, error) {
	var st QuoteStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		        COUNT(DISTINCT user_id)
		 FROM quotes`, QuotePending, QuoteApproved,
	).Scan(&st.Total, &st.Pending, &st.Approved, &st.Users)
	return st, wrap("quote_stats", err)
}

func (s *sqliteStore) CountQuotesCreated(ctx context.Context, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM quotes WHERE created_at >= ? AND created_at < ?`,
		from.UnixMilli(), to.UnixMilli(),
	).Scan(&n)
	return n, wrap("count_quotes", err)
}

func (s *sqliteStore) ExpireStaleQuotes(ctx context.Context, before time.Time, dryRun bool) (int, error) {
	if dryRun {
		var n int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM quotes WHERE status = ? AND created_at < ?`,
			QuotePending, before.UnixMilli(),
		).Scan(&n)
		return n, wrap("expire_quotes", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE quotes SET status = ?, updated_at = ? WHERE status = ? AND created_at < ?`,
		QuoteExpired, time.Now().UnixMilli(), QuotePending, before.UnixMilli(),
	)
	if err != nil {
		return 0, wrap("expire_quotes", err)
	}
	n, err := res.RowsAffected()
	return int(n), wrap("expire_quotes", err)
}

func (s *sqliteStore) PackagePopularity(ctx context.Context, limit int) ([]PackageCount, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT package_name, COUNT(*) AS n FROM quotes
		 WHERE package_name IS NOT NULL AND package_name != ''
		 GROUP BY package_name ORDER BY n DESC, package_name ASC LIMIT ?`, limit)
	if err != nil {
		return nil, wrap("package_popularity", err)
	}
	defer rows.Close()

	var out []PackageCount
	for rows.Next() {
		var pc PackageCount
		if err := rows.Scan(&pc.Package, &pc.Count); err != nil {
			return nil, wrap("package_popularity", err)
		}
		out = append(out, pc)
	}
	return out, wrap("package_popularity", rows.Err())
}

func (s *sqliteStore) PutSession(ctx context.Context, ss Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(id, user_id, expires_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET user_id=excluded.user_id, expires_at=excluded.expires_at`,
		ss.ID, nullStr(ss.UserID), ss.ExpiresAt.UnixMilli(),
	)
	return wrap("put_session", err)
}

func (s *sqliteStore) PurgeSessions(ctx context.Context, now time.Time, dryRun bool) (int, error) {
	return s.countOrDelete(ctx, "purge_sessions", ` FROM sessions WHERE expires_at < ?`, []any{now.UnixMilli()}, dryRun)
}

func (s *sqliteStore) TableCounts(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, 3)
	for _, table := range []string{"quotes", "sessions", "bot_logs"} {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, wrap("table_counts", err)
		}
		out[table] = n
	}
	return out, nil
}

// countOrDelete runs "SELECT COUNT(*)" or "DELETE" over the same
// FROM/WHERE clause depending on dryRun.
func (s *sqliteStore) countOrDelete(ctx context.Context, op, where string, args []any, dryRun bool) (int, error) {
	if dryRun {
		var n int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+where, args...).Scan(&n)
		return n, wrap(op, err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE`+where, args...)
	if err != nil {
		return 0, wrap(op, err)
	}
	n, err := res.RowsAffected()
	return int(n), wrap(op, err)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
