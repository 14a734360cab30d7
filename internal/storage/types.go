package storage

import (
	"context"
	"time"
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, lost on restart (default)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API consumed by bots and the audit recorder.
//
// Failures are returned as *Error so callers can classify them with
// errors.Is against the kind sentinels in errors.go.
type Store interface {
	AppendBotLog(ctx context.Context, e BotLog) error
	ListBotLogs(ctx context.Context, f BotLogFilter) ([]BotLog, error)
	PurgeBotLogs(ctx context.Context, before time.Time, statuses []string, dryRun bool) (int, error)

	InsertQuote(ctx context.Context, q Quote) error
	ListQuotes(ctx context.Context, f QuoteFilter) ([]Quote, error)
	QuoteStats(ctx context.Context) (QuoteStats, error)
	CountQuotesCreated(ctx context.Context, from, to time.Time) (int, error)
	ExpireStaleQuotes(ctx context.Context, before time.Time, dryRun bool) (int, error)
	PackagePopularity(ctx context.Context, limit int) ([]PackageCount, error)

	PutSession(ctx context.Context, s Session) error
	PurgeSessions(ctx context.Context, now time.Time, dryRun bool) (int, error)

	TableCounts(ctx context.Context) (map[string]int, error)
	Ping(ctx context.Context) error
	Optimize(ctx context.Context) error
	Close() error
}

// Quote statuses.
const (
	QuotePending  = "pending"
	QuoteApproved = "approved"
	QuoteRejected = "rejected"
	QuoteExpired  = "expired"
)

// Quote is the booking request scored by the lead bot.
// Prices are integer cents.
type Quote struct {
	ID              string    `json:"id"`
	UserID          string    `json:"userId,omitempty"`
	Status          string    `json:"status"`
	TotalPrice      int64     `json:"totalPrice"`
	EventDate       time.Time `json:"eventDate"`
	EventType       string    `json:"eventType,omitempty"`
	VenueID         string    `json:"venueId,omitempty"`
	VenueName       string    `json:"venueName,omitempty"`
	GuestCount      int       `json:"guestCount,omitempty"`
	SpecialRequests string    `json:"specialRequests,omitempty"`
	PackageName     string    `json:"packageName,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

type QuoteFilter struct {
	Status string
	Since  time.Time
	IDs    []string
	Limit  int
}

type QuoteStats struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Users    int `json:"users"`
}

type PackageCount struct {
	Package string `json:"package"`
	Count   int    `json:"count"`
}

type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
}

// Bot log statuses.
const (
	LogInfo    = "info"
	LogSuccess = "success"
	LogWarning = "warning"
	LogError   = "error"
)

// BotLog is an append-only activity record.
// Data is encoded as JSON on write and decoded into a generic value on read.
type BotLog struct {
	ID        int64     `json:"id,omitempty"`
	BotType   string    `json:"botType"`
	Action    string    `json:"action"`
	Status    string    `json:"status"`
	Data      any       `json:"data,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type BotLogFilter struct {
	BotType string
	Action  string
	Limit   int
}
