package notifier

import (
	"context"
	"time"
)

// Config controls the async alert pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    float64
	Burst         int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses identical alerts for the same bot and code.
	DedupWindow time.Duration
}

// Message is one operator notification.
type Message struct {
	Severity string
	// Key identifies duplicates; empty disables dedup for the message.
	Key  string
	Text string
}

// Sender delivers rendered text to an operator channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, text string) error
}

type HistoryItem struct {
	At     time.Time `json:"at"`
	Sender string    `json:"sender"`
	Text   string    `json:"text"`
	Error  string    `json:"error,omitempty"`
}

// Event is published on the bus for notifier outcomes.
type Event struct {
	Sender string    `json:"sender"`
	Key    string    `json:"key,omitempty"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}
