package notifier

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studiobot/internal/bot"
	"studiobot/internal/errhandler"
	"studiobot/internal/eventbus"
	logx "studiobot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	sent  []string
	calls int
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return errors.New("upstream 502")
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) snapshot() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]string(nil), f.sent...)
}

func fastConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		QueueSize:     8,
		RatePerSec:    1000,
		Burst:         10,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 2 * time.Millisecond,
	}
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestRetriesThenDelivers(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	fs := &fakeSender{fails: 2}
	s := New(fastConfig(), fs, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Notify(context.Background(), Message{Key: "a", Text: "hello"}))
	e := waitEvent(t, events, eventbus.AlertSent)
	assert.Equal(t, "fake", e.Data.(Event).Sender)

	calls, sent := fs.snapshot()
	assert.Equal(t, 3, calls)
	assert.Equal(t, []string{"hello"}, sent)

	h := s.History()
	require.Len(t, h, 1)
	assert.Empty(t, h[0].Error)
}

func TestFailureFallsBackToLog(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	var buf syncBuffer
	fs := &fakeSender{fails: 100}
	s := New(fastConfig(), fs, logx.NewWriter(&buf, "debug"), bus)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	require.NoError(t, s.Notify(context.Background(), Message{Key: "b", Text: "db down"}))
	waitEvent(t, events, eventbus.AlertFailed)

	calls, _ := fs.snapshot()
	assert.Equal(t, 3, calls)
	assert.Eventually(t, func() bool { return strings.Contains(buf.String(), "db down") }, time.Second, 5*time.Millisecond)
	h := s.History()
	require.Len(t, h, 1)
	assert.Contains(t, h[0].Error, "upstream 502")
}

func TestDedupSuppressesRepeats(t *testing.T) {
	cfg := fastConfig()
	cfg.DedupWindow = time.Minute
	fs := &fakeSender{}
	s := New(cfg, fs, logx.Nop(), nil)
	s.Start(context.Background())

	for range 3 {
		require.NoError(t, s.Notify(context.Background(), Message{Key: "lead:E_DB", Text: "same"}))
	}
	require.NoError(t, s.Notify(context.Background(), Message{Key: "deployment:E_DB", Text: "other"}))
	s.Stop(context.Background())

	_, sent := fs.snapshot()
	assert.Equal(t, []string{"same", "other"}, sent)
}

func TestDisabledAndStopped(t *testing.T) {
	s := New(Config{}, &fakeSender{}, logx.Nop(), nil)
	s.Start(context.Background())
	assert.ErrorIs(t, s.Notify(context.Background(), Message{Text: "x"}), ErrDisabled)

	s = New(fastConfig(), &fakeSender{}, logx.Nop(), nil)
	assert.ErrorIs(t, s.Notify(context.Background(), Message{Text: "x"}), ErrStopped)
	s.Start(context.Background())
	s.Stop(context.Background())
	assert.ErrorIs(t, s.Notify(context.Background(), Message{Text: "x"}), ErrStopped)
	assert.Nil(t, s.Supervisor())
}

func TestStopDrainsQueue(t *testing.T) {
	fs := &fakeSender{}
	s := New(fastConfig(), fs, logx.Nop(), nil)
	s.Start(context.Background())
	for i := range 5 {
		require.NoError(t, s.Notify(context.Background(), Message{Text: strings.Repeat("x", i+1)}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	_, sent := fs.snapshot()
	assert.Len(t, sent, 5)
}

func TestAlertCarriesSafeMessageOnly(t *testing.T) {
	fs := &fakeSender{}
	s := New(fastConfig(), fs, logx.Nop(), nil)
	s.Start(context.Background())

	a := errhandler.Alert{
		Severity:    errhandler.SeverityCritical,
		BotType:     bot.KindDatabase,
		ExecutionID: "exec-1",
		Code:        "DATABASE_ERROR",
		Message:     "A database error occurred",
		Breaker:     "open",
		Failures:    5,
		Timestamp:   time.Date(2025, 4, 1, 9, 30, 0, 0, time.UTC),
	}
	require.NoError(t, s.Alert(context.Background(), a))
	s.Stop(context.Background())

	_, sent := fs.snapshot()
	require.Len(t, sent, 1)
	text := sent[0]
	assert.Contains(t, text, "CRITICAL error in database bot")
	assert.Contains(t, text, "Message: A database error occurred")
	assert.Contains(t, text, "Code: DATABASE_ERROR")
	assert.Contains(t, text, "Circuit: open (5 failures)")
	assert.Contains(t, text, "2025-04-01T09:30:00Z")
}

func TestRetryDelayIsCapped(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Positive(t, d)
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	parts := splitText("line one\nline two\nline three", 12)
	assert.Equal(t, []string{"line one\n", "line two\n", "line three"}, parts)

	parts = splitText(strings.Repeat("é", 25), 10)
	require.Len(t, parts, 3)
	assert.Equal(t, strings.Repeat("é", 10), parts[0])
	assert.Equal(t, strings.Repeat("é", 5), parts[2])
}

func TestTelegramSenderPostsToEachChat(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, r.URL.Path+" "+string(b))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":1,"type":"private"},"text":"ok"}}`)
	}))
	defer srv.Close()

	ts, err := NewTelegramSender(TelegramConfig{Token: "t0k", ChatIDs: []int64{11, 22}, APIURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "telegram", ts.Name())
	require.NoError(t, ts.Send(context.Background(), "deploy failed"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 2)
	for _, b := range bodies {
		assert.Contains(t, b, "/bott0k/sendMessage")
		assert.Contains(t, b, "deploy failed")
	}
	assert.Contains(t, bodies[0], "11")
	assert.Contains(t, bodies[1], "22")
}

func TestTelegramSenderConfigErrors(t *testing.T) {
	_, err := NewTelegramSender(TelegramConfig{ChatIDs: []int64{1}})
	assert.Error(t, err)
	_, err = NewTelegramSender(TelegramConfig{Token: "x"})
	assert.Error(t, err)
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}
