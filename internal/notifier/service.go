package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"studiobot/internal/errhandler"
	"studiobot/internal/eventbus"
	rtsup "studiobot/internal/runtime/supervisor"
	logx "studiobot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historyLimit = 100

// Service is an async alert pipeline: queue, worker pool, rate limit,
// retry and dedup. It implements errhandler.Alerter and is safe for
// concurrent use.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	sender   Sender
	fallback Sender
	bus      eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Message
	sup       *rtsup.Supervisor
	stopDone  chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds the service. sender may be nil, in which case alerts only reach
// the log fallback.
func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		sender:   sender,
		fallback: NewLogSender(log),
		log:      log,
		bus:      bus,
		dedup:    map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
}

// Start launches the workers. It is idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan Message, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))))
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := range workers {
		sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.sup, s.stopDone = nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Alert renders a critical error alert and queues it.
func (s *Service) Alert(ctx context.Context, a errhandler.Alert) error {
	return s.Notify(ctx, Message{
		Severity: string(a.Severity),
		Key:      string(a.BotType) + ":" + a.Code,
		Text:     FormatAlert(a),
	})
}

// FormatAlert renders a as plain text. It only carries the safe message.
func FormatAlert(a errhandler.Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 %s error in %s bot\n", strings.ToUpper(string(a.Severity)), a.BotType)
	fmt.Fprintf(&b, "Message: %s\n", a.Message)
	if a.Code != "" {
		fmt.Fprintf(&b, "Code: %s\n", a.Code)
	}
	if a.ExecutionID != "" {
		fmt.Fprintf(&b, "Execution: %s\n", a.ExecutionID)
	}
	if a.Breaker != "" {
		fmt.Fprintf(&b, "Circuit: %s (%d failures)\n", a.Breaker, a.Failures)
	}
	fmt.Fprintf(&b, "Time: %s", a.Timestamp.UTC().Format(time.RFC3339))
	return b.String()
}

// Notify queues m. Suppressed duplicates return nil.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q, window := s.queue, s.cfg.DedupWindow
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if window > 0 && m.Key != "" && !s.dedupAllow(m.Key, window) {
		s.log.Debug("notifier.deduped", logx.String("key", m.Key))
		return nil
	}

	select {
	case q <- m:
		return nil
	default:
		s.publish(eventbus.AlertDropped, Event{Key: m.Key, Error: ErrQueueFull.Error()})
		_ = s.fallback.Send(ctx, m.Text)
		return ErrQueueFull
	}
}

func (s *Service) dedupAllow(key string, window time.Duration) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, m)
		}
	}
}

func (s *Service) deliver(ctx context.Context, m Message) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()

	if sender == nil {
		_ = s.fallback.Send(ctx, m.Text)
		s.remember(s.fallback.Name(), m.Text, nil)
		return
	}

	attempts := 1 + cfg.RetryMax
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if werr := lim.Wait(ctx); werr != nil {
			err = werr
			break
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = sender.Send(callCtx, m.Text)
		cancel()
		if err == nil {
			s.remember(sender.Name(), m.Text, nil)
			s.publish(eventbus.AlertSent, Event{Sender: sender.Name(), Key: m.Key})
			return
		}
		s.log.Debug("notifier.send_failed", logx.String("sender", sender.Name()), logx.Int("attempt", attempt), logx.Err(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
			continue
		case <-ctx.Done():
			t.Stop()
			err = ctx.Err()
		}
		break
	}

	s.log.Warn("notifier.delivery_failed", logx.String("sender", sender.Name()), logx.Err(err))
	s.remember(sender.Name(), m.Text, err)
	s.publish(eventbus.AlertFailed, Event{Sender: sender.Name(), Key: m.Key, Error: err.Error()})
	_ = s.fallback.Send(context.WithoutCancel(ctx), m.Text)
}

func (s *Service) publish(typ string, e Event) {
	e.At = time.Now()
	s.bus.Publish(eventbus.Event{Type: typ, Time: e.At, Data: e})
}

func (s *Service) remember(sender, text string, err error) {
	item := HistoryItem{At: time.Now(), Sender: sender, Text: text}
	if err != nil {
		item.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.hmu.Unlock()
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// Supervisor exposes the worker supervisor for health output; nil when stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// retryDelay is base*2^(attempt-1), capped, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(min(d, cfg.RetryMaxDelay)) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
