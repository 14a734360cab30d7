// Package lead scores, qualifies and routes booking inquiries.
//
// The scoring rules live in score.go as pure functions of a quote and an
// instant. This file adapts them to the bot runner and the quote store.
package lead

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"studiobot/internal/bot"
	"studiobot/internal/storage"
	logx "studiobot/pkg/logx"
)

// Operations.
const (
	OpScoreLeads       = "score-leads"
	OpQualifyInquiries = "qualify-inquiries"
	OpRouteLeads       = "route-leads"
)

// Store is the slice of storage.Store the lead bot reads and writes.
type Store interface {
	ListQuotes(ctx context.Context, f storage.QuoteFilter) ([]storage.Quote, error)
	CountQuotesCreated(ctx context.Context, from, to time.Time) (int, error)
	AppendBotLog(ctx context.Context, e storage.BotLog) error
}

type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type Options struct {
	Limit     int        `json:"limit"`
	Status    string     `json:"status"`
	DaysSince int        `json:"daysSince"`
	DateRange *DateRange `json:"dateRange"`
}

// Input is the lead bot's accepted input.
type Input struct {
	Type    string  `json:"type"`
	Options Options `json:"options"`
}

func (in *Input) SetDefaults() {
	if in.Options.Limit == 0 {
		in.Options.Limit = 20
	}
	if in.Options.DaysSince == 0 {
		in.Options.DaysSince = 30
	}
}

func (in *Input) Validate() error {
	o := in.Options
	return errors.Join(
		bot.OneOf("type", in.Type, OpScoreLeads, OpQualifyInquiries, OpRouteLeads),
		between("options.limit", o.Limit, 1, 100),
		between("options.daysSince", o.DaysSince, 1, 365),
		validRange(o.DateRange),
	)
}

func between(field string, v, lo, hi int) error {
	if v < lo || v > hi {
		return fmt.Errorf("%s must be between %d and %d, got %d", field, lo, hi, v)
	}
	return nil
}

func validRange(r *DateRange) error {
	if r == nil {
		return nil
	}
	if r.From.IsZero() || r.To.IsZero() {
		return errors.New("options.dateRange needs both from and to")
	}
	if r.To.Before(r.From) {
		return errors.New("options.dateRange.to is before from")
	}
	return nil
}

// ScoredLead is one quote with its scorecard.
type ScoredLead struct {
	QuoteID     string    `json:"quoteId"`
	UserID      string    `json:"userId,omitempty"`
	PackageName string    `json:"packageName,omitempty"`
	TotalPrice  int64     `json:"totalPrice"`
	EventDate   time.Time `json:"eventDate"`
	Scorecard
	Routing *Routing `json:"routing,omitempty"`

	quote storage.Quote
}

type ScoringSummary struct {
	Total         int `json:"total"`
	HighQuality   int `json:"highQuality"`
	MediumQuality int `json:"mediumQuality"`
	LowQuality    int `json:"lowQuality"`
	AverageScore  int `json:"averageScore"`
}

type Scoring struct {
	Summary ScoringSummary `json:"summary"`
	Leads   []ScoredLead   `json:"leads"`
}

type QualifiedInquiry struct {
	QuoteID     string    `json:"quoteId"`
	UserID      string    `json:"userId,omitempty"`
	PackageName string    `json:"packageName,omitempty"`
	TotalPrice  int64     `json:"totalPrice"`
	EventDate   time.Time `json:"eventDate"`
	Qualification
}

type QualificationSummary struct {
	Total          int `json:"total"`
	Qualified      int `json:"qualified"`
	NeedsAttention int `json:"needsAttention"`
}

type Qualifying struct {
	Summary   QualificationSummary `json:"summary"`
	Inquiries []QualifiedInquiry   `json:"inquiries"`
}

type Assignment struct {
	Count  int `json:"count"`
	Urgent int `json:"urgent"`
	High   int `json:"high"`
	Normal int `json:"normal"`
}

type RoutingSummary struct {
	TotalRouted int                   `json:"totalRouted"`
	Urgent      int                   `json:"urgent"`
	High        int                   `json:"high"`
	Normal      int                   `json:"normal"`
	Assignments map[string]Assignment `json:"assignments"`
}

type Routed struct {
	Summary RoutingSummary `json:"summary"`
	Leads   []ScoredLead   `json:"routedLeads"`
}

// Result holds the outcome of exactly one operation.
type Result struct {
	LeadScoring   *Scoring    `json:"leadScoring,omitempty"`
	Qualification *Qualifying `json:"qualification,omitempty"`
	Routing       *Routed     `json:"routing,omitempty"`
}

// routeLimit is how many pending leads route-leads considers.
const routeLimit = 10

// Bot implements bot.Processor[Input].
type Bot struct {
	store Store
	log   logx.Logger
	now   func() time.Time
}

func NewBot(store Store, log logx.Logger, now func() time.Time) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Bot{store: store, log: log, now: now}
}

// Factory builds the lead kind for the manager.
func Factory(store Store) bot.Factory {
	return func(d bot.Deps) (bot.Instance, error) {
		if store == nil {
			return nil, errors.New("lead bot needs a quote store")
		}
		b := NewBot(store, d.Log, d.Now)
		return bot.New[Input](d.Kind, b, d.Options()), nil
	}
}

func (b *Bot) Process(ctx context.Context, in Input, executionID string) (any, error) {
	log := b.log.With(logx.String("execution_id", executionID), logx.String("op", in.Type))
	var (
		res Result
		err error
	)
	switch in.Type {
	case OpScoreLeads:
		res.LeadScoring, err = b.scoreLeads(ctx, in.Options)
	case OpQualifyInquiries:
		res.Qualification, err = b.qualifyInquiries(ctx, in.Options)
	case OpRouteLeads:
		res.Routing, err = b.routeLeads(ctx)
	default:
		err = fmt.Errorf("unknown lead operation %q", in.Type)
	}
	if err != nil {
		log.Warn("lead.operation_failed", logx.Err(err))
		b.activity(ctx, storage.LogError, map[string]any{"type": in.Type, "error": err.Error()})
		return nil, err
	}
	log.Info("lead.operation_completed")
	b.activity(ctx, storage.LogSuccess, res)
	return res, nil
}

func (b *Bot) activity(ctx context.Context, status string, data any) {
	err := b.store.AppendBotLog(ctx, storage.BotLog{
		BotType:   string(bot.KindLead),
		Action:    "lead_processing",
		Status:    status,
		Data:      data,
		CreatedAt: b.now(),
	})
	if err != nil {
		b.log.Warn("lead.activity_log_failed", logx.Err(err))
	}
}

func (b *Bot) scoreLeads(ctx context.Context, o Options) (*Scoring, error) {
	f := storage.QuoteFilter{Status: o.Status, Limit: o.Limit}
	if f.Status == "" {
		f.Status = storage.QuotePending
	}
	if o.DateRange != nil {
		f.Since = o.DateRange.From
		// The upper bound is applied after the fetch, so widen the limit.
		f.Limit = 0
	}
	quotes, err := b.store.ListQuotes(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("lead scoring failed: %w", err)
	}
	if o.DateRange != nil {
		quotes = createdBefore(quotes, o.DateRange.To, o.Limit)
	}

	now := b.now()
	leads := make([]ScoredLead, 0, len(quotes))
	for _, q := range quotes {
		leads = append(leads, scored(q, now))
	}
	sort.SliceStable(leads, func(i, j int) bool { return leads[i].Score > leads[j].Score })
	return &Scoring{Summary: summarize(leads), Leads: leads}, nil
}

func createdBefore(qs []storage.Quote, to time.Time, limit int) []storage.Quote {
	out := qs[:0]
	for _, q := range qs {
		if !q.CreatedAt.After(to) {
			out = append(out, q)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func scored(q storage.Quote, now time.Time) ScoredLead {
	return ScoredLead{
		QuoteID:     q.ID,
		UserID:      q.UserID,
		PackageName: q.PackageName,
		TotalPrice:  q.TotalPrice,
		EventDate:   q.EventDate,
		Scorecard:   Score(q, now),
		quote:       q,
	}
}

func summarize(leads []ScoredLead) ScoringSummary {
	s := ScoringSummary{Total: len(leads)}
	sum := 0
	for _, l := range leads {
		sum += l.Score
		switch l.Category {
		case CategoryHigh:
			s.HighQuality++
		case CategoryMedium:
			s.MediumQuality++
		default:
			s.LowQuality++
		}
	}
	if len(leads) > 0 {
		s.AverageScore = (sum*2 + len(leads)) / (len(leads) * 2)
	}
	return s
}

func (b *Bot) qualifyInquiries(ctx context.Context, o Options) (*Qualifying, error) {
	now := b.now()
	quotes, err := b.store.ListQuotes(ctx, storage.QuoteFilter{
		Status: storage.QuotePending,
		Since:  now.AddDate(0, 0, -o.DaysSince),
	})
	if err != nil {
		return nil, fmt.Errorf("inquiry qualification failed: %w", err)
	}

	out := &Qualifying{Inquiries: make([]QualifiedInquiry, 0, len(quotes))}
	for _, q := range quotes {
		qi := QualifiedInquiry{
			QuoteID:       q.ID,
			UserID:        q.UserID,
			PackageName:   q.PackageName,
			TotalPrice:    q.TotalPrice,
			EventDate:     q.EventDate,
			Qualification: Qualify(q, now),
		}
		out.Summary.Total++
		if qi.Qualified {
			out.Summary.Qualified++
		}
		if qi.NeedsAttention {
			out.Summary.NeedsAttention++
		}
		out.Inquiries = append(out.Inquiries, qi)
	}
	return out, nil
}

func (b *Bot) routeLeads(ctx context.Context) (*Routed, error) {
	scoring, err := b.scoreLeads(ctx, Options{Status: storage.QuotePending, Limit: routeLimit})
	if err != nil {
		return nil, fmt.Errorf("lead routing failed: %w", err)
	}
	now := b.now()
	out := &Routed{
		Summary: RoutingSummary{Assignments: map[string]Assignment{}},
		Leads:   scoring.Leads,
	}
	for i := range out.Leads {
		l := &out.Leads[i]
		r := Route(l.quote, l.Scorecard, now)
		l.Routing = &r

		a := out.Summary.Assignments[r.AssignedTo]
		a.Count++
		switch r.Priority {
		case PriorityUrgent:
			a.Urgent++
			out.Summary.Urgent++
		case PriorityHigh:
			a.High++
			out.Summary.High++
		default:
			a.Normal++
			out.Summary.Normal++
		}
		out.Summary.Assignments[r.AssignedTo] = a
	}
	out.Summary.TotalRouted = len(out.Leads)
	return out, nil
}

// CheckHealth reports store reachability and recent quote volume.
func (b *Bot) CheckHealth(ctx context.Context) (map[string]any, error) {
	now := b.now()
	n, err := b.store.CountQuotesCreated(ctx, now.AddDate(0, 0, -7), now)
	if err != nil {
		return map[string]any{"database": false}, err
	}
	return map[string]any{
		"database":     true,
		"recentQuotes": n,
		"capabilities": []string{OpScoreLeads, OpQualifyInquiries, OpRouteLeads},
	}, nil
}
