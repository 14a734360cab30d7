package lead

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"studiobot/internal/storage"
)

// Component weights in percent; they sum to 100.
const (
	WeightBudget     = 30
	WeightTimeline   = 25
	WeightEngagement = 20
	WeightFit        = 15
	WeightUrgency    = 10
)

// EngagementPlaceholder stands in for engagement until follow-up tracking
// exists.
const EngagementPlaceholder = 75

// QualifyThreshold is the minimum score of a qualified inquiry.
const QualifyThreshold = 50

const (
	CategoryHigh   = "high"
	CategoryMedium = "medium"
	CategoryLow    = "low"
)

const (
	UrgencyCritical = "critical"
	UrgencyHigh     = "high"
	UrgencyMedium   = "medium"
	UrgencyLow      = "low"
)

var urgencyKeywords = []string{"urgent", "asap", "rush"}

type Breakdown struct {
	Budget     int `json:"budget"`
	Timeline   int `json:"timeline"`
	Engagement int `json:"engagement"`
	Fit        int `json:"fit"`
	Urgency    int `json:"urgency"`
}

// Scorecard is the outcome of scoring one quote at a given instant.
type Scorecard struct {
	Score           int       `json:"score"`
	Category        string    `json:"category"`
	Breakdown       Breakdown `json:"breakdown"`
	DaysUntilEvent  int       `json:"daysUntilEvent"`
	Urgency         string    `json:"urgency"`
	Recommendations []string  `json:"recommendations"`
}

// Score rates q at now. It does no I/O; the same quote and now always give
// the same card.
func Score(q storage.Quote, now time.Time) Scorecard {
	days := DaysUntil(q.EventDate, now)
	b := Breakdown{
		Budget:     BudgetScore(q.TotalPrice),
		Timeline:   TimelineScore(days),
		Engagement: EngagementPlaceholder,
		Fit:        FitScore(q),
		Urgency:    UrgencyScore(q.SpecialRequests),
	}
	score := Weighted(b)
	return Scorecard{
		Score:           score,
		Category:        Category(score),
		Breakdown:       b,
		DaysUntilEvent:  days,
		Urgency:         UrgencyLevel(days),
		Recommendations: recommendations(q, score, b.Timeline),
	}
}

// Weighted combines the components, rounding half up.
func Weighted(b Breakdown) int {
	sum := b.Budget*WeightBudget +
		b.Timeline*WeightTimeline +
		b.Engagement*WeightEngagement +
		b.Fit*WeightFit +
		b.Urgency*WeightUrgency
	return (sum + 50) / 100
}

// DaysUntil is the number of started days from now to at, rounded up.
// Past dates give zero or negative values.
func DaysUntil(at, now time.Time) int {
	return int(math.Ceil(float64(at.Sub(now)) / float64(24*time.Hour)))
}

// BudgetScore tiers a total price in cents.
func BudgetScore(cents int64) int {
	switch {
	case cents >= 500000:
		return 100
	case cents >= 300000:
		return 80
	case cents >= 200000:
		return 60
	case cents >= 100000:
		return 40
	default:
		return 20
	}
}

func TimelineScore(days int) int {
	switch {
	case days <= 30:
		return 100
	case days <= 60:
		return 80
	case days <= 120:
		return 60
	case days <= 180:
		return 40
	default:
		return 20
	}
}

func FitScore(q storage.Quote) int {
	score := 50
	if q.VenueID != "" || q.VenueName != "" {
		score += 25
	}
	if q.GuestCount > 0 {
		score += 25
	}
	return min(score, 100)
}

func UrgencyScore(requests string) int {
	score := 50
	if requests == "" {
		return score
	}
	low := strings.ToLower(requests)
	for _, kw := range urgencyKeywords {
		if strings.Contains(low, kw) {
			score += 50
			break
		}
	}
	if utf8.RuneCountInString(requests) > 100 {
		score += 25
	}
	return min(score, 100)
}

func Category(score int) string {
	switch {
	case score >= 80:
		return CategoryHigh
	case score >= 60:
		return CategoryMedium
	default:
		return CategoryLow
	}
}

func UrgencyLevel(days int) string {
	switch {
	case days <= 30:
		return UrgencyCritical
	case days <= 60:
		return UrgencyHigh
	case days <= 120:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

func recommendations(q storage.Quote, score, timeline int) []string {
	out := []string{}
	if score >= 80 {
		out = append(out,
			"High-priority lead - contact within 2 hours",
			"Assign to senior team member",
		)
	}
	if timeline >= 80 {
		out = append(out, "Urgent timeline - prioritize immediate response")
	}
	if q.TotalPrice >= 300000 {
		out = append(out, "High-value opportunity - personalized approach recommended")
	}
	if q.VenueID == "" && q.VenueName == "" {
		out = append(out, "Offer venue consultation to increase engagement")
	}
	return out
}

// Qualification is the verdict on a recent inquiry.
type Qualification struct {
	Qualified      bool   `json:"qualified"`
	Score          int    `json:"score"`
	Reason         string `json:"reason"`
	NeedsAttention bool   `json:"needsAttention"`
	Priority       string `json:"priority"`
}

// Qualify applies QualifyThreshold to q. Pending inquiries older than two
// days need attention.
func Qualify(q storage.Quote, now time.Time) Qualification {
	card := Score(q, now)
	out := Qualification{
		Qualified: card.Score >= QualifyThreshold,
		Score:     card.Score,
		Reason:    "Below qualification threshold",
		Priority:  card.Urgency,
	}
	if out.Qualified {
		out.Reason = "Meets qualification criteria"
	}
	daysOld := DaysUntil(now, q.CreatedAt)
	out.NeedsAttention = daysOld > 2 && q.Status == storage.QuotePending
	return out
}

// Routing rule names.
const (
	RuleHighValue         = "high-value"
	RuleWeddingSpecialist = "wedding-specialist"
	RuleUrgentTimeline    = "urgent-timeline"
	RuleStandard          = "standard"
)

const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityNormal = "normal"
)

type Routing struct {
	Rule       string    `json:"rule"`
	AssignedTo string    `json:"assignedTo"`
	Priority   string    `json:"priority"`
	RoutedAt   time.Time `json:"routedAt"`
	Reason     string    `json:"reason"`
}

type rule struct {
	name     string
	match    func(q storage.Quote, c Scorecard) bool
	assignTo string
	priority string
	reason   func(q storage.Quote, c Scorecard) string
}

// rules are evaluated in order; the first match wins and standard always matches.
var rules = []rule{
	{
		name:     RuleHighValue,
		match:    func(_ storage.Quote, c Scorecard) bool { return c.Score >= 80 },
		assignTo: "senior_producer",
		priority: PriorityUrgent,
		reason: func(q storage.Quote, c Scorecard) string {
			return fmt.Sprintf("High-value lead (score: %d, budget: %s)", c.Score, dollars(q.TotalPrice))
		},
	},
	{
		name:     RuleWeddingSpecialist,
		match:    func(q storage.Quote, _ Scorecard) bool { return strings.Contains(strings.ToLower(q.PackageName), "wedding") },
		assignTo: "wedding_coordinator",
		priority: PriorityHigh,
		reason: func(q storage.Quote, _ Scorecard) string {
			return fmt.Sprintf("Wedding-specific expertise required (%s)", q.PackageName)
		},
	},
	{
		name:     RuleUrgentTimeline,
		match:    func(_ storage.Quote, c Scorecard) bool { return c.DaysUntilEvent <= 30 },
		assignTo: "operations_manager",
		priority: PriorityUrgent,
		reason: func(_ storage.Quote, c Scorecard) string {
			return fmt.Sprintf("Urgent timeline (%d days until event)", c.DaysUntilEvent)
		},
	},
	{
		name:     RuleStandard,
		match:    func(storage.Quote, Scorecard) bool { return true },
		assignTo: "sales_team",
		priority: PriorityNormal,
		reason:   func(storage.Quote, Scorecard) string { return "Standard routing based on availability" },
	},
}

// Route picks the assignee for a scored quote.
func Route(q storage.Quote, c Scorecard, now time.Time) Routing {
	for _, r := range rules {
		if r.match(q, c) {
			return Routing{
				Rule:       r.name,
				AssignedTo: r.assignTo,
				Priority:   r.priority,
				RoutedAt:   now,
				Reason:     r.reason(q, c),
			}
		}
	}
	return Routing{}
}

// dollars formats cents as $1,234 or $1,234.50.
func dollars(cents int64) string {
	neg := cents < 0
	if neg {
		cents = -cents
	}
	whole := fmt.Sprintf("%d", cents/100)
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteByte('$')
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if frac := cents % 100; frac != 0 {
		fmt.Fprintf(&b, ".%02d", frac)
	}
	return b.String()
}
