package quota

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	PlanFree     = "FREE"
	PlanStarter  = "STARTER"
	PlanStandard = "STANDARD"
	PlanPremium  = "PREMIUM"
)

var entitlements = map[string]int64{
	PlanFree:     50_000,
	PlanStarter:  200_000,
	PlanStandard: 500_000,
	PlanPremium:  2_000_000,
}

// Entitlement returns the monthly token cap for a plan. Unknown or empty
// plans get the FREE cap.
func Entitlement(plan string) int64 {
	if v, ok := entitlements[strings.ToUpper(strings.TrimSpace(plan))]; ok {
		return v
	}
	return entitlements[PlanFree]
}

// Period is a calendar month in UTC.
type Period struct {
	Year  int
	Month int
}

func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: int(t.Month())}
}

func (p Period) Start() time.Time {
	return time.Date(p.Year, time.Month(p.Month), 1, 0, 0, 0, 0, time.UTC)
}

// End is the first instant of the next period.
func (p Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

type Status struct {
	HasQuota    bool      `json:"hasQuota"`
	Remaining   int64     `json:"remaining"`
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	PercentUsed int       `json:"percentUsed"`
	ResetAt     time.Time `json:"resetAt"`
}

func newStatus(used, limit int64, p Period) Status {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		HasQuota:    remaining > 0,
		Remaining:   remaining,
		Used:        used,
		Limit:       limit,
		PercentUsed: percentUsed(used, limit),
		ResetAt:     p.End(),
	}
}

func percentUsed(used, limit int64) int {
	if limit <= 0 {
		return 100
	}
	return int(math.Round(float64(used) * 100 / float64(limit)))
}

// ExceededError is returned by Authorize when the period's entitlement is
// used up. It carries what a client needs to explain the refusal.
type ExceededError struct {
	PercentUsed int
	Used        int64
	Limit       int64
	ResetAt     time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: used %d of %d (%d%%)", e.Used, e.Limit, e.PercentUsed)
}
