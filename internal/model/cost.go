package model

import (
	"fmt"
	"time"
)

// CostPeriod is the granularity of a cost bucket.
type CostPeriod string

const (
	PeriodHour  CostPeriod = "HOUR"
	PeriodDay   CostPeriod = "DAY"
	PeriodMonth CostPeriod = "MONTH"
)

// IsValid reports whether p is one of the declared periods.
func (p CostPeriod) IsValid() bool {
	switch p {
	case PeriodHour, PeriodDay, PeriodMonth:
		return true
	default:
		return false
	}
}

// BucketKey returns the bucket identifier containing t (always UTC).
func (p CostPeriod) BucketKey(t time.Time) string {
	t = t.UTC()
	switch p {
	case PeriodHour:
		return t.Format("2006-01-02T15")
	case PeriodDay:
		return t.Format("2006-01-02")
	case PeriodMonth:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01")
	}
}

// ParseCostPeriod parses a period name, defaulting to MONTH when empty.
func ParseCostPeriod(s string) (CostPeriod, error) {
	if s == "" {
		return PeriodMonth, nil
	}
	p := CostPeriod(s)
	if !p.IsValid() {
		return "", fmt.Errorf("%w: unknown period %q", ErrInvalidInput, s)
	}
	return p, nil
}

// BillingPeriod returns the billing period containing t as "YYYY-MM" (UTC).
func BillingPeriod(t time.Time) string {
	return PeriodMonth.BucketKey(t)
}

// DaysInMonth returns the number of days in t's UTC month.
func DaysInMonth(t time.Time) int {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// CostItem is one recorded cost entry. Cost is the total for Count operations.
type CostItem struct {
	ID         string    `json:"id"`
	Domain     string    `json:"domain"`
	Operation  string    `json:"operation"`
	Cost       float64   `json:"cost"`
	Count      int64     `json:"count"`
	RecordedAt time.Time `json:"recorded_at"`
}

// CostLine is one operation's aggregate within a breakdown.
type CostLine struct {
	Operation string  `json:"operation"`
	Cost      float64 `json:"cost"`
	Count     int64   `json:"count"`
}

// CostBreakdown is an immutable period-scoped aggregate.
// TotalCost always equals the sum of Breakdown[].Cost.
type CostBreakdown struct {
	Domain      *string    `json:"domain,omitempty"`
	Period      CostPeriod `json:"period"`
	Bucket      string     `json:"bucket"`
	TotalCost   float64    `json:"total_cost"`
	Breakdown   []CostLine `json:"breakdown"`
	GeneratedAt time.Time  `json:"generated_at"`
}

// InstanceCost summarises one domain's spend for the current month.
type InstanceCost struct {
	Domain         string  `json:"domain"`
	MonthToDateUSD float64 `json:"month_to_date_usd"`
	TodayUSD       float64 `json:"today_usd"`
	Operations     int64   `json:"operations"`
}

// CostUpdate is published for every accepted cost record.
type CostUpdate struct {
	Domain            string    `json:"domain"`
	Operation         string    `json:"operation"`
	OperationCost     float64   `json:"operation_cost"`
	DailyTotal        float64   `json:"daily_total"`
	MonthToDate       float64   `json:"month_to_date"`
	MonthlyProjection float64   `json:"monthly_projection"`
	At                time.Time `json:"at"`
}

// CostProjection projects a domain's spend to the end of a period.
type CostProjection struct {
	Domain       string     `json:"domain"`
	Period       CostPeriod `json:"period"`
	Bucket       string     `json:"bucket"`
	CurrentUSD   float64    `json:"current_usd"`
	ProjectedUSD float64    `json:"projected_usd"`
	Elapsed      float64    `json:"elapsed"`
	Length       float64    `json:"length"`
}

// CostAlert is published when a domain's projected monthly spend first
// exceeds its budget within a billing period.
type CostAlert struct {
	ID           string    `json:"id"`
	Domain       string    `json:"domain"`
	CurrentUSD   float64   `json:"current_usd"`
	ProjectedUSD float64   `json:"projected_usd"`
	BudgetUSD    float64   `json:"budget_usd"`
	Message      string    `json:"message"`
	At           time.Time `json:"at"`
}
