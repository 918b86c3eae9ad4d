package analytics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/crm/backend/internal/domain/crm"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// MonthLayout is the key format of monthly buckets
const MonthLayout = "2006-01"

// MaxWindowMonths is the longest window a filter may span, in calendar months
const MaxWindowMonths = 60

// Filter defines the window and optional slicing of an analytics run.
// StartDate and EndDate are calendar dates; both are inclusive.
type Filter struct {
	TenantID  uuid.UUID  `json:"-"`
	StartDate time.Time  `json:"start_date"`
	EndDate   time.Time  `json:"end_date"`
	SellerID  *uuid.UUID `json:"seller_id,omitempty"`
	Channel   string     `json:"channel,omitempty"`
}

// DefaultFilter returns a window covering the last months calendar months,
// current month included
func DefaultFilter(tenantID uuid.UUID, now time.Time, months int) Filter {
	if months <= 0 {
		months = 12
	}
	now = now.UTC()
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Filter{
		TenantID:  tenantID,
		StartDate: firstOfMonth.AddDate(0, -(months - 1), 0),
		EndDate:   truncateDay(now),
	}
}

// Normalize truncates dates to UTC days and trims the channel
func (f Filter) Normalize() Filter {
	f.StartDate = truncateDay(f.StartDate)
	f.EndDate = truncateDay(f.EndDate)
	f.Channel = strings.TrimSpace(f.Channel)
	return f
}

// Validate checks that the window is well formed
func (f Filter) Validate() error {
	if f.StartDate.IsZero() || f.EndDate.IsZero() {
		return shared.NewDomainError("INVALID_DATE_RANGE", "Start and end dates are required")
	}
	if f.EndDate.Before(f.StartDate) {
		return shared.ErrInvalidDateRange
	}
	if monthSpan(f.StartDate, f.EndDate) > MaxWindowMonths {
		return shared.NewDomainError("INVALID_DATE_RANGE",
			fmt.Sprintf("Date range must not span more than %d months", MaxWindowMonths))
	}
	return nil
}

// monthSpan counts the calendar months touched by [start, end]
func monthSpan(start, end time.Time) int {
	start, end = start.UTC(), end.UTC()
	return (end.Year()-start.Year())*12 + int(end.Month()-start.Month()) + 1
}

// Window returns the half-open time range [from, to) covered by the filter
func (f Filter) Window() (from, to time.Time) {
	return truncateDay(f.StartDate), truncateDay(f.EndDate).AddDate(0, 0, 1)
}

// Months returns every YYYY-MM key in the window in ascending order
func (f Filter) Months() []string {
	from, to := f.Window()
	last := to.Add(-time.Nanosecond)
	cur := time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(last.Year(), last.Month(), 1, 0, 0, 0, 0, time.UTC)

	var months []string
	for !cur.After(end) {
		months = append(months, cur.Format(MonthLayout))
		cur = cur.AddDate(0, 1, 0)
	}
	return months
}

// RecordFilter converts the filter into a repository query
func (f Filter) RecordFilter() crm.RecordFilter {
	from, to := f.Window()
	return crm.RecordFilter{
		TenantID: f.TenantID,
		From:     from,
		To:       to,
		SellerID: f.SellerID,
		Channel:  f.Channel,
	}
}

// Canonical returns a stable representation of the filter, with parameters
// sorted by name, used as part of cache keys
func (f Filter) Canonical() string {
	params := map[string]string{
		"tenant": f.TenantID.String(),
		"start":  truncateDay(f.StartDate).Format(time.DateOnly),
		"end":    truncateDay(f.EndDate).Format(time.DateOnly),
	}
	if f.SellerID != nil {
		params["seller"] = f.SellerID.String()
	}
	if c := strings.TrimSpace(f.Channel); c != "" {
		params["channel"] = strings.ToLower(c)
	}

	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
