package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidRange is returned for reversed or oversized date ranges.
var ErrInvalidRange = errors.New("reporting: invalid range")

// Store reads time entries.
type Store interface {
	// ListTimeEntries returns entries dated within [from, to], both inclusive.
	ListTimeEntries(ctx context.Context, from, to time.Time) ([]Entry, error)
}

// Report is a grouped time report for a date range.
type Report struct {
	From       time.Time
	To         time.Time
	GroupBy    GroupBy
	Groups     []Group
	TotalHours decimal.Decimal
	Entries    int
}

// Service builds time reports.
type Service struct {
	store        Store
	maxRangeDays int
}

// NewService constructs a Service. maxRangeDays <= 0 disables the range limit.
func NewService(store Store, maxRangeDays int) (*Service, error) {
	if store == nil {
		return nil, errors.New("reporting: store is required")
	}
	return &Service{store: store, maxRangeDays: maxRangeDays}, nil
}

// TimeReport aggregates entries dated between from and to inclusive.
func (s *Service) TimeReport(ctx context.Context, from, to time.Time, by GroupBy) (Report, error) {
	if !by.Valid() {
		return Report{}, fmt.Errorf("%w: group_by must be employee, client or topic", ErrInvalidRange)
	}
	from, to = truncateDay(from), truncateDay(to)
	if to.Before(from) {
		return Report{}, fmt.Errorf("%w: to must not be before from", ErrInvalidRange)
	}
	if days := int(to.Sub(from).Hours()/24) + 1; s.maxRangeDays > 0 && days > s.maxRangeDays {
		return Report{}, fmt.Errorf("%w: range spans %d days, limit is %d", ErrInvalidRange, days, s.maxRangeDays)
	}

	entries, err := s.store.ListTimeEntries(ctx, from, to)
	if err != nil {
		return Report{}, fmt.Errorf("list time entries: %w", err)
	}
	groups := Aggregate(entries, by)
	report := Report{From: from, To: to, GroupBy: by, Groups: groups}
	for _, g := range groups {
		report.TotalHours = report.TotalHours.Add(g.Hours)
		report.Entries += g.Entries
	}
	return report, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

const dayLayout = "2006-01-02"

func parseDay(s string) (time.Time, error) {
	return time.Parse(dayLayout, s)
}
