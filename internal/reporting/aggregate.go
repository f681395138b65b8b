package reporting

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GroupBy selects the dimension a time report is grouped on.
type GroupBy string

const (
	GroupByEmployee GroupBy = "employee"
	GroupByClient   GroupBy = "client"
	GroupByTopic    GroupBy = "topic"
)

// Valid reports whether g is a supported grouping.
func (g GroupBy) Valid() bool {
	switch g {
	case GroupByEmployee, GroupByClient, GroupByTopic:
		return true
	default:
		return false
	}
}

const unassignedTopic = "(unassigned)"

// Entry is a recorded unit of work.
type Entry struct {
	ID           uuid.UUID
	EmployeeID   uuid.UUID
	EmployeeName string
	ClientID     uuid.UUID
	Topic        string
	Date         time.Time
	Hours        decimal.Decimal
}

// Group is one row of a time report.
type Group struct {
	Key     string
	Label   string
	Hours   decimal.Decimal
	Entries int
}

// Aggregate sums hours and counts entries per group, ordered by hours descending
// then key ascending. Negative hours count as zero.
func Aggregate(entries []Entry, by GroupBy) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, e := range entries {
		key, label := groupKey(e, by)
		pos, ok := index[key]
		if !ok {
			pos = len(groups)
			index[key] = pos
			groups = append(groups, Group{Key: key, Label: label})
		}
		g := &groups[pos]
		if e.Hours.IsPositive() {
			g.Hours = g.Hours.Add(e.Hours)
		}
		g.Entries++
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if c := groups[i].Hours.Cmp(groups[j].Hours); c != 0 {
			return c > 0
		}
		return groups[i].Key < groups[j].Key
	})
	return groups
}

func groupKey(e Entry, by GroupBy) (string, string) {
	switch by {
	case GroupByEmployee:
		label := e.EmployeeName
		if label == "" {
			label = e.EmployeeID.String()
		}
		return e.EmployeeID.String(), label
	case GroupByClient:
		return e.ClientID.String(), e.ClientID.String()
	default:
		if e.Topic == "" {
			return unassignedTopic, unassignedTopic
		}
		return e.Topic, e.Topic
	}
}
