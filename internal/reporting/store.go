package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

func (s *pgStore) ListTimeEntries(ctx context.Context, from, to time.Time) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, employee_id, employee_name, client_id, coalesce(topic, ''), work_date, hours::text
FROM time_entries
WHERE work_date BETWEEN $1 AND $2
ORDER BY work_date, id`,
		pgtype.Date{Time: from, Valid: true}, pgtype.Date{Time: to, Valid: true})
	if err != nil {
		return nil, fmt.Errorf("query time entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			day   pgtype.Date
			hours string
		)
		if err := rows.Scan(&e.ID, &e.EmployeeID, &e.EmployeeName, &e.ClientID, &e.Topic, &day, &hours); err != nil {
			return nil, fmt.Errorf("scan time entry: %w", err)
		}
		e.Date = day.Time
		if e.Hours, err = decimal.NewFromString(hours); err != nil {
			return nil, fmt.Errorf("parse hours %q: %w", hours, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
