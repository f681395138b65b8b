package servicedesc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-lexbill/internal/billing"
)

// ErrStoreUnavailable indicates the database dependency is not configured.
var ErrStoreUnavailable = errors.New("servicedesc: store unavailable")

// NewStore constructs a Store backed by a pgx connection pool. Numeric columns
// travel as text in both directions so amounts never pass through float64.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

const descriptionColumns = `id, client_id, period_start, period_end, status,
discount_kind, discount_value::text,
retainer_fee::text, retainer_hours::text, retainer_overage_rate::text,
final_total::text, finalized_at, updated_at`

func (s *pgStore) CreateDescription(ctx context.Context, sd billing.ServiceDescription) (Record, error) {
	if s == nil || s.pool == nil {
		return Record{}, ErrStoreUnavailable
	}
	kind, value := discountArgs(sd.Discount)
	var fee, hours, rate any
	if sd.Retainer != nil {
		fee, hours, rate = sd.Retainer.Fee.String(), sd.Retainer.Hours.String(), sd.Retainer.OverageRate.String()
	}
	row := s.pool.QueryRow(ctx, `INSERT INTO service_descriptions
(id, client_id, period_start, period_end, status, discount_kind, discount_value,
 retainer_fee, retainer_hours, retainer_overage_rate)
VALUES ($1, $2, $3, $4, 'DRAFT', $5, $6, $7, $8, $9)
RETURNING `+descriptionColumns,
		sd.ID, sd.ClientID, pgDate(sd.PeriodStart), pgDate(sd.PeriodEnd), kind, value, fee, hours, rate)
	return scanRecord(row)
}

func (s *pgStore) GetDescription(ctx context.Context, id uuid.UUID) (Record, error) {
	if s == nil || s.pool == nil {
		return Record{}, ErrStoreUnavailable
	}
	rec, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+descriptionColumns+` FROM service_descriptions WHERE id = $1`, id))
	if err != nil {
		return Record{}, err
	}

	topics, err := s.loadTopics(ctx, id)
	if err != nil {
		return Record{}, err
	}
	rec.Description.Topics = topics
	return rec, nil
}

func (s *pgStore) loadTopics(ctx context.Context, descriptionID uuid.UUID) ([]billing.Topic, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, display_order, pricing_mode,
hourly_rate::text, fixed_fee::text, cap_hours::text, discount_kind, discount_value::text
FROM topics WHERE service_description_id = $1
ORDER BY display_order, created_at, id`, descriptionID)
	if err != nil {
		return nil, fmt.Errorf("query topics: %w", err)
	}
	defer rows.Close()

	var topics []billing.Topic
	index := make(map[uuid.UUID]int)
	for rows.Next() {
		var (
			t                   billing.Topic
			mode                string
			rate, fee, capHours pgtype.Text
			discKind, discValue pgtype.Text
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.DisplayOrder, &mode, &rate, &fee, &capHours, &discKind, &discValue); err != nil {
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		t.PricingMode = billing.PricingMode(mode)
		if t.HourlyRate, err = nullDecimal(rate); err != nil {
			return nil, err
		}
		if t.FixedFee, err = nullDecimal(fee); err != nil {
			return nil, err
		}
		if t.CapHours, err = nullDecimal(capHours); err != nil {
			return nil, err
		}
		if t.Discount, err = scanDiscount(discKind, discValue); err != nil {
			return nil, err
		}
		index[t.ID] = len(topics)
		topics = append(topics, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		return topics, nil
	}

	itemRows, err := s.pool.Query(ctx, `SELECT li.id, li.topic_id, li.time_entry_id, li.work_date, li.description,
li.hours::text, li.fixed_amount::text, li.display_order, li.waive_mode
FROM line_items li
JOIN topics t ON t.id = li.topic_id
WHERE t.service_description_id = $1
ORDER BY li.display_order, li.work_date, li.id`, descriptionID)
	if err != nil {
		return nil, fmt.Errorf("query line items: %w", err)
	}
	defer itemRows.Close()

	for itemRows.Next() {
		var (
			li           billing.LineItem
			topicID      uuid.UUID
			timeEntry    pgtype.UUID
			workDate     pgtype.Date
			hours, fixed pgtype.Text
			waive        pgtype.Text
		)
		if err := itemRows.Scan(&li.ID, &topicID, &timeEntry, &workDate, &li.Description, &hours, &fixed, &li.DisplayOrder, &waive); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		if timeEntry.Valid {
			id := uuid.UUID(timeEntry.Bytes)
			li.TimeEntryID = &id
		}
		if workDate.Valid {
			li.Date = workDate.Time
		}
		if li.Hours, err = nullDecimal(hours); err != nil {
			return nil, err
		}
		if li.FixedAmount, err = nullDecimal(fixed); err != nil {
			return nil, err
		}
		if waive.Valid {
			li.WaiveMode = billing.WaiveMode(waive.String)
		}
		pos, ok := index[topicID]
		if !ok {
			continue
		}
		topics[pos].LineItems = append(topics[pos].LineItems, li)
	}
	return topics, itemRows.Err()
}

func (s *pgStore) ListDescriptions(ctx context.Context, f ListFilter) ([]Summary, int, error) {
	if s == nil || s.pool == nil {
		return nil, 0, ErrStoreUnavailable
	}
	var (
		where []string
		args  []any
	)
	if f.ClientID != nil {
		args = append(args, *f.ClientID)
		where = append(where, fmt.Sprintf("client_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM service_descriptions`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count descriptions: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`SELECT id, client_id, period_start, period_end, status, final_total::text, updated_at
FROM service_descriptions%s
ORDER BY period_start DESC, id
LIMIT $%d OFFSET $%d`, clause, len(args)-1, len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list descriptions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum        Summary
			start, end pgtype.Date
			status     string
			finalTotal pgtype.Text
		)
		if err := rows.Scan(&sum.ID, &sum.ClientID, &start, &end, &status, &finalTotal, &sum.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan summary: %w", err)
		}
		sum.PeriodStart, sum.PeriodEnd = start.Time, end.Time
		sum.Status = billing.Status(status)
		if sum.FinalTotal, err = nullDecimal(finalTotal); err != nil {
			return nil, 0, err
		}
		out = append(out, sum)
	}
	return out, total, rows.Err()
}

func (s *pgStore) InsertTopic(ctx context.Context, descriptionID uuid.UUID, t billing.Topic) (billing.Topic, error) {
	err := s.inDraft(ctx, descriptionID, func(tx pgx.Tx) error {
		kind, value := discountArgs(t.Discount)
		_, err := tx.Exec(ctx, `INSERT INTO topics
(id, service_description_id, name, display_order, pricing_mode, hourly_rate, fixed_fee, cap_hours, discount_kind, discount_value)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			t.ID, descriptionID, t.Name, t.DisplayOrder, string(t.PricingMode),
			numericArg(t.HourlyRate), numericArg(t.FixedFee), numericArg(t.CapHours), kind, value)
		return err
	})
	if err != nil {
		return billing.Topic{}, err
	}
	return t, nil
}

func (s *pgStore) UpdateTopic(ctx context.Context, descriptionID uuid.UUID, t billing.Topic) error {
	return s.inDraft(ctx, descriptionID, func(tx pgx.Tx) error {
		kind, value := discountArgs(t.Discount)
		tag, err := tx.Exec(ctx, `UPDATE topics SET name = $3, display_order = $4, pricing_mode = $5,
hourly_rate = $6, fixed_fee = $7, cap_hours = $8, discount_kind = $9, discount_value = $10
WHERE id = $1 AND service_description_id = $2`,
			t.ID, descriptionID, t.Name, t.DisplayOrder, string(t.PricingMode),
			numericArg(t.HourlyRate), numericArg(t.FixedFee), numericArg(t.CapHours), kind, value)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *pgStore) DeleteTopic(ctx context.Context, descriptionID, topicID uuid.UUID) error {
	return s.inDraft(ctx, descriptionID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM topics WHERE id = $1 AND service_description_id = $2`, topicID, descriptionID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *pgStore) InsertLineItem(ctx context.Context, descriptionID, topicID uuid.UUID, li billing.LineItem) (billing.LineItem, error) {
	err := s.inDraft(ctx, descriptionID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `INSERT INTO line_items
(id, topic_id, time_entry_id, work_date, description, hours, fixed_amount, display_order, waive_mode)
SELECT $1, t.id, $3, $4, $5, $6, $7, $8, $9
FROM topics t WHERE t.id = $2 AND t.service_description_id = $10`,
			li.ID, topicID, li.TimeEntryID, pgDate(li.Date), li.Description,
			numericArg(li.Hours), numericArg(li.FixedAmount), li.DisplayOrder, waiveArg(li.WaiveMode), descriptionID)
		if err != nil {
			return lineItemErr(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return billing.LineItem{}, err
	}
	return li, nil
}

func (s *pgStore) UpdateLineItem(ctx context.Context, descriptionID uuid.UUID, li billing.LineItem) error {
	return s.inDraft(ctx, descriptionID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE line_items li SET time_entry_id = $3, work_date = $4, description = $5,
hours = $6, fixed_amount = $7, display_order = $8, waive_mode = $9
FROM topics t
WHERE li.id = $1 AND li.topic_id = t.id AND t.service_description_id = $2`,
			li.ID, descriptionID, li.TimeEntryID, pgDate(li.Date), li.Description,
			numericArg(li.Hours), numericArg(li.FixedAmount), li.DisplayOrder, waiveArg(li.WaiveMode))
		if err != nil {
			return lineItemErr(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *pgStore) DeleteLineItem(ctx context.Context, descriptionID, itemID uuid.UUID) error {
	return s.inDraft(ctx, descriptionID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM line_items li USING topics t
WHERE li.id = $1 AND li.topic_id = t.id AND t.service_description_id = $2`, itemID, descriptionID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *pgStore) Finalize(ctx context.Context, id uuid.UUID, total decimal.Decimal, updatedAt time.Time) (time.Time, error) {
	if s == nil || s.pool == nil {
		return time.Time{}, ErrStoreUnavailable
	}
	var finalizedAt time.Time
	err := s.pool.QueryRow(ctx, `UPDATE service_descriptions
SET status = 'FINALIZED', final_total = $2, finalized_at = now(), updated_at = now()
WHERE id = $1 AND status = 'DRAFT' AND updated_at = $3
RETURNING finalized_at`, id, total.StringFixed(2), updatedAt).Scan(&finalizedAt)
	if err == nil {
		return finalizedAt, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, err
	}

	var status string
	if err := s.pool.QueryRow(ctx, `SELECT status FROM service_descriptions WHERE id = $1`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, err
	}
	if billing.Status(status) == billing.StatusFinalized {
		return time.Time{}, ErrFinalized
	}
	return time.Time{}, ErrStale
}

// inDraft runs fn in a transaction holding a row lock on a DRAFT description and
// bumps updated_at afterwards so cached totals keyed on it go stale.
func (s *pgStore) inDraft(ctx context.Context, descriptionID uuid.UUID, fn func(pgx.Tx) error) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM service_descriptions WHERE id = $1 FOR UPDATE`, descriptionID).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if billing.Status(status) != billing.StatusDraft {
			return ErrFinalized
		}
		if err := fn(tx); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE service_descriptions SET updated_at = clock_timestamp() WHERE id = $1`, descriptionID)
		return err
	})
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec                          Record
		sd                           billing.ServiceDescription
		start, end                   pgtype.Date
		status                       string
		discKind, discValue          pgtype.Text
		fee, hours, rate, finalTotal pgtype.Text
		finalizedAt                  pgtype.Timestamptz
	)
	err := row.Scan(&sd.ID, &sd.ClientID, &start, &end, &status, &discKind, &discValue,
		&fee, &hours, &rate, &finalTotal, &finalizedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("scan description: %w", err)
	}
	sd.PeriodStart, sd.PeriodEnd = start.Time, end.Time
	sd.Status = billing.Status(status)
	if sd.Discount, err = scanDiscount(discKind, discValue); err != nil {
		return Record{}, err
	}
	if fee.Valid && hours.Valid && rate.Valid {
		plan := billing.RetainerPlan{}
		if plan.Fee, err = decimal.NewFromString(fee.String); err != nil {
			return Record{}, fmt.Errorf("parse retainer fee: %w", err)
		}
		if plan.Hours, err = decimal.NewFromString(hours.String); err != nil {
			return Record{}, fmt.Errorf("parse retainer hours: %w", err)
		}
		if plan.OverageRate, err = decimal.NewFromString(rate.String); err != nil {
			return Record{}, fmt.Errorf("parse overage rate: %w", err)
		}
		sd.Retainer = &plan
	}
	if rec.FinalTotal, err = nullDecimal(finalTotal); err != nil {
		return Record{}, err
	}
	if finalizedAt.Valid {
		t := finalizedAt.Time
		rec.FinalizedAt = &t
	}
	rec.Description = sd
	return rec, nil
}

func nullDecimal(v pgtype.Text) (decimal.NullDecimal, error) {
	if !v.Valid {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("parse numeric %q: %w", v.String, err)
	}
	return decimal.NewNullDecimal(d), nil
}

func scanDiscount(kind, value pgtype.Text) (billing.Discount, error) {
	if !kind.Valid || !value.Valid {
		return billing.NoDiscount(), nil
	}
	d, err := decimal.NewFromString(value.String)
	if err != nil {
		return billing.Discount{}, fmt.Errorf("parse discount value: %w", err)
	}
	return billing.ParseDiscount(&kind.String, &d)
}

func discountArgs(d billing.Discount) (any, any) {
	if d.IsZero() {
		return nil, nil
	}
	return string(d.Kind), d.Value.String()
}

func numericArg(v decimal.NullDecimal) any {
	if !v.Valid {
		return nil
	}
	return v.Decimal.String()
}

func waiveArg(w billing.WaiveMode) any {
	if w == billing.WaiveNone {
		return nil
	}
	return string(w)
}

func pgDate(t time.Time) pgtype.Date {
	if t.IsZero() {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: t, Valid: true}
}

// lineItemErr maps constraint violations on line_items.time_entry_id.
func lineItemErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return ErrTimeEntryBilled
	case "23503":
		return ErrUnknownTimeEntry
	}
	return err
}
