package servicedesc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-lexbill/internal/billing"
	"github.com/noah-isme/backend-lexbill/internal/lock"
	"github.com/noah-isme/backend-lexbill/internal/obs"
)

// Calculation paths used as metric labels.
const (
	pathPreview  = "preview"
	pathList     = "list"
	pathFinalize = "finalize"
	pathExport   = "export"
)

// Service coordinates persistence, calculation, caching and export scheduling.
type Service struct {
	store  Store
	cache  *TotalsCache
	tasks  TaskEnqueuer
	locker Locker
	logger zerolog.Logger
	newID  func() uuid.UUID
}

// Locker serialises work on one description across API replicas.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

const finalizeLockTTL = 30 * time.Second

// ServiceConfig groups Service dependencies.
type ServiceConfig struct {
	Store  Store
	Cache  *TotalsCache
	Tasks  TaskEnqueuer
	Locker Locker
	Logger zerolog.Logger
}

// NewService constructs a Service instance.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("servicedesc: store is required")
	}
	return &Service{
		store:  cfg.Store,
		cache:  cfg.Cache,
		tasks:  cfg.Tasks,
		locker: cfg.Locker,
		logger: cfg.Logger.With().Str("component", "servicedesc").Logger(),
		newID:  uuid.New,
	}, nil
}

// CreateInput describes a new DRAFT description.
type CreateInput struct {
	ClientID    uuid.UUID
	PeriodStart time.Time
	PeriodEnd   time.Time
	Discount    billing.Discount
	Retainer    *billing.RetainerPlan
}

// TopicInput describes a new topic.
type TopicInput struct {
	Name         string
	DisplayOrder int
	PricingMode  billing.PricingMode
	HourlyRate   decimal.NullDecimal
	FixedFee     decimal.NullDecimal
	CapHours     decimal.NullDecimal
	Discount     billing.Discount
}

// TopicPatch changes the non-nil fields of a topic. A non-nil decimal pointer
// holding an invalid NullDecimal clears the column.
type TopicPatch struct {
	Name         *string
	DisplayOrder *int
	PricingMode  *billing.PricingMode
	HourlyRate   *decimal.NullDecimal
	FixedFee     *decimal.NullDecimal
	CapHours     *decimal.NullDecimal
	Discount     *billing.Discount
}

// LineItemInput describes a new line item.
type LineItemInput struct {
	TimeEntryID  *uuid.UUID
	Date         time.Time
	Description  string
	Hours        decimal.NullDecimal
	FixedAmount  decimal.NullDecimal
	DisplayOrder int
	WaiveMode    billing.WaiveMode
}

// LineItemPatch changes the non-nil fields of a line item.
type LineItemPatch struct {
	Date         *time.Time
	Description  *string
	Hours        *decimal.NullDecimal
	FixedAmount  *decimal.NullDecimal
	DisplayOrder *int
	WaiveMode    *billing.WaiveMode
}

// Preview is a loaded description with its calculation.
type Preview struct {
	Record Record
	Result billing.Result
}

// ListItem is a summary row with its rounded grand total.
type ListItem struct {
	Summary Summary
	Total   decimal.Decimal
}

// Create stores a new DRAFT description.
func (s *Service) Create(ctx context.Context, in CreateInput) (Preview, error) {
	if in.ClientID == uuid.Nil {
		return Preview{}, invalid("client_id is required")
	}
	if in.PeriodStart.IsZero() || in.PeriodEnd.IsZero() {
		return Preview{}, invalid("period_start and period_end are required")
	}
	if in.PeriodEnd.Before(in.PeriodStart) {
		return Preview{}, invalid("period_end must not be before period_start")
	}
	if err := validateDiscount(in.Discount); err != nil {
		return Preview{}, err
	}
	if in.Retainer != nil {
		r := in.Retainer
		for _, f := range []struct {
			name  string
			value decimal.Decimal
		}{{"retainer.fee", r.Fee}, {"retainer.hours", r.Hours}, {"retainer.overage_rate", r.OverageRate}} {
			if err := checkAmount(f.name, f.value); err != nil {
				return Preview{}, err
			}
		}
	}

	rec, err := s.store.CreateDescription(ctx, billing.ServiceDescription{
		ID:          s.newID(),
		ClientID:    in.ClientID,
		PeriodStart: in.PeriodStart,
		PeriodEnd:   in.PeriodEnd,
		Status:      billing.StatusDraft,
		Discount:    in.Discount,
		Retainer:    in.Retainer,
	})
	if err != nil {
		return Preview{}, fmt.Errorf("create description: %w", err)
	}
	s.logger.Info().Str("description_id", rec.Description.ID.String()).Str("client_id", in.ClientID.String()).Msg("service description created")
	return Preview{Record: rec, Result: s.calculate(pathPreview, rec.Description)}, nil
}

// Preview loads a description and runs the calculator over it.
func (s *Service) Preview(ctx context.Context, id uuid.UUID) (Preview, error) {
	rec, err := s.store.GetDescription(ctx, id)
	if err != nil {
		return Preview{}, err
	}
	res := s.calculate(pathPreview, rec.Description)
	s.reportFindings(rec.Description.ID, res.Findings)
	return Preview{Record: rec, Result: res}, nil
}

// List returns a page of summaries. FINALIZED rows carry their stored total;
// DRAFT totals are computed live and cached per version.
func (s *Service) List(ctx context.Context, f ListFilter) ([]ListItem, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, invalid("status must be DRAFT or FINALIZED")
	}
	rows, total, err := s.store.ListDescriptions(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list descriptions: %w", err)
	}
	items := make([]ListItem, 0, len(rows))
	for _, row := range rows {
		amount, err := s.summaryTotal(ctx, row)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, ListItem{Summary: row, Total: amount})
	}
	return items, total, nil
}

func (s *Service) summaryTotal(ctx context.Context, row Summary) (decimal.Decimal, error) {
	if row.Status == billing.StatusFinalized && row.FinalTotal.Valid {
		return row.FinalTotal.Decimal, nil
	}
	cached, ok, err := s.cache.Get(ctx, row.ID, row.UpdatedAt)
	if err != nil {
		s.logger.Warn().Err(err).Str("description_id", row.ID.String()).Msg("totals cache read failed")
	}
	if ok {
		obs.CountTotalsCache("hit")
		return cached, nil
	}
	obs.CountTotalsCache("miss")

	rec, err := s.store.GetDescription(ctx, row.ID)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("load description %s: %w", row.ID, err)
	}
	amount := s.calculate(pathList, rec.Description).Total
	if err := s.cache.Set(ctx, row.ID, rec.UpdatedAt, amount); err != nil {
		s.logger.Warn().Err(err).Str("description_id", row.ID.String()).Msg("totals cache write failed")
	}
	return amount, nil
}

// AddTopic appends a topic to a DRAFT description.
func (s *Service) AddTopic(ctx context.Context, descriptionID uuid.UUID, in TopicInput) (billing.Topic, error) {
	topic := billing.Topic{
		ID:           s.newID(),
		Name:         in.Name,
		DisplayOrder: in.DisplayOrder,
		PricingMode:  in.PricingMode,
		HourlyRate:   in.HourlyRate,
		FixedFee:     in.FixedFee,
		CapHours:     in.CapHours,
		Discount:     in.Discount,
	}
	if err := validateTopic(topic); err != nil {
		return billing.Topic{}, err
	}
	created, err := s.store.InsertTopic(ctx, descriptionID, topic)
	if err != nil {
		return billing.Topic{}, err
	}
	return created, nil
}

// UpdateTopic applies patch to a topic of a DRAFT description.
func (s *Service) UpdateTopic(ctx context.Context, descriptionID, topicID uuid.UUID, patch TopicPatch) (billing.Topic, error) {
	rec, err := s.store.GetDescription(ctx, descriptionID)
	if err != nil {
		return billing.Topic{}, err
	}
	if rec.Description.Status == billing.StatusFinalized {
		return billing.Topic{}, ErrFinalized
	}
	topic, ok := findTopic(rec.Description, topicID)
	if !ok {
		return billing.Topic{}, ErrNotFound
	}
	if patch.Name != nil {
		topic.Name = *patch.Name
	}
	if patch.DisplayOrder != nil {
		topic.DisplayOrder = *patch.DisplayOrder
	}
	if patch.PricingMode != nil {
		topic.PricingMode = *patch.PricingMode
	}
	if patch.HourlyRate != nil {
		topic.HourlyRate = *patch.HourlyRate
	}
	if patch.FixedFee != nil {
		topic.FixedFee = *patch.FixedFee
	}
	if patch.CapHours != nil {
		topic.CapHours = *patch.CapHours
	}
	if patch.Discount != nil {
		topic.Discount = *patch.Discount
	}
	if err := validateTopic(topic); err != nil {
		return billing.Topic{}, err
	}
	if err := s.store.UpdateTopic(ctx, descriptionID, topic); err != nil {
		return billing.Topic{}, err
	}
	return topic, nil
}

// DeleteTopic removes a topic and its line items from a DRAFT description.
func (s *Service) DeleteTopic(ctx context.Context, descriptionID, topicID uuid.UUID) error {
	return s.store.DeleteTopic(ctx, descriptionID, topicID)
}

// AddLineItem appends a line item to a topic of a DRAFT description.
func (s *Service) AddLineItem(ctx context.Context, descriptionID, topicID uuid.UUID, in LineItemInput) (billing.LineItem, error) {
	item := billing.LineItem{
		ID:           s.newID(),
		TimeEntryID:  in.TimeEntryID,
		Date:         in.Date,
		Description:  in.Description,
		Hours:        in.Hours,
		FixedAmount:  in.FixedAmount,
		DisplayOrder: in.DisplayOrder,
		WaiveMode:    in.WaiveMode,
	}
	if err := validateLineItem(item); err != nil {
		return billing.LineItem{}, err
	}
	return s.store.InsertLineItem(ctx, descriptionID, topicID, item)
}

// UpdateLineItem applies patch to a line item of a DRAFT description. Setting
// the waive mode goes through here.
func (s *Service) UpdateLineItem(ctx context.Context, descriptionID, itemID uuid.UUID, patch LineItemPatch) (billing.LineItem, error) {
	rec, err := s.store.GetDescription(ctx, descriptionID)
	if err != nil {
		return billing.LineItem{}, err
	}
	if rec.Description.Status == billing.StatusFinalized {
		return billing.LineItem{}, ErrFinalized
	}
	item, ok := findLineItem(rec.Description, itemID)
	if !ok {
		return billing.LineItem{}, ErrNotFound
	}
	if patch.Date != nil {
		item.Date = *patch.Date
	}
	if patch.Description != nil {
		item.Description = *patch.Description
	}
	if patch.Hours != nil {
		item.Hours = *patch.Hours
	}
	if patch.FixedAmount != nil {
		item.FixedAmount = *patch.FixedAmount
	}
	if patch.DisplayOrder != nil {
		item.DisplayOrder = *patch.DisplayOrder
	}
	if patch.WaiveMode != nil {
		item.WaiveMode = *patch.WaiveMode
	}
	if err := validateLineItem(item); err != nil {
		return billing.LineItem{}, err
	}
	if err := s.store.UpdateLineItem(ctx, descriptionID, item); err != nil {
		return billing.LineItem{}, err
	}
	return item, nil
}

// DeleteLineItem removes a line item from a DRAFT description.
func (s *Service) DeleteLineItem(ctx context.Context, descriptionID, itemID uuid.UUID) error {
	return s.store.DeleteLineItem(ctx, descriptionID, itemID)
}

// Finalize computes the authoritative total, stores it, flips the status and
// schedules export verification. Concurrent calls for one description queue on
// the locker; the loser then observes ErrFinalized.
func (s *Service) Finalize(ctx context.Context, id uuid.UUID) (Preview, error) {
	if s.locker == nil {
		return s.finalize(ctx, id)
	}
	var out Preview
	err := s.locker.WithLock(ctx, "finalize:"+id.String(), finalizeLockTTL, func(ctx context.Context) error {
		var err error
		out, err = s.finalize(ctx, id)
		return err
	})
	if errors.Is(err, lock.ErrUnavailable) {
		s.logger.Warn().Err(err).Str("description_id", id.String()).Msg("finalize lock unavailable, relying on version check")
		return s.finalize(ctx, id)
	}
	return out, err
}

func (s *Service) finalize(ctx context.Context, id uuid.UUID) (Preview, error) {
	rec, err := s.store.GetDescription(ctx, id)
	if err != nil {
		return Preview{}, err
	}
	if rec.Description.Status == billing.StatusFinalized {
		return Preview{}, ErrFinalized
	}
	res := s.calculate(pathFinalize, rec.Description)
	s.reportFindings(id, res.Findings)

	finalizedAt, err := s.store.Finalize(ctx, id, res.Total, rec.UpdatedAt)
	if err != nil {
		return Preview{}, err
	}
	rec.Description.Status = billing.StatusFinalized
	rec.FinalTotal = decimal.NewNullDecimal(res.Total)
	rec.FinalizedAt = &finalizedAt
	rec.UpdatedAt = finalizedAt

	s.logger.Info().Str("description_id", id.String()).Str("total", res.Total.StringFixed(2)).Msg("service description finalized")
	s.enqueueExport(ctx, id, res.Total)
	return Preview{Record: rec, Result: res}, nil
}

func (s *Service) enqueueExport(ctx context.Context, id uuid.UUID, total decimal.Decimal) {
	if s.tasks == nil {
		return
	}
	task, err := NewExportTask(ExportPayload{DescriptionID: id, Total: total.StringFixed(2)})
	if err != nil {
		s.logger.Error().Err(err).Str("description_id", id.String()).Msg("build export task")
		return
	}
	if _, err := s.tasks.EnqueueContext(ctx, task); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return
		}
		s.logger.Error().Err(err).Str("description_id", id.String()).Msg("enqueue export task")
	}
}

// VerifyExport recomputes a FINALIZED description and confirms it matches the
// stored total exactly.
func (s *Service) VerifyExport(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	rec, err := s.store.GetDescription(ctx, id)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if rec.Description.Status != billing.StatusFinalized || !rec.FinalTotal.Valid {
		return decimal.Decimal{}, fmt.Errorf("%w: description %s is not finalized", ErrInvalidInput, id)
	}
	recomputed := s.calculate(pathExport, rec.Description).Total
	if !recomputed.Equal(rec.FinalTotal.Decimal) {
		obs.CountExportMismatch()
		s.logger.Error().
			Str("description_id", id.String()).
			Str("stored_total", rec.FinalTotal.Decimal.StringFixed(2)).
			Str("recomputed_total", recomputed.StringFixed(2)).
			Msg("finalized total mismatch")
		return decimal.Decimal{}, fmt.Errorf("%w: stored %s, recomputed %s", ErrExportMismatch,
			rec.FinalTotal.Decimal.StringFixed(2), recomputed.StringFixed(2))
	}
	return recomputed, nil
}

func (s *Service) calculate(path string, sd billing.ServiceDescription) billing.Result {
	start := time.Now()
	res := billing.Calculate(sd)
	obs.ObserveCalculation(path, obs.DurationMillis(time.Since(start)))
	return res
}

func (s *Service) reportFindings(id uuid.UUID, findings []billing.Finding) {
	for _, f := range findings {
		obs.CountDataQuality(string(f.Issue))
		ev := s.logger.Warn().Str("description_id", id.String()).Str("topic_id", f.TopicID.String()).Str("issue", string(f.Issue))
		if f.LineItemID != nil {
			ev = ev.Str("line_item_id", f.LineItemID.String())
		}
		ev.Msg("billing data-quality finding")
	}
}

func findTopic(sd billing.ServiceDescription, id uuid.UUID) (billing.Topic, bool) {
	for _, t := range sd.Topics {
		if t.ID == id {
			return t, true
		}
	}
	return billing.Topic{}, false
}

func findLineItem(sd billing.ServiceDescription, id uuid.UUID) (billing.LineItem, bool) {
	for _, t := range sd.Topics {
		for _, li := range t.LineItems {
			if li.ID == id {
				return li, true
			}
		}
	}
	return billing.LineItem{}, false
}

func validateTopic(t billing.Topic) error {
	if t.Name == "" {
		return invalid("name is required")
	}
	if !t.PricingMode.Valid() {
		return invalid("pricing_mode must be HOURLY or FIXED")
	}
	fields := []struct {
		name  string
		value decimal.NullDecimal
	}{{"hourly_rate", t.HourlyRate}, {"fixed_fee", t.FixedFee}, {"cap_hours", t.CapHours}}
	for _, f := range fields {
		if !f.value.Valid {
			continue
		}
		if err := checkAmount(f.name, f.value.Decimal); err != nil {
			return err
		}
	}
	return validateDiscount(t.Discount)
}

func validateLineItem(li billing.LineItem) error {
	if li.Date.IsZero() {
		return invalid("date is required")
	}
	if !li.WaiveMode.Valid() {
		return invalid("waive_mode must be null, EXCLUDED or ZERO")
	}
	if li.Hours.Valid {
		if err := checkAmount("hours", li.Hours.Decimal); err != nil {
			return err
		}
	}
	if li.FixedAmount.Valid {
		if err := checkAmount("fixed_amount", li.FixedAmount.Decimal); err != nil {
			return err
		}
	}
	return nil
}

func validateDiscount(d billing.Discount) error {
	if d.IsZero() {
		return nil
	}
	if !d.Value.IsPositive() {
		return invalid("discount value must be positive")
	}
	if d.Kind == billing.DiscountPercentage && d.Value.GreaterThan(decimal.NewFromInt(100)) {
		return invalid("percentage discount must not exceed 100")
	}
	return checkAmount("discount value", d.Value)
}

// Stored numeric inputs are NUMERIC(18,6).
const (
	maxScale         = 6
	maxIntegerDigits = 12
)

var maxAmount = decimal.New(1, maxIntegerDigits)

// checkAmount rejects values the numeric columns would round or overflow.
func checkAmount(name string, v decimal.Decimal) error {
	if v.IsNegative() {
		return invalid(name + " must not be negative")
	}
	if !v.Truncate(maxScale).Equal(v) {
		return invalid(fmt.Sprintf("%s supports at most %d decimal places", name, maxScale))
	}
	if v.GreaterThanOrEqual(maxAmount) {
		return invalid(name + " is too large")
	}
	return nil
}

func invalid(message string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, message)
}
