package servicedesc

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-lexbill/internal/billing"
)

const dateLayout = "2006-01-02"

// DescriptionView is the JSON shape of a previewed description.
type DescriptionView struct {
	ID          string         `json:"id"`
	ClientID    string         `json:"client_id"`
	PeriodStart string         `json:"period_start"`
	PeriodEnd   string         `json:"period_end"`
	Status      billing.Status `json:"status"`
	Discount    *DiscountView  `json:"discount"`
	Retainer    *RetainerView  `json:"retainer"`
	UpdatedAt   time.Time      `json:"updated_at"`
	FinalizedAt *time.Time     `json:"finalized_at,omitempty"`
	Topics      []TopicView    `json:"topics"`
	Totals      TotalsView     `json:"totals"`
	Warnings    []WarningView  `json:"warnings"`
}

// DiscountView renders a non-empty discount.
type DiscountView struct {
	Type  billing.DiscountKind `json:"type"`
	Value string               `json:"value"`
}

// RetainerView renders a retainer plan.
type RetainerView struct {
	Fee         string `json:"fee"`
	Hours       string `json:"hours"`
	OverageRate string `json:"overage_rate"`
}

// TopicView renders a topic with its computed figures.
type TopicView struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	DisplayOrder    int                 `json:"display_order"`
	PricingMode     billing.PricingMode `json:"pricing_mode"`
	HourlyRate      *string             `json:"hourly_rate"`
	FixedFee        *string             `json:"fixed_fee"`
	CapHours        *string             `json:"cap_hours"`
	Discount        *DiscountView       `json:"discount"`
	LineItems       []LineItemView      `json:"line_items"`
	RawHours        string              `json:"raw_hours"`
	BillableHours   string              `json:"billable_hours"`
	HourlyComponent string              `json:"hourly_component"`
	FeeComponent    string              `json:"fee_component"`
	FixedComponent  string              `json:"fixed_component"`
	Subtotal        string              `json:"subtotal"`
	RetainerCharge  *string             `json:"retainer_charge,omitempty"`
}

// LineItemView renders a line item. ZERO items stay visible with zeroed set.
type LineItemView struct {
	ID           string             `json:"id"`
	TimeEntryID  *string            `json:"time_entry_id"`
	Date         string             `json:"date"`
	Description  string             `json:"description"`
	Hours        *string            `json:"hours"`
	FixedAmount  *string            `json:"fixed_amount"`
	DisplayOrder int                `json:"display_order"`
	WaiveMode    *billing.WaiveMode `json:"waive_mode"`
	Excluded     bool               `json:"excluded"`
	Zeroed       bool               `json:"zeroed"`
}

// TotalsView renders the grand figures.
type TotalsView struct {
	Subtotal       string             `json:"subtotal"`
	DiscountAmount string             `json:"discount_amount"`
	Total          string             `json:"total"`
	Retainer       *RetainerTotalView `json:"retainer,omitempty"`
}

// RetainerTotalView renders the retainer breakdown.
type RetainerTotalView struct {
	Fee           string `json:"fee"`
	IncludedHours string `json:"included_hours"`
	UsedHours     string `json:"used_hours"`
	OverageHours  string `json:"overage_hours"`
	OverageRate   string `json:"overage_rate"`
	OverageCharge string `json:"overage_charge"`
	FixedCharges  string `json:"fixed_charges"`
}

// WarningView renders a data-quality finding.
type WarningView struct {
	Code       billing.Issue `json:"code"`
	Message    string        `json:"message"`
	TopicID    string        `json:"topic_id"`
	LineItemID *string       `json:"line_item_id,omitempty"`
}

// SummaryView is one row of the listing.
type SummaryView struct {
	ID          string         `json:"id"`
	ClientID    string         `json:"client_id"`
	PeriodStart string         `json:"period_start"`
	PeriodEnd   string         `json:"period_end"`
	Status      billing.Status `json:"status"`
	Total       string         `json:"total"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

var issueMessages = map[billing.Issue]string{
	billing.IssueMissingHourlyRate: "hourly topic has billable hours but no hourly rate",
	billing.IssueMissingFixedFee:   "fixed topic has no fixed fee",
	billing.IssueUnknownPricing:    "topic has an unknown pricing mode",
	billing.IssueNegativeInput:     "negative value treated as zero",
}

// NewDescriptionView renders p for API responses.
func NewDescriptionView(p Preview) DescriptionView {
	sd := p.Record.Description
	v := DescriptionView{
		ID:          sd.ID.String(),
		ClientID:    sd.ClientID.String(),
		PeriodStart: formatDate(sd.PeriodStart),
		PeriodEnd:   formatDate(sd.PeriodEnd),
		Status:      sd.Status,
		Discount:    discountView(sd.Discount),
		UpdatedAt:   p.Record.UpdatedAt,
		FinalizedAt: p.Record.FinalizedAt,
		Topics:      make([]TopicView, 0, len(sd.Topics)),
		Warnings:    make([]WarningView, 0, len(p.Result.Findings)),
		Totals: TotalsView{
			Subtotal:       money(p.Result.Subtotal),
			DiscountAmount: money(p.Result.DiscountAmount),
			Total:          money(p.Result.Total),
		},
	}
	if sd.Retainer != nil {
		v.Retainer = &RetainerView{
			Fee:         sd.Retainer.Fee.String(),
			Hours:       sd.Retainer.Hours.String(),
			OverageRate: sd.Retainer.OverageRate.String(),
		}
	}
	if r := p.Result.Retainer; r != nil {
		v.Totals.Retainer = &RetainerTotalView{
			Fee:           r.Fee.String(),
			IncludedHours: r.IncludedHours.String(),
			UsedHours:     r.UsedHours.String(),
			OverageHours:  r.OverageHours.String(),
			OverageRate:   r.OverageRate.String(),
			OverageCharge: money(r.OverageCharge),
			FixedCharges:  money(r.FixedCharges),
		}
	}

	for i, t := range sd.Topics {
		tv := TopicView{
			ID:           t.ID.String(),
			Name:         t.Name,
			DisplayOrder: t.DisplayOrder,
			PricingMode:  t.PricingMode,
			HourlyRate:   nullString(t.HourlyRate),
			FixedFee:     nullString(t.FixedFee),
			CapHours:     nullString(t.CapHours),
			Discount:     discountView(t.Discount),
			LineItems:    make([]LineItemView, 0, len(t.LineItems)),
		}
		if i < len(p.Result.Topics) {
			tt := p.Result.Topics[i]
			tv.RawHours = tt.RawHours.String()
			tv.BillableHours = tt.BillableHours.String()
			tv.HourlyComponent = money(tt.HourlyComponent)
			tv.FeeComponent = money(tt.FeeComponent)
			tv.FixedComponent = money(tt.FixedComponent)
			tv.Subtotal = money(tt.Subtotal)
			if p.Result.Retainer != nil {
				charge := money(tt.RetainerCharge)
				tv.RetainerCharge = &charge
			}
		}
		for _, li := range t.LineItems {
			tv.LineItems = append(tv.LineItems, lineItemView(li))
		}
		v.Topics = append(v.Topics, tv)
	}

	for _, f := range p.Result.Findings {
		w := WarningView{Code: f.Issue, Message: issueMessages[f.Issue], TopicID: f.TopicID.String()}
		if f.LineItemID != nil {
			id := f.LineItemID.String()
			w.LineItemID = &id
		}
		v.Warnings = append(v.Warnings, w)
	}
	return v
}

// NewSummaryView renders a listing row.
func NewSummaryView(item ListItem) SummaryView {
	return SummaryView{
		ID:          item.Summary.ID.String(),
		ClientID:    item.Summary.ClientID.String(),
		PeriodStart: formatDate(item.Summary.PeriodStart),
		PeriodEnd:   formatDate(item.Summary.PeriodEnd),
		Status:      item.Summary.Status,
		Total:       money(item.Total),
		UpdatedAt:   item.Summary.UpdatedAt,
	}
}

func lineItemView(li billing.LineItem) LineItemView {
	v := LineItemView{
		ID:           li.ID.String(),
		Date:         formatDate(li.Date),
		Description:  li.Description,
		Hours:        nullString(li.Hours),
		FixedAmount:  nullString(li.FixedAmount),
		DisplayOrder: li.DisplayOrder,
		Excluded:     li.WaiveMode == billing.WaiveExcluded,
		Zeroed:       li.WaiveMode == billing.WaiveZero,
	}
	if li.TimeEntryID != nil {
		id := li.TimeEntryID.String()
		v.TimeEntryID = &id
	}
	if li.WaiveMode != billing.WaiveNone {
		mode := li.WaiveMode
		v.WaiveMode = &mode
	}
	return v
}

func discountView(d billing.Discount) *DiscountView {
	if d.IsZero() {
		return nil
	}
	return &DiscountView{Type: d.Kind, Value: d.Value.String()}
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// nullString renders a stored input as entered; computed figures go through money.
func nullString(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}
