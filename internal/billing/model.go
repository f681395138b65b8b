package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a service description.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusFinalized Status = "FINALIZED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusDraft || s == StatusFinalized
}

// PricingMode selects how a topic is priced.
type PricingMode string

const (
	PricingHourly PricingMode = "HOURLY"
	PricingFixed  PricingMode = "FIXED"
)

// Valid reports whether m is a known pricing mode.
func (m PricingMode) Valid() bool {
	return m == PricingHourly || m == PricingFixed
}

// WaiveMode marks a line item as written off. The zero value bills normally.
type WaiveMode string

const (
	WaiveNone WaiveMode = ""
	// WaiveExcluded removes the item from every computation as if it were absent.
	WaiveExcluded WaiveMode = "EXCLUDED"
	// WaiveZero keeps the item on the invoice but charges nothing for it.
	WaiveZero WaiveMode = "ZERO"
)

// Valid reports whether w is a known waive mode.
func (w WaiveMode) Valid() bool {
	switch w {
	case WaiveNone, WaiveExcluded, WaiveZero:
		return true
	default:
		return false
	}
}

// ServiceDescription is one client's billing period.
type ServiceDescription struct {
	ID          uuid.UUID
	ClientID    uuid.UUID
	PeriodStart time.Time
	PeriodEnd   time.Time
	Status      Status
	Discount    Discount
	Retainer    *RetainerPlan
	// Topics are expected in display order.
	Topics []Topic
}

// RetainerPlan is a pre-paid hour allotment billed at a flat fee with per-hour overage.
type RetainerPlan struct {
	Fee         decimal.Decimal
	Hours       decimal.Decimal
	OverageRate decimal.Decimal
}

// Topic groups line items under a single pricing mode.
type Topic struct {
	ID           uuid.UUID
	Name         string
	DisplayOrder int
	PricingMode  PricingMode
	HourlyRate   decimal.NullDecimal
	FixedFee     decimal.NullDecimal
	CapHours     decimal.NullDecimal
	Discount     Discount
	LineItems    []LineItem
}

// LineItem is a single billable entry. Hours and FixedAmount are independent contributions.
type LineItem struct {
	ID           uuid.UUID
	TimeEntryID  *uuid.UUID
	Date         time.Time
	Description  string
	Hours        decimal.NullDecimal
	FixedAmount  decimal.NullDecimal
	DisplayOrder int
	WaiveMode    WaiveMode
}

// Money builds a decimal.NullDecimal from a string literal, panicking on malformed input.
// Intended for fixtures and constants.
func Money(value string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(value))
}
