package billing

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Issue names a data-quality gap the calculator tolerated by contributing zero.
type Issue string

const (
	IssueMissingHourlyRate Issue = "missing_hourly_rate"
	IssueMissingFixedFee   Issue = "missing_fixed_fee"
	IssueUnknownPricing    Issue = "unknown_pricing_mode"
	IssueNegativeInput     Issue = "negative_input_clamped"
)

// Finding ties an Issue to the topic (and optionally the line item) it was found on.
type Finding struct {
	TopicID    uuid.UUID  `json:"topic_id"`
	LineItemID *uuid.UUID `json:"line_item_id,omitempty"`
	Issue      Issue      `json:"issue"`
}

// TopicTotals annotates one topic with its computed figures.
type TopicTotals struct {
	TopicID         uuid.UUID
	PricingMode     PricingMode
	RawHours        decimal.Decimal
	BillableHours   decimal.Decimal
	HourlyComponent decimal.Decimal
	FeeComponent    decimal.Decimal
	FixedComponent  decimal.Decimal
	// Subtotal is the topic's own total: components summed, topic discount applied, rounded.
	Subtotal decimal.Decimal
	// RetainerCharge is what the topic adds on top of a retainer fee. Only set on the retainer path.
	RetainerCharge decimal.Decimal
}

// RetainerTotals breaks down the retainer path of a grand total.
type RetainerTotals struct {
	Fee           decimal.Decimal
	IncludedHours decimal.Decimal
	UsedHours     decimal.Decimal
	OverageHours  decimal.Decimal
	OverageRate   decimal.Decimal
	OverageCharge decimal.Decimal
	FixedCharges  decimal.Decimal
}

// Result is the full calculation for a service description.
type Result struct {
	Topics []TopicTotals
	// Subtotal is the grand figure before the top-level discount.
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	Retainer       *RetainerTotals
	Total          decimal.Decimal
	Findings       []Finding
}

// TopicSubtotal computes a single topic's subtotal independent of any retainer.
func TopicSubtotal(t Topic) TopicTotals {
	totals, _ := computeTopic(t)
	return totals
}

// Total returns only the rounded grand total, for listings.
func Total(sd ServiceDescription) decimal.Decimal {
	return Calculate(sd).Total
}

// Calculate prices every topic of sd and folds them into a grand total. It never
// mutates sd and performs no I/O, so it is safe to call concurrently.
func Calculate(sd ServiceDescription) Result {
	res := Result{Topics: make([]TopicTotals, 0, len(sd.Topics))}
	for _, t := range sd.Topics {
		totals, findings := computeTopic(t)
		res.Topics = append(res.Topics, totals)
		for _, f := range findings {
			// Retainer hours are priced at the overage rate, never the topic rate.
			if sd.Retainer != nil && f.Issue == IssueMissingHourlyRate {
				continue
			}
			res.Findings = append(res.Findings, f)
		}
	}

	var grand decimal.Decimal
	if sd.Retainer == nil {
		for _, t := range res.Topics {
			grand = grand.Add(t.Subtotal)
		}
	} else {
		res.Retainer = retainerTotals(*sd.Retainer, sd.Topics, res.Topics)
		grand = res.Retainer.Fee.Add(res.Retainer.OverageCharge).Add(res.Retainer.FixedCharges)
		res.Retainer.OverageCharge = round2(res.Retainer.OverageCharge)
	}

	res.Subtotal = round2(grand)
	res.Total = round2(ApplyDiscount(grand, sd.Discount))
	res.DiscountAmount = nonNegative(res.Subtotal.Sub(res.Total))
	return res
}

// retainerTotals applies the retainer formula. Hours inside the allotment are not
// priced at the topic rate; only overage and fixed charges are added to the fee.
func retainerTotals(plan RetainerPlan, topics []Topic, computed []TopicTotals) *RetainerTotals {
	rt := &RetainerTotals{
		Fee:           nonNegative(plan.Fee),
		IncludedHours: nonNegative(plan.Hours),
		OverageRate:   nonNegative(plan.OverageRate),
	}
	for i := range computed {
		ct := &computed[i]
		switch ct.PricingMode {
		case PricingHourly:
			rt.UsedHours = rt.UsedHours.Add(ct.BillableHours)
			ct.RetainerCharge = round2(ApplyDiscount(ct.FixedComponent, topics[i].Discount))
		case PricingFixed:
			ct.RetainerCharge = ct.Subtotal
		}
		rt.FixedCharges = rt.FixedCharges.Add(ct.RetainerCharge)
	}
	rt.OverageHours = nonNegative(rt.UsedHours.Sub(rt.IncludedHours))
	rt.OverageCharge = rt.OverageHours.Mul(rt.OverageRate)
	return rt
}

func computeTopic(t Topic) (TopicTotals, []Finding) {
	totals := TopicTotals{TopicID: t.ID, PricingMode: t.PricingMode}
	var findings []Finding
	flag := func(issue Issue, itemID *uuid.UUID) {
		findings = append(findings, Finding{TopicID: t.ID, LineItemID: itemID, Issue: issue})
	}

	var rawHours, fixed decimal.Decimal
	for i := range t.LineItems {
		item := &t.LineItems[i]
		if item.WaiveMode == WaiveExcluded || item.WaiveMode == WaiveZero {
			continue
		}
		hours, clampedHours := valueOf(item.Hours)
		amount, clampedAmount := valueOf(item.FixedAmount)
		if clampedHours || clampedAmount {
			id := item.ID
			flag(IssueNegativeInput, &id)
		}
		rawHours = rawHours.Add(hours)
		fixed = fixed.Add(amount)
	}
	totals.FixedComponent = fixed

	var base decimal.Decimal
	switch t.PricingMode {
	case PricingFixed:
		fee, clamped := valueOf(t.FixedFee)
		if !t.FixedFee.Valid {
			flag(IssueMissingFixedFee, nil)
		} else if clamped {
			flag(IssueNegativeInput, nil)
		}
		totals.FeeComponent = fee
		base = fee.Add(fixed)
	case PricingHourly:
		totals.RawHours = rawHours
		billable := rawHours
		if t.CapHours.Valid {
			capHours, clamped := valueOf(t.CapHours)
			if clamped {
				flag(IssueNegativeInput, nil)
			}
			billable = decimal.Min(rawHours, capHours)
		}
		totals.BillableHours = billable
		rate, clamped := valueOf(t.HourlyRate)
		if !t.HourlyRate.Valid && billable.IsPositive() {
			flag(IssueMissingHourlyRate, nil)
		} else if clamped {
			flag(IssueNegativeInput, nil)
		}
		totals.HourlyComponent = billable.Mul(rate)
		base = totals.HourlyComponent.Add(fixed)
	default:
		flag(IssueUnknownPricing, nil)
	}

	totals.Subtotal = round2(ApplyDiscount(base, t.Discount))
	return totals, findings
}

// valueOf resolves a nullable input to a non-negative amount, reporting whether a
// negative value was clamped.
func valueOf(v decimal.NullDecimal) (decimal.Decimal, bool) {
	if !v.Valid {
		return decimal.Zero, false
	}
	if v.Decimal.IsNegative() {
		return decimal.Zero, true
	}
	return v.Decimal, false
}

// round2 rounds half-up to cents. Inputs are never negative here, so half away from
// zero and half-up agree.
func round2(v decimal.Decimal) decimal.Decimal {
	return nonNegative(v).Round(2)
}
