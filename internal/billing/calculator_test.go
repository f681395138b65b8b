package billing

import (
	"math"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hourlyTopic(rate string, items ...LineItem) Topic {
	return Topic{ID: uuid.New(), PricingMode: PricingHourly, HourlyRate: Money(rate), LineItems: items}
}

func fixedTopic(fee string, items ...LineItem) Topic {
	return Topic{ID: uuid.New(), PricingMode: PricingFixed, FixedFee: Money(fee), LineItems: items}
}

func hours(h string) LineItem {
	return LineItem{ID: uuid.New(), Hours: Money(h)}
}

func flat(amount string) LineItem {
	return LineItem{ID: uuid.New(), FixedAmount: Money(amount)}
}

func TestTopicSubtotalHourly(t *testing.T) {
	topic := hourlyTopic("100", hours("1.5"), hours("1.5"))
	got := TopicSubtotal(topic)
	requireAmount(t, "3", got.RawHours)
	requireAmount(t, "3", got.BillableHours)
	requireAmount(t, "300", got.Subtotal)
}

func TestTopicSubtotalFixedIgnoresHours(t *testing.T) {
	item := hours("12")
	item.FixedAmount = Money("25")
	topic := fixedTopic("500", item, flat("75"))
	got := TopicSubtotal(topic)
	requireAmount(t, "500", got.FeeComponent)
	requireAmount(t, "100", got.FixedComponent)
	requireAmount(t, "600", got.Subtotal)
	assert.True(t, got.HourlyComponent.IsZero())
}

func TestTopicSubtotalHoursAndFixedBothCount(t *testing.T) {
	item := hours("2")
	item.FixedAmount = Money("40")
	got := TopicSubtotal(hourlyTopic("80", item))
	requireAmount(t, "160", got.HourlyComponent)
	requireAmount(t, "40", got.FixedComponent)
	requireAmount(t, "200", got.Subtotal)
}

func TestCapHoursOnlyLimitsHourlyComponent(t *testing.T) {
	item := hours("5")
	item.FixedAmount = Money("100")
	topic := hourlyTopic("50", item)
	topic.CapHours = Money("0")

	got := TopicSubtotal(topic)
	requireAmount(t, "5", got.RawHours)
	require.True(t, got.BillableHours.IsZero())
	require.True(t, got.HourlyComponent.IsZero())
	requireAmount(t, "100", got.Subtotal)
}

func TestCapHoursAboveRawHours(t *testing.T) {
	topic := hourlyTopic("50", hours("3"))
	topic.CapHours = Money("10")
	got := TopicSubtotal(topic)
	requireAmount(t, "3", got.BillableHours)
	requireAmount(t, "150", got.Subtotal)
}

func TestWaiveModes(t *testing.T) {
	base := hourlyTopic("120", hours("2"), flat("30"))
	baseline := TopicSubtotal(base).Subtotal

	t.Run("excluded equals removed", func(t *testing.T) {
		excluded := hours("7")
		excluded.FixedAmount = Money("999")
		excluded.WaiveMode = WaiveExcluded
		withExcluded := hourlyTopic("120", hours("2"), excluded, flat("30"))
		requireAmount(t, baseline.String(), TopicSubtotal(withExcluded).Subtotal)
	})

	t.Run("zero contributes nothing", func(t *testing.T) {
		zero := hours("4")
		zero.FixedAmount = Money("50")
		zero.WaiveMode = WaiveZero
		withZero := hourlyTopic("120", hours("2"), zero, flat("30"))
		got := TopicSubtotal(withZero)
		requireAmount(t, baseline.String(), got.Subtotal)
		requireAmount(t, "2", got.RawHours)
	})

	t.Run("zero items remain in the input", func(t *testing.T) {
		zero := hours("4")
		zero.WaiveMode = WaiveZero
		sd := ServiceDescription{Topics: []Topic{hourlyTopic("120", hours("2"), zero)}}
		Calculate(sd)
		require.Len(t, sd.Topics[0].LineItems, 2)
		require.Equal(t, WaiveZero, sd.Topics[0].LineItems[1].WaiveMode)
	})
}

func TestSubtotalNeverNegative(t *testing.T) {
	discounts := []Discount{
		NoDiscount(),
		PercentageDiscount(dec("100")),
		PercentageDiscount(dec("250")),
		AmountDiscount(dec("1000000")),
		AmountDiscount(dec("-3")),
	}
	caps := []decimal.NullDecimal{{}, Money("0"), Money("-4"), Money("1.25")}
	for _, d := range discounts {
		for _, c := range caps {
			topic := hourlyTopic("75", hours("2"), hours("-3"), flat("-40"), flat("10"))
			topic.CapHours = c
			topic.Discount = d
			got := TopicSubtotal(topic)
			require.False(t, got.Subtotal.IsNegative(), "discount=%v cap=%v", d, c)
		}
	}
}

func TestNegativeInputsClampAndReport(t *testing.T) {
	bad := hours("-3")
	topic := hourlyTopic("100", hours("2"), bad)
	res := Calculate(ServiceDescription{Topics: []Topic{topic}})
	requireAmount(t, "200", res.Total)
	require.Len(t, res.Findings, 1)
	require.Equal(t, IssueNegativeInput, res.Findings[0].Issue)
	require.NotNil(t, res.Findings[0].LineItemID)
	require.Equal(t, bad.ID, *res.Findings[0].LineItemID)
}

func TestMissingRateOrFeeContributesZero(t *testing.T) {
	noRate := Topic{ID: uuid.New(), PricingMode: PricingHourly, LineItems: []LineItem{hours("4"), flat("20")}}
	noFee := Topic{ID: uuid.New(), PricingMode: PricingFixed, LineItems: []LineItem{flat("15")}}
	res := Calculate(ServiceDescription{Topics: []Topic{noRate, noFee}})

	requireAmount(t, "20", res.Topics[0].Subtotal)
	requireAmount(t, "15", res.Topics[1].Subtotal)
	requireAmount(t, "35", res.Total)

	issues := map[Issue]uuid.UUID{}
	for _, f := range res.Findings {
		issues[f.Issue] = f.TopicID
	}
	require.Equal(t, noRate.ID, issues[IssueMissingHourlyRate])
	require.Equal(t, noFee.ID, issues[IssueMissingFixedFee])
}

func TestHourlyTopicWithoutItems(t *testing.T) {
	res := Calculate(ServiceDescription{Topics: []Topic{{ID: uuid.New(), PricingMode: PricingHourly}}})
	require.True(t, res.Total.IsZero())
	require.Empty(t, res.Findings)
}

func TestGrandTotalNonRetainer(t *testing.T) {
	a := hourlyTopic("100", hours("3"))
	b := fixedTopic("500")
	b.Discount = PercentageDiscount(dec("10"))
	sd := ServiceDescription{
		Discount: AmountDiscount(dec("50")),
		Topics:   []Topic{a, b},
	}

	res := Calculate(sd)
	requireAmount(t, "300", res.Topics[0].Subtotal)
	requireAmount(t, "450", res.Topics[1].Subtotal)
	requireAmount(t, "750", res.Subtotal)
	requireAmount(t, "50", res.DiscountAmount)
	requireAmount(t, "700", res.Total)
	require.Nil(t, res.Retainer)
}

func TestGrandTotalDiscountsAreIndependentPerLevel(t *testing.T) {
	a := hourlyTopic("100", hours("10"))
	a.Discount = PercentageDiscount(dec("50"))
	sd := ServiceDescription{Discount: PercentageDiscount(dec("50")), Topics: []Topic{a}}
	res := Calculate(sd)
	requireAmount(t, "500", res.Subtotal)
	requireAmount(t, "250", res.Total)
}

func TestGrandTotalFloorsAtZero(t *testing.T) {
	sd := ServiceDescription{
		Discount: AmountDiscount(dec("5000")),
		Topics:   []Topic{hourlyTopic("100", hours("3"))},
	}
	res := Calculate(sd)
	require.True(t, res.Total.IsZero())
	requireAmount(t, "300", res.DiscountAmount)
}

func TestRetainerOverage(t *testing.T) {
	sd := ServiceDescription{
		Retainer: &RetainerPlan{Fee: dec("1000"), Hours: dec("10"), OverageRate: dec("50")},
		Topics:   []Topic{hourlyTopic("400", hours("7"), hours("5"))},
	}
	res := Calculate(sd)
	require.NotNil(t, res.Retainer)
	requireAmount(t, "12", res.Retainer.UsedHours)
	requireAmount(t, "2", res.Retainer.OverageHours)
	requireAmount(t, "100", res.Retainer.OverageCharge)
	requireAmount(t, "1100", res.Total)
}

func TestRetainerTopicNeedsNoHourlyRate(t *testing.T) {
	noRate := Topic{ID: uuid.New(), PricingMode: PricingHourly, LineItems: []LineItem{hours("12")}}
	sd := ServiceDescription{
		Retainer: &RetainerPlan{Fee: dec("1000"), Hours: dec("10"), OverageRate: dec("50")},
		Topics:   []Topic{noRate},
	}
	res := Calculate(sd)
	requireAmount(t, "1100", res.Total)
	require.Empty(t, res.Findings)
}

func TestRetainerWithinAllotment(t *testing.T) {
	sd := ServiceDescription{
		Retainer: &RetainerPlan{Fee: dec("1000"), Hours: dec("10"), OverageRate: dec("50")},
		Topics:   []Topic{hourlyTopic("400", hours("4"))},
	}
	res := Calculate(sd)
	require.True(t, res.Retainer.OverageHours.IsZero())
	requireAmount(t, "1000", res.Total)
}

func TestRetainerZeroHoursMeansAllOverage(t *testing.T) {
	sd := ServiceDescription{
		Retainer: &RetainerPlan{Fee: dec("200"), Hours: decimal.Zero, OverageRate: dec("80")},
		Topics:   []Topic{hourlyTopic("400", hours("2.5"))},
	}
	res := Calculate(sd)
	requireAmount(t, "2.5", res.Retainer.OverageHours)
	requireAmount(t, "400", res.Total)
}

func TestRetainerUsesCappedHoursAcrossTopics(t *testing.T) {
	capped := hourlyTopic("100", hours("8"))
	capped.CapHours = Money("5")
	other := hourlyTopic("300", hours("4"))
	sd := ServiceDescription{
		Retainer: &RetainerPlan{Fee: dec("500"), Hours: dec("6"), OverageRate: dec("60")},
		Topics:   []Topic{capped, other},
	}
	res := Calculate(sd)
	requireAmount(t, "9", res.Retainer.UsedHours)
	requireAmount(t, "180", res.Retainer.OverageCharge)
	requireAmount(t, "680", res.Total)
}

func TestRetainerFixedCharges(t *testing.T) {
	hourly := hourlyTopic("250", hours("3"), flat("200"))
	hourly.Discount = PercentageDiscount(dec("25"))
	fixed := fixedTopic("400", flat("100"))
	fixed.Discount = AmountDiscount(dec("50"))
	sd := ServiceDescription{
		Retainer: &RetainerPlan{Fee: dec("1000"), Hours: dec("10"), OverageRate: dec("50")},
		Discount: PercentageDiscount(dec("10")),
		Topics:   []Topic{hourly, fixed},
	}

	res := Calculate(sd)
	// hourly portion sits inside the allotment; only the discounted fixed amount counts
	requireAmount(t, "150", res.Topics[0].RetainerCharge)
	requireAmount(t, "450", res.Topics[1].RetainerCharge)
	requireAmount(t, "600", res.Retainer.FixedCharges)
	requireAmount(t, "1600", res.Subtotal)
	requireAmount(t, "160", res.DiscountAmount)
	requireAmount(t, "1440", res.Total)
	// the standalone subtotal still reflects the topic's own pricing
	requireAmount(t, "712.5", res.Topics[0].Subtotal)
}

func TestDecimalSafeRounding(t *testing.T) {
	cases := []struct {
		name  string
		rate  string
		hours []string
		want  string
	}{
		{"thirds", "33.33", []string{"3"}, "99.99"},
		{"tenths accumulate", "150", []string{"0.1", "0.1", "0.1", "0.1", "0.1", "0.1", "0.1"}, "105"},
		{"point one plus point two", "10", []string{"0.1", "0.2"}, "3"},
		{"half cent rounds up", "0.15", []string{"0.1"}, "0.02"},
		{"many small entries", "187.5", []string{"0.25", "0.25", "0.25", "0.25", "0.25", "0.25", "0.25", "0.25", "0.25", "0.25", "0.25", "0.25"}, "562.5"},
		{"fractional rate and hours", "212.35", []string{"1.3", "0.7", "2.15"}, "881.25"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			items := make([]LineItem, 0, len(tc.hours))
			for _, h := range tc.hours {
				items = append(items, hours(h))
			}
			got := TopicSubtotal(hourlyTopic(tc.rate, items...)).Subtotal
			requireAmount(t, tc.want, got)
			require.LessOrEqual(t, -got.Exponent(), int32(2))
		})
	}
}

func TestDecimalSafeWhereFloatsDrift(t *testing.T) {
	var naive float64
	items := make([]LineItem, 0, 10)
	for i := 0; i < 10; i++ {
		naive += 0.1
		items = append(items, hours("0.1"))
	}
	naive *= 33.33
	require.NotEqual(t, 33.33, naive, "float arithmetic should drift for this fixture")
	require.Greater(t, math.Abs(naive-33.33), 0.0)

	got := TopicSubtotal(hourlyTopic("33.33", items...)).Subtotal
	requireAmount(t, "33.33", got)
}

func TestCalculateIsIdempotent(t *testing.T) {
	topic := hourlyTopic("133.37", hours("1.7"), flat("12.5"))
	topic.Discount = PercentageDiscount(dec("7.5"))
	sd := ServiceDescription{
		Discount: AmountDiscount(dec("3.21")),
		Topics:   []Topic{topic, fixedTopic("89.99")},
	}
	first := Calculate(sd)
	second := Calculate(sd)
	require.True(t, first.Total.Equal(second.Total))
	require.Equal(t, first.Total.String(), second.Total.String())
	require.Equal(t, Total(sd).String(), first.Total.String())
}

func TestCalculateConcurrentCallers(t *testing.T) {
	sd := ServiceDescription{
		Retainer: &RetainerPlan{Fee: dec("900"), Hours: dec("5"), OverageRate: dec("95.5")},
		Topics:   []Topic{hourlyTopic("210", hours("3.3"), hours("4.4")), fixedTopic("120", flat("9.99"))},
	}
	want := Total(sd).String()

	var wg sync.WaitGroup
	results := make([]string, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = Total(sd).String()
		}(i)
	}
	wg.Wait()
	for _, got := range results {
		require.Equal(t, want, got)
	}
}
