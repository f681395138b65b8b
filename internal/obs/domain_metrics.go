package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// BillingCalculationsTotal counts calculator runs by caller path (preview, list, finalize, export).
	BillingCalculationsTotal *prometheus.CounterVec
	// BillingCalculationLatency records calculator latency in milliseconds.
	BillingCalculationLatency *prometheus.HistogramVec
	// BillingDataQualityTotal counts tolerated data-quality gaps by issue.
	BillingDataQualityTotal *prometheus.CounterVec
	// BillingExportMismatchTotal counts finalized snapshots whose recomputed total drifted.
	BillingExportMismatchTotal prometheus.Counter
	// TotalsCacheTotal tracks totals cache lookups by result.
	TotalsCacheTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		BillingCalculationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_calculations_total",
			Help:      "Count of billing calculations by caller path.",
		}, []string{"path"})
		BillingCalculationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "billing_calculation_duration_ms",
			Help:      "Latency of billing calculations in milliseconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
		}, []string{"path"})
		BillingDataQualityTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_data_quality_total",
			Help:      "Count of data-quality gaps tolerated by the calculator.",
		}, []string{"issue"})
		BillingExportMismatchTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "billing_export_mismatch_total",
			Help:      "Number of finalized snapshots whose recomputed total differs from the stored total.",
		})
		TotalsCacheTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "totals_cache_total",
			Help:      "Totals cache lookups by result.",
		}, []string{"result"})

		mustRegisterCollector(reg, BillingCalculationsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				BillingCalculationsTotal = v
			}
		})
		mustRegisterCollector(reg, BillingCalculationLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				BillingCalculationLatency = v
			}
		})
		mustRegisterCollector(reg, BillingDataQualityTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				BillingDataQualityTotal = v
			}
		})
		mustRegisterCollector(reg, BillingExportMismatchTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				BillingExportMismatchTotal = v
			}
		})
		mustRegisterCollector(reg, TotalsCacheTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				TotalsCacheTotal = v
			}
		})
	})
}

// ObserveCalculation records a calculator run. Safe to call before registration.
func ObserveCalculation(path string, millis float64) {
	if BillingCalculationsTotal != nil {
		BillingCalculationsTotal.WithLabelValues(path).Inc()
	}
	if BillingCalculationLatency != nil {
		BillingCalculationLatency.WithLabelValues(path).Observe(millis)
	}
}

// CountDataQuality increments the data-quality counter for issue.
func CountDataQuality(issue string) {
	if BillingDataQualityTotal != nil {
		BillingDataQualityTotal.WithLabelValues(issue).Inc()
	}
}

// CountExportMismatch increments the export mismatch counter.
func CountExportMismatch() {
	if BillingExportMismatchTotal != nil {
		BillingExportMismatchTotal.Inc()
	}
}

// CountTotalsCache records a cache hit or miss.
func CountTotalsCache(result string) {
	if TotalsCacheTotal != nil {
		TotalsCacheTotal.WithLabelValues(result).Inc()
	}
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
