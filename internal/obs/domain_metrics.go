package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// SDKLoadTotal counts payment SDK load attempts by outcome.
	SDKLoadTotal *prometheus.CounterVec
	// SDKLoadDuration records SDK load latency in milliseconds.
	SDKLoadDuration *prometheus.HistogramVec
	// CheckoutSessionTotal counts checkout session lifecycle outcomes.
	CheckoutSessionTotal *prometheus.CounterVec
	// OrderTotal counts order creation outcomes against the payment network.
	OrderTotal *prometheus.CounterVec
	// CaptureTotal counts capture outcomes, including already-captured rejections.
	CaptureTotal *prometheus.CounterVec
	// VerificationTotal counts verification outcomes against the gallery service.
	VerificationTotal *prometheus.CounterVec
	// VerifyCacheHits counts access checks served from the session cache.
	VerifyCacheHits prometheus.Counter
	// SupportEscalations counts capture/access mismatches escalated to support.
	SupportEscalations prometheus.Counter
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		SDKLoadTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sdk_load_total",
			Help:      "Count of payment SDK load attempts by outcome.",
		}, []string{"currency", "result"})
		SDKLoadDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sdk_load_duration_ms",
			Help:      "Payment SDK load latency distribution in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"result"})
		CheckoutSessionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_session_total",
			Help:      "Count of checkout session terminal outcomes.",
		}, []string{"result"})
		OrderTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_total",
			Help:      "Count of order creation outcomes.",
		}, []string{"currency", "result"})
		CaptureTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_total",
			Help:      "Count of capture outcomes.",
		}, []string{"result"})
		VerificationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_total",
			Help:      "Count of subscription verification outcomes.",
		}, []string{"mode", "result"})
		VerifyCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verify_cache_hits_total",
			Help:      "Access checks answered from the cached verification result.",
		})
		SupportEscalations = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "support_escalations_total",
			Help:      "Verification failures after a completed capture escalated for manual reconciliation.",
		})

		mustRegisterCollector(reg, SDKLoadTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				SDKLoadTotal = v
			}
		})
		mustRegisterCollector(reg, SDKLoadDuration, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				SDKLoadDuration = v
			}
		})
		mustRegisterCollector(reg, CheckoutSessionTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CheckoutSessionTotal = v
			}
		})
		mustRegisterCollector(reg, OrderTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				OrderTotal = v
			}
		})
		mustRegisterCollector(reg, CaptureTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CaptureTotal = v
			}
		})
		mustRegisterCollector(reg, VerificationTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				VerificationTotal = v
			}
		})
		mustRegisterCollector(reg, VerifyCacheHits, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				VerifyCacheHits = v
			}
		})
		mustRegisterCollector(reg, SupportEscalations, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				SupportEscalations = v
			}
		})
	})
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
