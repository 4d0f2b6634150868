package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// BillingMetrics exposes counters/histograms for the billing engine.
type BillingMetrics struct {
	claimsCreated *prometheus.CounterVec
	payments      *prometheus.CounterVec
	paymentCents  *prometheus.CounterVec
	statusChanges *prometheus.CounterVec
	authzDenials  *prometheus.CounterVec
	rcmLatency    *prometheus.HistogramVec
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
}

func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	m := &BillingMetrics{
		claimsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rcm",
			Subsystem: "billing",
			Name:      "claims_created_total",
			Help:      "Claims created from completed appointments",
		}, []string{"invoice"}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rcm",
			Subsystem: "billing",
			Name:      "payments_recorded_total",
			Help:      "Payments appended to the insurance and patient ledgers",
		}, []string{"kind"}),
		paymentCents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rcm",
			Subsystem: "billing",
			Name:      "payment_amount_cents_total",
			Help:      "Sum of recorded payment amounts in cents",
		}, []string{"kind"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rcm",
			Subsystem: "billing",
			Name:      "status_transitions_total",
			Help:      "Claim and invoice status changes",
		}, []string{"entity", "status"}),
		authzDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rcm",
			Subsystem: "billing",
			Name:      "authorization_denials_total",
			Help:      "Guard failures by error kind",
		}, []string{"kind"}),
		rcmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rcm",
			Subsystem: "billing",
			Name:      "kpi_compute_seconds",
			Help:      "Latency of RCM KPI computation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"scope", "cache"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rcm",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rcm",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.claimsCreated, m.payments, m.paymentCents, m.statusChanges,
		m.authzDenials, m.rcmLatency, m.httpRequests, m.httpLatency)
	return m
}

func (m *BillingMetrics) ObserveClaimCreated(newInvoice bool) {
	if m == nil {
		return
	}
	label := "linked"
	if newInvoice {
		label = "created"
	}
	m.claimsCreated.WithLabelValues(label).Inc()
}

// ObservePayment records one ledger entry; kind is "insurance" or "patient".
func (m *BillingMetrics) ObservePayment(kind string, cents int64) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(kind).Inc()
	m.paymentCents.WithLabelValues(kind).Add(float64(cents))
}

func (m *BillingMetrics) ObserveStatus(entity, status string) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(entity, status).Inc()
}

func (m *BillingMetrics) ObserveDenial(kind string) {
	if m == nil {
		return
	}
	m.authzDenials.WithLabelValues(kind).Inc()
}

func (m *BillingMetrics) ObserveRCM(scope string, cached bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := "miss"
	if cached {
		label = "hit"
	}
	m.rcmLatency.WithLabelValues(scope, label).Observe(elapsed.Seconds())
}

// Middleware records request counts and latency by route template.
func (m *BillingMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpLatency.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
