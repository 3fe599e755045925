package metrics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rideworks/ride-negotiation-backend/internal/domain/bid"
)

// Registry holds the engine's prometheus metrics. It implements
// negotiation.MetricsCollector.
type Registry struct {
	reg *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	bidsSubmitted   prometheus.Counter
	bidsAccepted    prometheus.Counter
	bidsRejected    prometheus.Counter
	requestsExpired prometheus.Counter
	sweepPasses     prometheus.Counter
	sweepExpired    *prometheus.CounterVec
	bidAmounts      prometheus.Histogram
}

// NewRegistry builds a self-contained registry including the standard
// process and Go runtime collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Registry{
		reg: reg,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ride",
				Subsystem: "api",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "handler", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ride",
				Subsystem: "api",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "handler"},
		),
		bidsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ride",
			Subsystem: "negotiation",
			Name:      "bids_submitted_total",
			Help:      "Total bids accepted for processing",
		}),
		bidsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ride",
			Subsystem: "negotiation",
			Name:      "bids_accepted_total",
			Help:      "Total bids that won their request",
		}),
		bidsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ride",
			Subsystem: "negotiation",
			Name:      "bids_rejected_total",
			Help:      "Total sibling bids rejected on acceptance",
		}),
		requestsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ride",
			Subsystem: "negotiation",
			Name:      "requests_expired_total",
			Help:      "Total requests expired by the sweeper",
		}),
		sweepPasses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ride",
			Subsystem: "negotiation",
			Name:      "sweep_passes_total",
			Help:      "Total sweeper passes",
		}),
		sweepExpired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ride",
				Subsystem: "negotiation",
				Name:      "sweep_expired_total",
				Help:      "Entities expired per sweep, by kind",
			},
			[]string{"kind"},
		),
		bidAmounts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ride",
			Subsystem: "negotiation",
			Name:      "bid_amount",
			Help:      "Distribution of bid price offers",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

// Gatherer exposes the underlying registry for the /metrics endpoint.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// ObserveHTTP records one served request.
func (r *Registry) ObserveHTTP(method, handler string, status int, duration time.Duration) {
	r.httpRequestsTotal.WithLabelValues(method, handler, httpStatusClass(status)).Inc()
	r.httpRequestDuration.WithLabelValues(method, handler).Observe(duration.Seconds())
}

func (r *Registry) RecordBidSubmitted(_ context.Context, b *bid.Bid) {
	r.bidsSubmitted.Inc()
	r.bidAmounts.Observe(b.PriceOffer.Amount().InexactFloat64())
}

func (r *Registry) RecordBidAccepted(_ context.Context, _ *bid.Bid) {
	r.bidsAccepted.Inc()
}

func (r *Registry) RecordBidsRejected(_ context.Context, _ uuid.UUID, count int64) {
	r.bidsRejected.Add(float64(count))
}

func (r *Registry) RecordRequestExpired(_ context.Context, _ uuid.UUID) {
	r.requestsExpired.Inc()
}

func (r *Registry) RecordSweep(_ context.Context, requests, bids int) {
	r.sweepPasses.Inc()
	r.sweepExpired.WithLabelValues("request").Add(float64(requests))
	r.sweepExpired.WithLabelValues("bid").Add(float64(bids))
}

func httpStatusClass(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// Nop is a metrics collector that records nothing; used in tests.
type Nop struct{}

func (Nop) RecordBidSubmitted(context.Context, *bid.Bid)            {}
func (Nop) RecordBidAccepted(context.Context, *bid.Bid)             {}
func (Nop) RecordBidsRejected(context.Context, uuid.UUID, int64)    {}
func (Nop) RecordRequestExpired(context.Context, uuid.UUID)         {}
func (Nop) RecordSweep(context.Context, int, int)                   {}
