package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hackgods/booking-engine/internal/booking"
)

// Metrics holds all application metrics. It implements booking.Observer.
type Metrics struct {
	registry *prometheus.Registry

	Operations    *prometheus.CounterVec
	Notifications *prometheus.CounterVec
	Reconciled    prometheus.Counter
	HTTPDuration  *prometheus.HistogramVec
}

var _ booking.Observer = (*Metrics)(nil)

// New registers every metric on a fresh registry under namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_operations_total",
			Help:      "Booking operations by outcome; outcome is ok or the error kind",
		}, []string{"operation", "outcome"}),
		Notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification delivery attempts by outcome",
		}, []string{"event_type", "outcome"}),
		Reconciled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_reconciled_total",
			Help:      "Slots whose status was repaired by the reconcile worker",
		}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) ObserveOperation(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(booking.KindOf(err))
	}
	m.Operations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ObserveNotification(eventType string, err error) {
	outcome := "delivered"
	if err != nil {
		outcome = "failed"
	}
	m.Notifications.WithLabelValues(eventType, outcome).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request durations labelled by chi route pattern, so
// path parameters do not explode cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}
