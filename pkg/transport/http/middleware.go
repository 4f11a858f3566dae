package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/negroni"
)

type metricsMiddleware struct {
	requestCounter *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

func newMetricsMiddleware(registerer prometheus.Registerer) *metricsMiddleware {
	requestCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "debug_http_request_total",
			Help: "Total debug http requests counter",
		},
		[]string{"handler", "method", "status"})

	requestLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "debug_http_request_duration_seconds",
			Help:    "Duration of the debug http requests",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12),
		},
		[]string{"handler", "method", "status"})

	registerer.MustRegister(requestCounter, requestLatency)

	return &metricsMiddleware{
		requestCounter: requestCounter,
		requestLatency: requestLatency,
	}
}

func (m *metricsMiddleware) handle(handler string, next http.Handler) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		start := time.Now()

		ww := negroni.NewResponseWriter(w)
		next.ServeHTTP(ww, r)

		status := strconv.Itoa(ww.Status())
		m.requestCounter.WithLabelValues(handler, r.Method, status).Inc()
		m.requestLatency.WithLabelValues(handler, r.Method, status).Observe(time.Since(start).Seconds())
	}
}
