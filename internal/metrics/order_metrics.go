package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты авторизации платежа.
const (
	PaymentResultAuthorized = "authorized"
	PaymentResultRejected   = "rejected"
	PaymentResultGateway    = "gateway_error"
)

// OrderMetrics содержит метрики заказов, платежей и HTTP API.
// Все методы безопасны для nil-получателя.
type OrderMetrics struct {
	// Счётчики операций
	ordersCreated       prometheus.Counter
	ordersPatched       prometheus.Counter
	lineQuantityUpdates prometheus.Counter
	versionConflicts    prometheus.Counter

	operationDuration *prometheus.HistogramVec

	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	paymentAuthorizations *prometheus.CounterVec

	httpRequestDuration *prometheus.HistogramVec
	httpInFlight        prometheus.Gauge
}

// NewOrderMetrics создаёт метрики в DefaultRegisterer.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer создаёт метрики в указанном registerer.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_orders_created_total",
			Help: "Total number of orders created",
		}),
		ordersPatched: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_orders_patched_total",
			Help: "Total number of successful partial order updates",
		}),
		lineQuantityUpdates: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_order_line_quantity_updates_total",
			Help: "Total number of successful line quantity updates",
		}),
		versionConflicts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_order_version_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts on order save",
		}),
		operationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "storefront_order_operation_duration_seconds",
			Help:    "Duration of order service operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
		paymentAuthorizations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_payment_authorizations_total",
			Help: "Total number of payment authorization attempts grouped by result",
		}, []string{"result"}),
		httpRequestDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "storefront_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		httpInFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "storefront_http_requests_in_flight",
			Help: "Number of HTTP API requests currently being served",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordOrderCreated увеличивает счётчик созданных заказов.
func (m *OrderMetrics) RecordOrderCreated() {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
}

// RecordOrderPatched увеличивает счётчик частичных обновлений.
func (m *OrderMetrics) RecordOrderPatched() {
	if m == nil {
		return
	}
	m.ordersPatched.Inc()
}

// RecordLineQuantityUpdated увеличивает счётчик изменений количества.
func (m *OrderMetrics) RecordLineQuantityUpdated() {
	if m == nil {
		return
	}
	m.lineQuantityUpdates.Inc()
}

// RecordVersionConflict увеличивает счётчик конфликтов версий.
func (m *OrderMetrics) RecordVersionConflict() {
	if m == nil {
		return
	}
	m.versionConflicts.Inc()
}

// RecordOperationDuration записывает время выполнения операции сервиса.
func (m *OrderMetrics) RecordOperationDuration(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *OrderMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *OrderMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}

// RecordPaymentAuthorization считает попытку авторизации с результатом result.
func (m *OrderMetrics) RecordPaymentAuthorization(result string) {
	if m == nil {
		return
	}
	m.paymentAuthorizations.WithLabelValues(result).Inc()
}

// RecordHTTPRequest записывает длительность HTTP-запроса.
func (m *OrderMetrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestDuration.WithLabelValues(method, route, fmt.Sprintf("%d", status)).Observe(duration.Seconds())
}

// HTTPRequestStarted увеличивает число обслуживаемых запросов.
func (m *OrderMetrics) HTTPRequestStarted() {
	if m == nil {
		return
	}
	m.httpInFlight.Inc()
}

// HTTPRequestFinished уменьшает число обслуживаемых запросов.
func (m *OrderMetrics) HTTPRequestFinished() {
	if m == nil {
		return
	}
	m.httpInFlight.Dec()
}
