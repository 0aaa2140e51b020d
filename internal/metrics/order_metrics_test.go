package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()

	metric := &dto.Metric{}
	if err := counter.Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func TestNewOrderMetricsWithRegisterer(t *testing.T) {
	metrics := NewOrderMetricsWithRegisterer(prometheus.NewRegistry())

	if metrics == nil {
		t.Fatal("NewOrderMetricsWithRegisterer should not return nil")
	}
	if metrics.ordersCreated == nil {
		t.Error("ordersCreated counter should not be nil")
	}
	if metrics.versionConflicts == nil {
		t.Error("versionConflicts counter should not be nil")
	}
	if metrics.paymentAuthorizations == nil {
		t.Error("paymentAuthorizations counter vec should not be nil")
	}
	if metrics.httpRequestDuration == nil {
		t.Error("httpRequestDuration histogram vec should not be nil")
	}
}

func TestNewOrderMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	first := NewOrderMetricsWithRegisterer(reg)
	second := NewOrderMetricsWithRegisterer(reg)

	first.RecordOrderCreated()
	second.RecordOrderCreated()

	if got := counterValue(t, first.ordersCreated); got != 2.0 {
		t.Errorf("expected shared counter value 2.0, got %f", got)
	}
}

func TestRecordOrderCounters(t *testing.T) {
	metrics := NewOrderMetricsWithRegisterer(prometheus.NewRegistry())

	metrics.RecordOrderCreated()
	metrics.RecordOrderPatched()
	metrics.RecordOrderPatched()
	metrics.RecordLineQuantityUpdated()
	metrics.RecordVersionConflict()
	metrics.RecordTimelineEvent()
	metrics.RecordOutboxEvent()

	cases := []struct {
		name    string
		counter prometheus.Counter
		want    float64
	}{
		{name: "created", counter: metrics.ordersCreated, want: 1},
		{name: "patched", counter: metrics.ordersPatched, want: 2},
		{name: "line updates", counter: metrics.lineQuantityUpdates, want: 1},
		{name: "conflicts", counter: metrics.versionConflicts, want: 1},
		{name: "timeline", counter: metrics.timelineEvents, want: 1},
		{name: "outbox", counter: metrics.outboxEvents, want: 1},
	}
	for _, tc := range cases {
		if got := counterValue(t, tc.counter); got != tc.want {
			t.Errorf("%s: expected %f, got %f", tc.name, tc.want, got)
		}
	}
}

func TestRecordPaymentAuthorization(t *testing.T) {
	metrics := NewOrderMetricsWithRegisterer(prometheus.NewRegistry())

	metrics.RecordPaymentAuthorization(PaymentResultAuthorized)
	metrics.RecordPaymentAuthorization(PaymentResultAuthorized)
	metrics.RecordPaymentAuthorization(PaymentResultGateway)

	if got := counterValue(t, metrics.paymentAuthorizations.WithLabelValues(PaymentResultAuthorized)); got != 2.0 {
		t.Errorf("expected 2 authorized, got %f", got)
	}
	if got := counterValue(t, metrics.paymentAuthorizations.WithLabelValues(PaymentResultGateway)); got != 1.0 {
		t.Errorf("expected 1 gateway error, got %f", got)
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewOrderMetricsWithRegisterer(reg)

	metrics.HTTPRequestStarted()
	metrics.RecordHTTPRequest("GET", "/gettotal", 200, 20*time.Millisecond)
	metrics.HTTPRequestFinished()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var found bool
	for _, family := range families {
		switch family.GetName() {
		case "storefront_http_request_duration_seconds":
			found = true
			histogram := family.GetMetric()[0].GetHistogram()
			if histogram.GetSampleCount() != 1 {
				t.Errorf("expected 1 sample, got %d", histogram.GetSampleCount())
			}
		case "storefront_http_requests_in_flight":
			if v := family.GetMetric()[0].GetGauge().GetValue(); v != 0 {
				t.Errorf("expected in-flight 0, got %f", v)
			}
		}
	}
	if !found {
		t.Fatal("http duration histogram was not gathered")
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *OrderMetrics

	metrics.RecordOrderCreated()
	metrics.RecordOrderPatched()
	metrics.RecordLineQuantityUpdated()
	metrics.RecordVersionConflict()
	metrics.RecordOperationDuration("create", time.Millisecond)
	metrics.RecordTimelineEvent()
	metrics.RecordOutboxEvent()
	metrics.RecordPaymentAuthorization(PaymentResultRejected)
	metrics.RecordHTTPRequest("GET", "/", 200, time.Millisecond)
	metrics.HTTPRequestStarted()
	metrics.HTTPRequestFinished()
}
