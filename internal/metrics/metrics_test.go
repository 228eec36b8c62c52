package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetricFamily は指定名のメトリクスファミリーを返す。見つからない場合はテストを失敗させる。
func findMetricFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

// labelValue はメトリクスから指定ラベルの値を返す。
func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordAssignment_CountsByOutcome は割り当て結果がラベル別に数えられることを検証する。
func TestRecordAssignment_CountsByOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAssignment(OutcomeAssigned)
	c.RecordAssignment(OutcomeAssigned)
	c.RecordAssignment(OutcomeFallback)

	mf := findMetricFamily(t, reg, "cleanbook_assignments_total")
	got := map[string]float64{}
	for _, m := range mf.GetMetric() {
		got[labelValue(m, "outcome")] = m.GetCounter().GetValue()
	}
	if got[OutcomeAssigned] != 2 {
		t.Errorf("assigned = %v, want 2", got[OutcomeAssigned])
	}
	if got[OutcomeFallback] != 1 {
		t.Errorf("fallback = %v, want 1", got[OutcomeFallback])
	}
}

// TestRecordNotification_CountsRequestsAndDeliveries は送信要求数と配信数が別々に数えられることを検証する。
func TestRecordNotification_CountsRequestsAndDeliveries(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordNotification("booking_update", 2)
	c.RecordNotification("booking_update", 0)

	requests := findMetricFamily(t, reg, "cleanbook_notifications_total")
	if v := requests.GetMetric()[0].GetCounter().GetValue(); v != 2 {
		t.Errorf("notifications_total = %v, want 2", v)
	}
	delivered := findMetricFamily(t, reg, "cleanbook_notifications_delivered_total")
	if v := delivered.GetMetric()[0].GetCounter().GetValue(); v != 2 {
		t.Errorf("notifications_delivered_total = %v, want 2", v)
	}
}

// TestConnectionGauge は接続数ゲージが増減することを検証する。
func TestConnectionGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()

	mf := findMetricFamily(t, reg, "cleanbook_ws_connections")
	if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 1 {
		t.Errorf("ws_connections = %v, want 1", v)
	}
}

// TestRecordAssignmentLatency_RecordsHistogram は処理時間がヒストグラムに記録されることを検証する。
func TestRecordAssignmentLatency_RecordsHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAssignmentLatency(150 * time.Millisecond)

	mf := findMetricFamily(t, reg, "cleanbook_assignment_duration_seconds")
	h := mf.GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 1 {
		t.Errorf("sample count = %d, want 1", h.GetSampleCount())
	}
}

// TestRecordHTTPStatus_LabelsByCode はステータスコードがラベルとして記録されることを検証する。
func TestRecordHTTPStatus_LabelsByCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(201)

	mf := findMetricFamily(t, reg, "cleanbook_http_responses_total")
	if got := labelValue(mf.GetMetric()[0], "status_code"); got != "201" {
		t.Errorf("status_code label = %q, want 201", got)
	}
}

// TestNop_DoesNotPanic はNopの全メソッドが安全に呼べることを検証する。
func TestNop_DoesNotPanic(t *testing.T) {
	var c MetricsCollector = Nop{}
	c.RecordAssignment(OutcomeSkipped)
	c.RecordAssignmentLatency(time.Second)
	c.RecordNotification("x", 1)
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.RecordHTTPStatus(500)
}
