package uniquemetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	uniquemetrics "github.com/dantte-lp/uniqued/internal/metrics"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := uniquemetrics.NewCollector(reg)

	if c.Blobs == nil || c.Peers == nil || c.RealSize == nil || c.ApparentSize == nil {
		t.Fatal("NewCollector returned a Collector with nil gauges")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestSetStoreStats(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := uniquemetrics.NewCollector(reg)

	c.SetStoreStats(2, 3, 100, 250)

	if v := gaugeValue(t, c.Blobs); v != 2 {
		t.Errorf("Blobs = %v, want 2", v)
	}
	if v := gaugeValue(t, c.Peers); v != 3 {
		t.Errorf("Peers = %v, want 3", v)
	}
	if v := gaugeValue(t, c.RealSize); v != 100 {
		t.Errorf("RealSize = %v, want 100", v)
	}
	if v := gaugeValue(t, c.ApparentSize); v != 250 {
		t.Errorf("ApparentSize = %v, want 250", v)
	}
}

func TestSavingsRatioEmptyStoreIsOne(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := uniquemetrics.NewCollector(reg)

	m := &dto.Metric{}
	if err := c.SavingsRatio.Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := m.GetGauge().GetValue(); got != 1 {
		t.Errorf("SavingsRatio on empty store = %v, want 1", got)
	}
}

func TestSavingsRatioReflectsDedup(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := uniquemetrics.NewCollector(reg)

	c.SetStoreStats(1, 2, 100, 200)

	m := &dto.Metric{}
	if err := c.SavingsRatio.Write(m); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := m.GetGauge().GetValue(); got != 2 {
		t.Errorf("SavingsRatio = %v, want 2", got)
	}
}

func TestObserveMakeUniqueAndForget(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := uniquemetrics.NewCollector(reg)

	c.ObserveMakeUnique("hit")
	c.ObserveMakeUnique("miss")
	c.ObserveForget("ok")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	var total float64
	for _, fam := range families {
		if fam.GetName() != "uniqued_blobstore_requests_total" {
			continue
		}
		for _, m := range fam.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	if total != 3 {
		t.Errorf("requests_total sum = %v, want 3", total)
	}
}
