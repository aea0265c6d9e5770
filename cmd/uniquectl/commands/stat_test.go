package commands

import (
	"strings"
	"testing"
)

func TestParseStatMetrics(t *testing.T) {
	t.Parallel()

	body := strings.Join([]string{
		`# HELP uniqued_blobstore_blobs Number of distinct content-addressed blobs currently held.`,
		`# TYPE uniqued_blobstore_blobs gauge`,
		`uniqued_blobstore_blobs 3`,
		`uniqued_blobstore_peers 2`,
		`uniqued_blobstore_real_size_bytes 1024`,
		`uniqued_blobstore_apparent_size_bytes 4096`,
		`uniqued_blobstore_savings_ratio 4`,
		`go_goroutines 12`,
		``,
	}, "\n")

	v, err := parseStatMetrics(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parseStatMetrics: %v", err)
	}

	if v.Blobs != 3 {
		t.Errorf("Blobs = %v, want 3", v.Blobs)
	}
	if v.Peers != 2 {
		t.Errorf("Peers = %v, want 2", v.Peers)
	}
	if v.RealSize != 1024 {
		t.Errorf("RealSize = %v, want 1024", v.RealSize)
	}
	if v.ApparentSize != 4096 {
		t.Errorf("ApparentSize = %v, want 4096", v.ApparentSize)
	}
	if v.SavingsRatio != 4 {
		t.Errorf("SavingsRatio = %v, want 4", v.SavingsRatio)
	}
}

func TestParseStatMetricsEmptyStore(t *testing.T) {
	t.Parallel()

	body := "uniqued_blobstore_savings_ratio 1\n"

	v, err := parseStatMetrics(strings.NewReader(body))
	if err != nil {
		t.Fatalf("parseStatMetrics: %v", err)
	}
	if v.Blobs != 0 {
		t.Errorf("Blobs = %v, want 0", v.Blobs)
	}
	if v.SavingsRatio != 1 {
		t.Errorf("SavingsRatio = %v, want 1", v.SavingsRatio)
	}
}

func TestCheckFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format  string
		wantErr bool
	}{
		{formatTable, false},
		{formatJSON, false},
		{"xml", true},
	}

	for _, tt := range tests {
		if err := checkFormat(tt.format); (err != nil) != tt.wantErr {
			t.Errorf("checkFormat(%q) error = %v, wantErr %v", tt.format, err, tt.wantErr)
		}
	}
}
