package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordSync(t *testing.T) {
	beforeOK := testutil.ToFloat64(SyncCyclesTotal.WithLabelValues(OutcomeOK))
	beforeStored := testutil.ToFloat64(ReadingsStoredTotal)

	RecordSync(OutcomeOK, 3, 200*time.Millisecond)
	RecordSync(OutcomeOK, 0, 100*time.Millisecond)

	if got := testutil.ToFloat64(SyncCyclesTotal.WithLabelValues(OutcomeOK)) - beforeOK; got != 2 {
		t.Fatalf("expected 2 ok cycles, got %v", got)
	}
	if got := testutil.ToFloat64(ReadingsStoredTotal) - beforeStored; got != 3 {
		t.Fatalf("expected 3 stored readings, got %v", got)
	}
}

func TestRecordUpstreamAndInterval(t *testing.T) {
	before := testutil.ToFloat64(UpstreamRequestsTotal.WithLabelValues("nightscout", "http_error"))
	RecordUpstream("nightscout", "http_error")
	if got := testutil.ToFloat64(UpstreamRequestsTotal.WithLabelValues("nightscout", "http_error")) - before; got != 1 {
		t.Fatalf("expected one upstream error, got %v", got)
	}

	RecordNextInterval(3 * time.Minute)
	if got := testutil.ToFloat64(NextIntervalSeconds); got != 180 {
		t.Fatalf("next interval gauge = %v", got)
	}
}
