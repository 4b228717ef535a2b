package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveCommand(t *testing.T) {
	m := New()

	m.ObserveCommand("get", "success", time.Millisecond)
	m.ObserveCommand("get", "success", time.Millisecond)
	m.ObserveCommand("rm", "key_not_found", time.Millisecond)

	if got := testutil.ToFloat64(m.commands.WithLabelValues("get", "success")); got != 2 {
		t.Errorf("failure - expected: 2, but got: %v", got)
	}

	if got := testutil.ToFloat64(m.commands.WithLabelValues("rm", "key_not_found")); got != 1 {
		t.Errorf("failure - expected: 1, but got: %v", got)
	}
}

func TestObserveMerge(t *testing.T) {
	m := New()

	m.ObserveMerge(1000, 400, time.Millisecond)
	m.ObserveMerge(400, 400, time.Millisecond)

	if got := testutil.ToFloat64(m.merges); got != 2 {
		t.Errorf("failure - expected: 2, but got: %v", got)
	}

	if got := testutil.ToFloat64(m.mergeReclaimed); got != 600 {
		t.Errorf("failure - expected: 600, but got: %v", got)
	}
}

func TestConnections(t *testing.T) {
	m := New()

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	if got := testutil.ToFloat64(m.connections); got != 1 {
		t.Errorf("failure - expected: 1, but got: %v", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetStorage(4096, 3, 12)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{"kvs_storage_bytes 4096", "kvs_storage_segments 3", "kvs_storage_live_keys 12"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected exposition to contain %q", want)
		}
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	// none of these may panic
	m.ObserveCommand("get", "success", time.Millisecond)
	m.InvalidCommand()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.ObserveMerge(2, 1, time.Millisecond)
	m.SetStorage(1, 1, 1)

	if m.Registry() != nil {
		t.Error("expected a nil registry")
	}
}
