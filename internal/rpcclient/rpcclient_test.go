package rpcclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lydian-project/lydian/internal/api"
	"github.com/lydian-project/lydian/internal/controller"
	"github.com/lydian-project/lydian/internal/domain"
	"github.com/lydian-project/lydian/internal/monitor"
	"github.com/lydian-project/lydian/internal/params"
	"github.com/lydian-project/lydian/internal/rulesstore"
)

type fakeTrafficQueue struct {
	mu      sync.Mutex
	records []domain.TrafficRecord
}

func (q *fakeTrafficQueue) Enqueue(rec domain.TrafficRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, rec)
	return false
}

func (q *fakeTrafficQueue) EnqueueResource(rec domain.ResourceRecord) bool { return false }

// newTestServer wires the real internal/api handlers (not StartHTTPServer,
// which opens a live listener) behind an httptest.Server, so the client
// is exercised against the actual wire format.
func newTestServer(t *testing.T) (*httptest.Server, *rulesstore.Store) {
	t.Helper()
	dir := t.TempDir()

	rules, err := rulesstore.Open(filepath.Join(dir, "rules.db"))
	if err != nil {
		t.Fatalf("rulesstore.Open failed: %v", err)
	}
	t.Cleanup(func() { rules.Close() })

	configs, err := params.Open(filepath.Join(dir, "params.db"), "")
	if err != nil {
		t.Fatalf("params.Open failed: %v", err)
	}
	t.Cleanup(func() { configs.Close() })

	queue := &fakeTrafficQueue{}
	ctrl := controller.New("127.0.0.1", "test-host", rules, queue, nil)
	t.Cleanup(ctrl.Close)

	mon, err := monitor.New(queue, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("monitor.New failed: %v", err)
	}
	t.Cleanup(mon.Stop)

	mux := http.NewServeMux()
	(&api.ControllerHandler{Controller: ctrl}).RegisterRoutes(mux)
	(&api.RulesHandler{Rules: rules}).RegisterRoutes(mux)
	(&api.ConfigsHandler{Configs: configs}).RegisterRoutes(mux)
	(&api.MonitorHandler{Monitor: mon}).RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, rules
}

func TestClient_RegisterStartStopUnregister(t *testing.T) {
	srv, store := newTestServer(t)

	client := New(srv.URL, time.Second)
	ctx := context.Background()

	rule := domain.TrafficRule{
		RuleID:    "rule-1",
		Src:       "127.0.0.1",
		Dst:       "127.0.0.1",
		Protocol:  domain.TCP,
		Port:      19470,
		Connected: true,
	}
	if err := client.RegisterTraffic(ctx, []domain.TrafficRule{rule}); err != nil {
		t.Fatalf("RegisterTraffic failed: %v", err)
	}

	got, err := client.GetTrafficRule(ctx, "rule-1")
	if err != nil {
		t.Fatalf("GetTrafficRule failed: %v", err)
	}
	if got.RuleID != "rule-1" || !got.Enabled() {
		t.Fatalf("unexpected rule: %+v", got)
	}

	if err := client.Stop(ctx, []string{"rule-1"}); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if store.IsEnabled("rule-1") {
		t.Fatalf("expected rule-1 disabled after Stop")
	}

	if err := client.Start(ctx, []string{"rule-1"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !store.IsEnabled("rule-1") {
		t.Fatalf("expected rule-1 enabled after Start")
	}

	if err := client.UnregisterTraffic(ctx, []string{"rule-1"}); err != nil {
		t.Fatalf("UnregisterTraffic failed: %v", err)
	}
	if _, ok := store.Get("rule-1"); ok {
		t.Fatalf("expected rule-1 deleted")
	}
}

func TestClient_ConfigRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	client := New(srv.URL, time.Second)
	ctx := context.Background()

	if err := client.SetParam(ctx, "LYDIAN_PORT", 6000); err != nil {
		t.Fatalf("SetParam failed: %v", err)
	}
	val, err := client.GetParam(ctx, "LYDIAN_PORT")
	if err != nil {
		t.Fatalf("GetParam failed: %v", err)
	}
	if v, ok := val.(float64); !ok || v != 6000 {
		t.Fatalf("expected 6000, got %v (%T)", val, val)
	}
}

func TestClient_MonitorLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	client := New(srv.URL, time.Second)
	ctx := context.Background()

	if err := client.MonitorStart(ctx); err != nil {
		t.Fatalf("MonitorStart failed: %v", err)
	}
	running, err := client.MonitorIsRunning(ctx)
	if err != nil {
		t.Fatalf("MonitorIsRunning failed: %v", err)
	}
	if !running {
		t.Fatalf("expected monitor running")
	}
	if err := client.MonitorStop(ctx); err != nil {
		t.Fatalf("MonitorStop failed: %v", err)
	}
}
