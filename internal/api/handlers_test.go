package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/lydian-project/lydian/internal/controller"
	"github.com/lydian-project/lydian/internal/domain"
	"github.com/lydian-project/lydian/internal/rulesstore"
)

type fakeQueue struct {
	mu      sync.Mutex
	records []domain.TrafficRecord
}

func (q *fakeQueue) Enqueue(rec domain.TrafficRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, rec)
	return false
}

func newTestMux(t *testing.T) (*http.ServeMux, *rulesstore.Store) {
	t.Helper()
	store, err := rulesstore.Open(filepath.Join(t.TempDir(), "rules.db"))
	if err != nil {
		t.Fatalf("rulesstore.Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctrl := controller.New("127.0.0.1", "test-host", store, &fakeQueue{}, nil)
	t.Cleanup(ctrl.Close)

	mux := http.NewServeMux()
	(&ControllerHandler{Controller: ctrl}).RegisterRoutes(mux)
	(&RulesHandler{Rules: store}).RegisterRoutes(mux)
	return mux, store
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestControllerHandler_RegisterAndGet(t *testing.T) {
	mux, _ := newTestMux(t)

	rules := []domain.TrafficRule{{
		RuleID:    "rule-1",
		Src:       "127.0.0.1",
		Dst:       "127.0.0.1",
		Protocol:  domain.TCP,
		Port:      19468,
		Connected: true,
	}}
	rr := doJSON(t, mux, http.MethodPost, "/controller/RegisterTraffic", map[string]interface{}{"rules": rules})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/rules/Get?ruleid=rule-1", nil)
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var got domain.TrafficRule
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.RuleID != "rule-1" || !got.Enabled() {
		t.Fatalf("unexpected rule: %+v", got)
	}
}

func TestControllerHandler_StartStopUnregister(t *testing.T) {
	mux, store := newTestMux(t)

	rules := []domain.TrafficRule{{
		RuleID:    "rule-2",
		Src:       "127.0.0.1",
		Dst:       "127.0.0.1",
		Protocol:  domain.TCP,
		Port:      19469,
		Connected: true,
	}}
	doJSON(t, mux, http.MethodPost, "/controller/RegisterTraffic", map[string]interface{}{"rules": rules})

	rr := doJSON(t, mux, http.MethodPost, "/controller/Stop", map[string]interface{}{"ruleids": []string{"rule-2"}})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if store.IsEnabled("rule-2") {
		t.Fatalf("expected rule-2 disabled")
	}

	rr = doJSON(t, mux, http.MethodPost, "/controller/UnregisterTraffic", map[string]interface{}{"ruleids": []string{"rule-2"}})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if _, ok := store.Get("rule-2"); ok {
		t.Fatalf("expected rule-2 to be deleted")
	}
}

func TestRulesHandler_GetUnknownRule(t *testing.T) {
	mux, _ := newTestMux(t)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/rules/Get?ruleid=no-such-rule", nil)
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
