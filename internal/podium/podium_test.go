package podium

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lydian-project/lydian/internal/domain"
	"github.com/lydian-project/lydian/internal/results"
	"github.com/lydian-project/lydian/internal/rulesstore"
	"github.com/lydian-project/lydian/internal/sshprep"
)

// fakeAgentClient is an in-memory AgentClient stand-in keyed by the host
// it was constructed for.
type fakeAgentClient struct {
	host string
	reg  *fakeRegistry
}

// fakeRegistry tracks calls made across every fakeAgentClient sharing it,
// so a test can assert what each host received.
type fakeRegistry struct {
	mu sync.Mutex

	ifaceIPs map[string]map[string]string // host -> iface -> ip
	nsIPs    map[string][]string          // host -> ips
	records  map[string][]domain.TrafficRecord

	registered map[string][]domain.TrafficRule // host -> rules
	started    map[string][]string
	stopped    map[string][]string
	unregged   map[string][]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		ifaceIPs:   make(map[string]map[string]string),
		nsIPs:      make(map[string][]string),
		records:    make(map[string][]domain.TrafficRecord),
		registered: make(map[string][]domain.TrafficRule),
		started:    make(map[string][]string),
		stopped:    make(map[string][]string),
		unregged:   make(map[string][]string),
	}
}

func (f *fakeAgentClient) RegisterTraffic(ctx context.Context, rules []domain.TrafficRule) error {
	f.reg.mu.Lock()
	defer f.reg.mu.Unlock()
	f.reg.registered[f.host] = append(f.reg.registered[f.host], rules...)
	return nil
}

func (f *fakeAgentClient) UnregisterTraffic(ctx context.Context, ruleids []string) error {
	f.reg.mu.Lock()
	defer f.reg.mu.Unlock()
	f.reg.unregged[f.host] = append(f.reg.unregged[f.host], ruleids...)
	return nil
}

func (f *fakeAgentClient) Start(ctx context.Context, ruleids []string) error {
	f.reg.mu.Lock()
	defer f.reg.mu.Unlock()
	f.reg.started[f.host] = append(f.reg.started[f.host], ruleids...)
	return nil
}

func (f *fakeAgentClient) Stop(ctx context.Context, ruleids []string) error {
	f.reg.mu.Lock()
	defer f.reg.mu.Unlock()
	f.reg.stopped[f.host] = append(f.reg.stopped[f.host], ruleids...)
	return nil
}

func (f *fakeAgentClient) DiscoverInterfaces(ctx context.Context) error { return nil }

func (f *fakeAgentClient) GetTrafficRecords(ctx context.Context, reqid string, filt results.Filter) ([]domain.TrafficRecord, error) {
	f.reg.mu.Lock()
	defer f.reg.mu.Unlock()
	return f.reg.records[f.host], nil
}

func (f *fakeAgentClient) GetLatencyStat(ctx context.Context, reqid string, method results.LatencyMethod, filt results.Filter) (float64, bool, error) {
	f.reg.mu.Lock()
	defer f.reg.mu.Unlock()
	recs := f.reg.records[f.host]
	if len(recs) == 0 {
		return 0, false, nil
	}
	var sum float64
	for _, r := range recs {
		sum += r.LatencyMs
	}
	return sum / float64(len(recs)), true, nil
}

func (f *fakeAgentClient) DeleteRecord(ctx context.Context, reqid string, filt results.Filter) error {
	return nil
}

func (f *fakeAgentClient) GetParam(ctx context.Context, param string) (interface{}, error) {
	return "value-for-" + param, nil
}

func (f *fakeAgentClient) SetParam(ctx context.Context, param string, value interface{}) error {
	return nil
}

func (f *fakeAgentClient) MonitorIsRunning(ctx context.Context) (bool, error) { return true, nil }

func (f *fakeAgentClient) InterfaceIpsMap(ctx context.Context) (map[string]string, error) {
	f.reg.mu.Lock()
	defer f.reg.mu.Unlock()
	return f.reg.ifaceIPs[f.host], nil
}

func (f *fakeAgentClient) ListNamespacesIps(ctx context.Context) ([]string, error) {
	f.reg.mu.Lock()
	defer f.reg.mu.Unlock()
	return f.reg.nsIPs[f.host], nil
}

func newTestPodium(t *testing.T, reg *fakeRegistry) *Podium {
	t.Helper()
	dir := t.TempDir()
	rules, err := rulesstore.Open(filepath.Join(dir, "rules.db"))
	if err != nil {
		t.Fatalf("rulesstore.Open failed: %v", err)
	}
	t.Cleanup(func() { rules.Close() })

	return New(rules, Config{
		StartServersFirst: true,
		NewClient: func(hostip string) AgentClient {
			return &fakeAgentClient{host: hostip, reg: reg}
		},
	})
}

func TestPodium_AddEndpointsAndResolve(t *testing.T) {
	reg := newFakeRegistry()
	reg.ifaceIPs["10.0.0.1"] = map[string]string{"veth0": "192.168.1.5", "lo": "127.0.0.1"}
	reg.nsIPs["10.0.0.1"] = []string{"10.1.1.1"}

	p := newTestPodium(t, reg)
	if err := p.addEndpoints(context.Background(), "10.0.0.1"); err != nil {
		t.Fatalf("addEndpoints failed: %v", err)
	}

	if host, ok := p.GetEpHost("192.168.1.5"); !ok || host != "10.0.0.1" {
		t.Fatalf("expected veth0 ip mapped to host, got %q ok=%v", host, ok)
	}
	if _, ok := p.GetEpHost("127.0.0.1"); ok {
		t.Fatalf("lo should not be mapped (no namespace prefix match)")
	}
	if host, ok := p.GetEpHost("10.1.1.1"); !ok || host != "10.0.0.1" {
		t.Fatalf("expected namespace ip mapped to host, got %q ok=%v", host, ok)
	}
	if host, ok := p.GetEpHost("10.0.0.1"); !ok || host != "10.0.0.1" {
		t.Fatalf("expected host ip to map to itself")
	}
}

func TestPodium_RegisterTraffic_ServersFirst(t *testing.T) {
	reg := newFakeRegistry()
	reg.ifaceIPs["host-a"] = map[string]string{}
	reg.ifaceIPs["host-b"] = map[string]string{}

	p := newTestPodium(t, reg)
	p.updateEndpoints(map[string]string{"10.0.0.1": "host-a", "10.0.0.2": "host-b"})

	rule := domain.TrafficRule{
		RuleID:   "rule-1",
		Src:      "10.0.0.1",
		Dst:      "10.0.0.2",
		Protocol: domain.TCP,
		Port:     9000,
	}
	if err := p.RegisterTraffic(context.Background(), []domain.TrafficRule{rule}); err != nil {
		t.Fatalf("RegisterTraffic failed: %v", err)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if len(reg.registered["host-b"]) != 1 {
		t.Fatalf("expected dst host to receive the rule as a server, got %+v", reg.registered["host-b"])
	}
	if len(reg.registered["host-a"]) != 1 {
		t.Fatalf("expected src host to receive the rule as a client, got %+v", reg.registered["host-a"])
	}
}

func TestPodium_RegisterTraffic_UnresolvedEndpointSkipped(t *testing.T) {
	reg := newFakeRegistry()
	p := newTestPodium(t, reg)

	rule := domain.TrafficRule{RuleID: "rule-1", Src: "10.0.0.1", Dst: "10.0.0.2", Protocol: domain.TCP, Port: 9000}
	if err := p.RegisterTraffic(context.Background(), []domain.TrafficRule{rule}); err != nil {
		t.Fatalf("RegisterTraffic should not error on unresolved endpoints: %v", err)
	}
	if p.rules.NumRules() != 0 {
		t.Fatalf("expected no rules persisted for an unresolved endpoint")
	}
}

func TestPodium_StartStopUnregisterTraffic(t *testing.T) {
	reg := newFakeRegistry()
	p := newTestPodium(t, reg)
	p.updateEndpoints(map[string]string{"10.0.0.1": "host-a", "10.0.0.2": "host-b"})

	rule := domain.TrafficRule{RuleID: "rule-1", ReqID: "req-1", Src: "10.0.0.1", Dst: "10.0.0.2", Protocol: domain.TCP, Port: 9000}
	if err := p.RegisterTraffic(context.Background(), []domain.TrafficRule{rule}); err != nil {
		t.Fatalf("RegisterTraffic failed: %v", err)
	}

	ctx := context.Background()
	stopRes := p.StopTraffic(ctx, "req-1")
	if !stopRes["host-a"] {
		t.Fatalf("expected stop to succeed on host-a: %+v", stopRes)
	}

	startRes := p.StartTraffic(ctx, "req-1")
	if !startRes["host-a"] {
		t.Fatalf("expected start to succeed on host-a: %+v", startRes)
	}

	unregRes := p.UnregisterTraffic(ctx, "req-1")
	if !unregRes["host-a"] {
		t.Fatalf("expected unregister to succeed on host-a: %+v", unregRes)
	}
	if got, ok := p.rules.Get("rule-1"); ok {
		t.Fatalf("expected rule-1 deleted after unregister, got %+v", got)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if len(reg.stopped["host-a"]) != 1 || len(reg.started["host-a"]) != 1 || len(reg.unregged["host-a"]) != 1 {
		t.Fatalf("unexpected call counts: stopped=%v started=%v unregged=%v",
			reg.stopped["host-a"], reg.started["host-a"], reg.unregged["host-a"])
	}
}

func TestPodium_GetTrafficStatsAndLatency(t *testing.T) {
	reg := newFakeRegistry()
	reg.records["host-a"] = []domain.TrafficRecord{
		{Result: true, LatencyMs: 10},
		{Result: true, LatencyMs: 20},
		{Result: false, LatencyMs: 0},
	}

	p := newTestPodium(t, reg)
	p.updateEndpoints(map[string]string{"10.0.0.1": "host-a"})
	rule := domain.TrafficRule{RuleID: "rule-1", ReqID: "req-1", SrcHost: "host-a", Src: "10.0.0.1"}
	if err := p.rules.Add(rule); err != nil {
		t.Fatalf("rules.Add failed: %v", err)
	}

	ctx := context.Background()
	stats, err := p.GetTrafficStats(ctx, "req-1", results.Filter{})
	if err != nil {
		t.Fatalf("GetTrafficStats failed: %v", err)
	}
	if stats.Success != 2 || stats.Failure != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	pass, err := p.GetTrafficPassPercent(ctx, "req-1", results.Filter{})
	if err != nil {
		t.Fatalf("GetTrafficPassPercent failed: %v", err)
	}
	if pass != 66.67 {
		t.Fatalf("expected 66.67%% pass, got %v", pass)
	}

	avg, err := p.GetLatency(ctx, "req-1", results.LatencyAvg, results.Filter{})
	if err != nil {
		t.Fatalf("GetLatency failed: %v", err)
	}
	if avg != 10 {
		t.Fatalf("expected avg latency 10, got %v", avg)
	}
}

func TestPodium_RunMeshPing(t *testing.T) {
	reg := newFakeRegistry()
	p := newTestPodium(t, reg)
	p.updateEndpoints(map[string]string{
		"10.0.0.1": "host-a",
		"10.0.0.2": "host-b",
		"10.0.0.3": "host-c",
	})

	reqid, err := p.RunMeshPing(context.Background(), []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, 9000, domain.TCP, true, 0)
	if err != nil {
		t.Fatalf("RunMeshPing failed: %v", err)
	}

	rules := p.rules.ByReqID(reqid)
	if len(rules) != 6 {
		t.Fatalf("expected 3*2=6 mesh rules, got %d", len(rules))
	}
}

func TestPodium_GetParamSetParam(t *testing.T) {
	reg := newFakeRegistry()
	p := newTestPodium(t, reg)
	p.updateEndpoints(map[string]string{"10.0.0.1": "host-a"})

	ctx := context.Background()
	if err := p.SetParam(ctx, "10.0.0.1", "LYDIAN_PORT", 6000); err != nil {
		t.Fatalf("SetParam failed: %v", err)
	}
	val, err := p.GetParam(ctx, "10.0.0.1", "LYDIAN_PORT")
	if err != nil {
		t.Fatalf("GetParam failed: %v", err)
	}
	if val != "value-for-LYDIAN_PORT" {
		t.Fatalf("unexpected value: %v", val)
	}

	if _, err := p.GetParam(ctx, "unknown-ip", "X"); err == nil {
		t.Fatalf("expected error for unresolved endpoint")
	}
}

func TestPodium_AddHosts_DialFailureIsPerHost(t *testing.T) {
	reg := newFakeRegistry()
	dir := t.TempDir()
	rules, err := rulesstore.Open(filepath.Join(dir, "rules.db"))
	if err != nil {
		t.Fatalf("rulesstore.Open failed: %v", err)
	}
	defer rules.Close()

	p := New(rules, Config{
		NewClient: func(hostip string) AgentClient { return &fakeAgentClient{host: hostip, reg: reg} },
		HostWait:  100 * time.Millisecond,
		Dial: func(hostip, username, password string) (*sshprep.Host, error) {
			return nil, fmt.Errorf("unreachable in test: %s", hostip)
		},
	})

	out := p.AddHosts(context.Background(), []string{"10.0.0.9"})
	if out["10.0.0.9"] {
		t.Fatalf("expected add host to fail when the SSH dial fails")
	}
}
