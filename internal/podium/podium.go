// Package podium is the orchestrator side of Lydian: it programs a fleet
// of agents with traffic rules and aggregates their results.
//
// It never talks to sockets directly; all per-agent work goes through an
// AgentClient, fanned out in parallel with a bounded worker count
// (golang.org/x/sync/errgroup), mirroring the original's
// register_traffic/ThreadPool shape.
package podium

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lydian-project/lydian/internal/controller"
	"github.com/lydian-project/lydian/internal/domain"
	"github.com/lydian-project/lydian/internal/logging"
	"github.com/lydian-project/lydian/internal/results"
	"github.com/lydian-project/lydian/internal/rulesstore"
	"github.com/lydian-project/lydian/internal/sshprep"
)

// AgentClient is the subset of rpcclient.Client's surface Podium needs.
// Kept as an interface so tests can fake it without a live HTTP server.
type AgentClient interface {
	RegisterTraffic(ctx context.Context, rules []domain.TrafficRule) error
	UnregisterTraffic(ctx context.Context, ruleids []string) error
	Start(ctx context.Context, ruleids []string) error
	Stop(ctx context.Context, ruleids []string) error
	DiscoverInterfaces(ctx context.Context) error
	GetTrafficRecords(ctx context.Context, reqid string, f results.Filter) ([]domain.TrafficRecord, error)
	GetLatencyStat(ctx context.Context, reqid string, method results.LatencyMethod, f results.Filter) (float64, bool, error)
	DeleteRecord(ctx context.Context, reqid string, f results.Filter) error
	GetParam(ctx context.Context, param string) (interface{}, error)
	SetParam(ctx context.Context, param string, value interface{}) error
	MonitorIsRunning(ctx context.Context) (bool, error)
	InterfaceIpsMap(ctx context.Context) (map[string]string, error)
	ListNamespacesIps(ctx context.Context) ([]string, error)
}

// SSHDialer opens a prep-capable SSH connection to a host, abstracting
// over sshprep.Dial so tests can substitute an in-process server.
type SSHDialer func(hostip, username, password string) (*sshprep.Host, error)

const (
	defaultMaxParallel   = 32
	defaultHostWaitTime  = 60 * time.Second
	defaultPollInterval  = 500 * time.Millisecond
)

// Config configures a Podium instance. Zero-value fields fall back to
// the documented defaults.
type Config struct {
	Username    string
	Password    string
	MaxParallel int           // NODE_PREP_MAX_THREAD
	HostWait    time.Duration // LYDIAN_SERVICE_WAIT_TIME

	StartServersFirst bool // TRAFFIC_START_SERVERS_FIRST

	NamespacePrefixes []string // defaults to controller.DefaultNamespaceInterfacePrefixes

	AgentBinaryPath string // local path copied to every new host
	AgentConfigPath string // local path copied to every new host

	NewClient func(hostip string) AgentClient
	Dial      SSHDialer

	Cluster *ClusterStore // optional durable mirror; nil disables it
}

// Podium is the orchestrator: it owns the endpoint→host map and the
// local rules cache, and drives every agent over AgentClient.
type Podium struct {
	cfg Config

	mu      sync.RWMutex
	epHosts map[string]string
	nodes   map[string]struct{}

	rules *rulesstore.Store
}

// New builds a Podium backed by the given local rules cache.
func New(rules *rulesstore.Store, cfg Config) *Podium {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = defaultMaxParallel
	}
	if cfg.HostWait <= 0 {
		cfg.HostWait = defaultHostWaitTime
	}
	if cfg.NamespacePrefixes == nil {
		cfg.NamespacePrefixes = controller.DefaultNamespaceInterfacePrefixes
	}
	if cfg.Dial == nil {
		cfg.Dial = func(hostip, username, password string) (*sshprep.Host, error) {
			return sshprep.Dial(hostip, username, password, nil)
		}
	}
	return &Podium{
		cfg:     cfg,
		epHosts: make(map[string]string),
		nodes:   make(map[string]struct{}),
		rules:   rules,
	}
}

// Close stops the cluster mirror, if any.
func (p *Podium) Close() error {
	if p.cfg.Cluster != nil {
		return p.cfg.Cluster.Close()
	}
	return nil
}

// Rehydrate loads the endpoint→host map from the cluster mirror, if
// configured, so a freshly-started replica doesn't need to
// re-discover every already-prepped agent. A no-op when no
// ClusterStore is configured.
func (p *Podium) Rehydrate(ctx context.Context) error {
	if p.cfg.Cluster == nil {
		return nil
	}
	m, err := p.cfg.Cluster.RehydrateEndpoints(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	for ep, host := range m {
		p.epHosts[ep] = host
		p.nodes[host] = struct{}{}
	}
	p.mu.Unlock()
	return nil
}

// Endpoints returns every endpoint IP currently mapped to a host.
func (p *Podium) Endpoints() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.epHosts))
	for ep := range p.epHosts {
		out = append(out, ep)
	}
	return out
}

// GetEpHost returns the agent mgmt IP hosting epip, if known.
func (p *Podium) GetEpHost(epip string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	host, ok := p.epHosts[epip]
	return host, ok
}

func (p *Podium) updateEndpoints(m map[string]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ep, host := range m {
		p.epHosts[ep] = host
	}
	if p.cfg.Cluster != nil {
		p.cfg.Cluster.mirrorEndpoints(context.Background(), m)
	}
}

func (p *Podium) removeEndpoints(hostip string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ep, host := range p.epHosts {
		if host == hostip {
			delete(p.epHosts, ep)
		}
	}
	delete(p.nodes, hostip)
}

func (p *Podium) client(hostip string) AgentClient { return p.cfg.NewClient(hostip) }

// forEachHost runs fn(hostip) for every host concurrently, bounded by
// cfg.MaxParallel, and returns a per-host success map. A per-host error
// never aborts the rest of the batch, mirroring ThreadPool's semantics.
func (p *Podium) forEachHost(ctx context.Context, hosts []string, fn func(ctx context.Context, host string) error) map[string]bool {
	out := make(map[string]bool, len(hosts))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxParallel)

	for _, h := range hosts {
		host := h
		g.Go(func() error {
			err := fn(gctx, host)
			mu.Lock()
			out[host] = err == nil
			mu.Unlock()
			if err != nil {
				logging.Op().Error("podium host operation failed", "host", host, "error", err)
			}
			return nil
		})
	}
	g.Wait()
	return out
}

// AddHost installs and starts the agent on hostip over SSH, waits for
// its RPC port to answer, then discovers its interfaces.
func (p *Podium) AddHost(ctx context.Context, hostip string) bool {
	return p.addHost(ctx, hostip, p.cfg.Username, p.cfg.Password, true)
}

func (p *Podium) addHost(ctx context.Context, hostip, username, password string, fetchIface bool) bool {
	if username == "" {
		username = p.cfg.Username
	}
	if password == "" {
		password = p.cfg.Password
	}

	if err := p.prepNode(hostip, username, password); err != nil {
		logging.Op().Error("error preparing host", "host", hostip, "error", err)
		return false
	}

	if !p.waitOnHost(ctx, hostip) {
		logging.Op().Error("could not start service", "host", hostip)
	}

	if fetchIface {
		if err := p.addEndpoints(ctx, hostip); err != nil {
			logging.Op().Error("error adding endpoints", "host", hostip, "error", err)
		}
	}

	p.mu.Lock()
	p.nodes[hostip] = struct{}{}
	p.mu.Unlock()
	return true
}

func (p *Podium) prepNode(hostip, username, password string) error {
	host, err := p.cfg.Dial(hostip, username, password)
	if err != nil {
		return fmt.Errorf("dial %s: %w", hostip, err)
	}
	defer host.Close()

	binary, closeBinary, err := p.cfg.openAgentBinary()
	if err != nil {
		return err
	}
	defer closeBinary()

	config, closeConfig, err := p.cfg.openAgentConfig()
	if err != nil {
		return err
	}
	defer closeConfig()

	return sshprep.Prep(host, binary, config)
}

func (p *Podium) waitOnHost(ctx context.Context, hostip string) bool {
	deadline := time.Now().Add(p.cfg.HostWait)
	for time.Now().Before(deadline) {
		running, err := p.client(hostip).MonitorIsRunning(ctx)
		if err == nil && running {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(defaultPollInterval):
		}
	}
	return false
}

// addEndpoints pulls hostip's namespace-filtered interfaces and namespace
// IPs and folds them into the endpoint→host map, mirroring
// Podium._add_endpoints.
func (p *Podium) addEndpoints(ctx context.Context, hostip string) error {
	client := p.client(hostip)

	m := make(map[string]string)
	ifaceIPs, err := client.InterfaceIpsMap(ctx)
	if err != nil {
		return fmt.Errorf("interface ips map: %w", err)
	}
	for iface, ip := range ifaceIPs {
		if hasNamespacePrefix(iface, p.cfg.NamespacePrefixes) {
			m[ip] = hostip
		}
	}

	nsIPs, err := client.ListNamespacesIps(ctx)
	if err != nil {
		return fmt.Errorf("list namespace ips: %w", err)
	}
	for _, ip := range nsIPs {
		m[ip] = hostip
	}
	m[hostip] = hostip

	p.updateEndpoints(m)
	return nil
}

func hasNamespacePrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if len(name) >= len(p) && name[:len(p)] == p {
			return true
		}
	}
	return false
}

// AddHosts prepares every host in parallel (bounded by cfg.MaxParallel)
// and returns a per-host success map.
func (p *Podium) AddHosts(ctx context.Context, hostips []string) map[string]bool {
	return p.forEachHost(ctx, hostips, func(ctx context.Context, host string) error {
		if !p.addHost(ctx, host, p.cfg.Username, p.cfg.Password, true) {
			return fmt.Errorf("add host failed")
		}
		return nil
	})
}

// CleanupHosts uninstalls the agent service on every host and, if
// removeDB is set, removes its local SQLite files, then purges the
// host's endpoints from the map.
func (p *Podium) CleanupHosts(ctx context.Context, hostips []string, removeDB bool) map[string]bool {
	return p.forEachHost(ctx, hostips, func(ctx context.Context, hostip string) error {
		host, err := p.cfg.Dial(hostip, p.cfg.Username, p.cfg.Password)
		if err != nil {
			return fmt.Errorf("dial %s: %w", hostip, err)
		}
		defer host.Close()

		sshprep.Cleanup(host, removeDB)
		p.removeEndpoints(hostip)
		return nil
	})
}

// DiscoverInterfaces re-runs interface/namespace discovery against an
// already-added set of hosts without a full AddHost cycle.
func (p *Podium) DiscoverInterfaces(ctx context.Context, hostips []string) map[string]bool {
	return p.forEachHost(ctx, hostips, func(ctx context.Context, hostip string) error {
		if err := p.client(hostip).DiscoverInterfaces(ctx); err != nil {
			return err
		}
		return p.addEndpoints(ctx, hostip)
	})
}

// RegisterTraffic resolves each rule's src/dst host, groups rules by
// destination (servers) and source (clients), and dispatches them
// servers-first when configured (mirrors register_traffic's ordering).
func (p *Podium) RegisterTraffic(ctx context.Context, intents []domain.TrafficRule) error {
	servers := make(map[string][]domain.TrafficRule)
	clients := make(map[string][]domain.TrafficRule)
	var trules []domain.TrafficRule

	for _, rule := range intents {
		srchost, ok := p.GetEpHost(rule.Src)
		if !ok {
			logging.Op().Error("no host found for source", "src", rule.Src)
			continue
		}
		dsthost, ok := p.GetEpHost(rule.Dst)
		if !ok {
			logging.Op().Error("no host found for destination", "dst", rule.Dst)
			continue
		}

		rule.Fill()
		if rule.RuleID == "" {
			rule.RuleID = uuid.NewString()
		}
		rule.SrcHost, rule.DstHost = srchost, dsthost

		servers[dsthost] = append(servers[dsthost], rule)
		clients[srchost] = append(clients[srchost], rule)
		trules = append(trules, rule)
	}

	var hostGroups []map[string][]domain.TrafficRule
	if p.cfg.StartServersFirst {
		hostGroups = []map[string][]domain.TrafficRule{servers, clients}
	} else {
		for host, rules := range clients {
			servers[host] = append(servers[host], rules...)
		}
		hostGroups = []map[string][]domain.TrafficRule{servers}
	}

	for _, group := range hostGroups {
		hosts := make([]string, 0, len(group))
		for host := range group {
			hosts = append(hosts, host)
		}
		groupResults := p.forEachHost(ctx, hosts, func(ctx context.Context, host string) error {
			return p.client(host).RegisterTraffic(ctx, group[host])
		})
		for host, ok := range groupResults {
			if !ok {
				return fmt.Errorf("register traffic failed on host %s", host)
			}
		}
	}

	if err := p.rules.AddAll(trules); err != nil {
		return fmt.Errorf("persist rules: %w", err)
	}
	if p.cfg.Cluster != nil {
		p.cfg.Cluster.mirrorRules(ctx, trules)
	}
	return nil
}

type trafficOp func(ctx context.Context, client AgentClient, ruleids []string) error

func (p *Podium) trafficOp(ctx context.Context, reqid string, op trafficOp) map[string]bool {
	trules := p.rules.ByReqID(reqid)
	hostRules := make(map[string][]string)
	for _, rule := range trules {
		hostRules[rule.SrcHost] = append(hostRules[rule.SrcHost], rule.RuleID)
	}

	hosts := make([]string, 0, len(hostRules))
	for host := range hostRules {
		hosts = append(hosts, host)
	}
	return p.forEachHost(ctx, hosts, func(ctx context.Context, host string) error {
		return op(ctx, p.client(host), hostRules[host])
	})
}

// StartTraffic re-enables every rule in reqid's batch.
func (p *Podium) StartTraffic(ctx context.Context, reqid string) map[string]bool {
	return p.trafficOp(ctx, reqid, func(ctx context.Context, c AgentClient, ruleids []string) error {
		return c.Start(ctx, ruleids)
	})
}

// StopTraffic disables every rule in reqid's batch.
func (p *Podium) StopTraffic(ctx context.Context, reqid string) map[string]bool {
	return p.trafficOp(ctx, reqid, func(ctx context.Context, c AgentClient, ruleids []string) error {
		return c.Stop(ctx, ruleids)
	})
}

// UnregisterTraffic stops and deletes every rule in reqid's batch, both
// remotely and in the local rules cache.
func (p *Podium) UnregisterTraffic(ctx context.Context, reqid string) map[string]bool {
	out := p.trafficOp(ctx, reqid, func(ctx context.Context, c AgentClient, ruleids []string) error {
		if err := c.UnregisterTraffic(ctx, ruleids); err != nil {
			return err
		}
		return c.DeleteRecord(ctx, reqid, results.Filter{})
	})
	p.rules.DeleteByReqID(reqid)
	return out
}

// GetResults queries every host involved in reqid in parallel and
// concatenates the matching records.
func (p *Podium) GetResults(ctx context.Context, reqid string, f results.Filter) ([]domain.TrafficRecord, error) {
	hosts := p.srcHostsForReqID(reqid)

	var mu sync.Mutex
	var all []domain.TrafficRecord

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxParallel)
	for _, h := range hosts {
		host := h
		g.Go(func() error {
			recs, err := p.client(host).GetTrafficRecords(gctx, reqid, f)
			if err != nil {
				logging.Op().Error("get results failed", "host", host, "error", err)
				return nil
			}
			mu.Lock()
			all = append(all, recs...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return all, nil
}

func (p *Podium) srcHostsForReqID(reqid string) []string {
	trules := p.rules.ByReqID(reqid)
	seen := make(map[string]struct{})
	var hosts []string
	for _, rule := range trules {
		if rule.SrcHost == "" {
			continue
		}
		if _, ok := seen[rule.SrcHost]; ok {
			continue
		}
		seen[rule.SrcHost] = struct{}{}
		hosts = append(hosts, rule.SrcHost)
	}
	return hosts
}

// TrafficStats is the success/failure tally get_traffic_stats produces.
type TrafficStats struct {
	Success int
	Failure int
}

// GetTrafficStats counts successes and failures among reqid's records.
func (p *Podium) GetTrafficStats(ctx context.Context, reqid string, f results.Filter) (TrafficStats, error) {
	recs, err := p.GetResults(ctx, reqid, f)
	if err != nil {
		return TrafficStats{}, err
	}
	var stats TrafficStats
	for _, r := range recs {
		if r.Result {
			stats.Success++
		} else {
			stats.Failure++
		}
	}
	return stats, nil
}

// GetTrafficPassPercent returns the success ratio as a percentage,
// rounded to two decimals; 0 if there are no matching records.
func (p *Podium) GetTrafficPassPercent(ctx context.Context, reqid string, f results.Filter) (float64, error) {
	stats, err := p.GetTrafficStats(ctx, reqid, f)
	if err != nil {
		return 0, err
	}
	total := stats.Success + stats.Failure
	if total == 0 {
		return 0, nil
	}
	return round2(float64(stats.Success) * 100 / float64(total)), nil
}

// GetTrafficFailPercent returns the failure ratio as a percentage; 100
// if there are no matching records (mirrors the original's convention).
func (p *Podium) GetTrafficFailPercent(ctx context.Context, reqid string, f results.Filter) (float64, error) {
	stats, err := p.GetTrafficStats(ctx, reqid, f)
	if err != nil {
		return 0, err
	}
	total := stats.Success + stats.Failure
	if total == 0 {
		return 100, nil
	}
	return round2(float64(stats.Failure) * 100 / float64(total)), nil
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

// GetLatency fans out a per-host latency aggregate over reqid's hosts
// and combines them by method: mean-of-means for avg, min-of-mins for
// min, max-of-maxes for max.
func (p *Podium) GetLatency(ctx context.Context, reqid string, method results.LatencyMethod, f results.Filter) (float64, error) {
	hosts := p.srcHostsForReqID(reqid)

	var mu sync.Mutex
	var values []float64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxParallel)
	for _, h := range hosts {
		host := h
		g.Go(func() error {
			v, ok, err := p.client(host).GetLatencyStat(gctx, reqid, method, f)
			if err != nil {
				logging.Op().Error("get latency failed", "host", host, "error", err)
				return nil
			}
			if ok {
				mu.Lock()
				values = append(values, v)
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if len(values) == 0 {
		return 0, nil
	}
	switch method {
	case results.LatencyMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return round2(min), nil
	case results.LatencyMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return round2(max), nil
	default:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return round2(sum / float64(len(values))), nil
	}
}

// CreateTrafficIntent builds an unpersisted TrafficRule for a single
// probe relationship, minting a fresh ruleid and, if reqid is empty, a
// fresh reqid too.
func CreateTrafficIntent(srcIP, dstIP string, dstPort int, protocol domain.Protocol, reqid string, connected bool) domain.TrafficRule {
	if reqid == "" {
		reqid = uuid.NewString()
	}
	rule := domain.TrafficRule{
		RuleID:    uuid.NewString(),
		ReqID:     reqid,
		Src:       srcIP,
		Dst:       dstIP,
		Port:      dstPort,
		Protocol:  protocol,
		Connected: connected,
	}
	rule.Fill()
	return rule
}

// RunTraffic registers a single src→dst rule, optionally runs it for
// duration before stopping it, and returns its reqid.
func (p *Podium) RunTraffic(ctx context.Context, srcIP, dstIP string, dstPort int, protocol domain.Protocol, connected bool, duration time.Duration) (string, error) {
	intent := CreateTrafficIntent(srcIP, dstIP, dstPort, protocol, "", connected)
	if err := p.RegisterTraffic(ctx, []domain.TrafficRule{intent}); err != nil {
		return "", err
	}
	if duration > 0 {
		time.Sleep(duration)
		p.StopTraffic(ctx, intent.ReqID)
	}
	return intent.ReqID, nil
}

// RunMeshPing generates a rule for every ordered pair of hosts (N×(N−1)
// intents sharing one reqid) and registers them as a batch.
func (p *Podium) RunMeshPing(ctx context.Context, hosts []string, port int, protocol domain.Protocol, connected bool, duration time.Duration) (string, error) {
	reqid := uuid.NewString()
	var intents []domain.TrafficRule
	for _, src := range hosts {
		for _, dst := range hosts {
			if src == dst {
				continue
			}
			intents = append(intents, CreateTrafficIntent(src, dst, port, protocol, reqid, connected))
		}
	}

	if err := p.RegisterTraffic(ctx, intents); err != nil {
		return "", err
	}
	if duration > 0 {
		time.Sleep(duration)
		p.StopTraffic(ctx, reqid)
	}
	return reqid, nil
}

// GetParam reads a config parameter from the agent hosting epip.
func (p *Podium) GetParam(ctx context.Context, epip, param string) (interface{}, error) {
	host, ok := p.GetEpHost(epip)
	if !ok {
		return nil, fmt.Errorf("no host found for endpoint %s", epip)
	}
	return p.client(host).GetParam(ctx, param)
}

// SetParam writes a config parameter on the agent hosting epip.
func (p *Podium) SetParam(ctx context.Context, epip, param string, value interface{}) error {
	host, ok := p.GetEpHost(epip)
	if !ok {
		return fmt.Errorf("no host found for endpoint %s", epip)
	}
	return p.client(host).SetParam(ctx, param, value)
}
