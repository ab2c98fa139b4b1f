// Package controller implements the traffic controller (§4.5): it
// translates ingested rules into local client/server tasks by resolving
// each rule's endpoints against the host's own interface and namespace
// map, and owns the resume-on-boot loop.
package controller

import (
	"fmt"
	"sync"

	"github.com/lydian-project/lydian/internal/discovery"
	"github.com/lydian-project/lydian/internal/domain"
	"github.com/lydian-project/lydian/internal/logging"
	"github.com/lydian-project/lydian/internal/rulesstore"
	"github.com/lydian-project/lydian/internal/traffic/manager"
	"github.com/lydian-project/lydian/internal/traffic/task"
)

// DefaultNamespaceInterfacePrefixes matches the original's
// NAMESPACE_INTERFACE_NAME_PREFIXES default (params.Defaults).
var DefaultNamespaceInterfacePrefixes = []string{"veth", "eth", "vmk"}

// Controller owns the host's endpoint→target map and dispatches ingested
// rules to the client/server task managers.
type Controller struct {
	host          string
	hostName      string
	nsPrefixes    []string
	netnsDir      string

	rules   *rulesstore.Store
	clients *manager.ClientManager
	servers *manager.ServerManager

	mu     sync.RWMutex
	epMap  map[string]domain.Target
}

// New builds a Controller for host (this agent's management IP), hostName
// (this agent's hostname), persisting rules in rules and dispatching tasks
// through queue (typically a *recorder.Manager). nsPrefixes selects which
// host interface name prefixes are mapped as endpoints of this host
// (DefaultNamespaceInterfacePrefixes if nil); every addressed interface
// found inside a namespace is mapped whatever its name.
func New(host, hostName string, rules *rulesstore.Store, queue task.RecordQueue, nsPrefixes []string) *Controller {
	if nsPrefixes == nil {
		nsPrefixes = DefaultNamespaceInterfacePrefixes
	}
	c := &Controller{
		host:       host,
		hostName:   hostName,
		nsPrefixes: nsPrefixes,
		rules:      rules,
		clients:    manager.NewClientManager(queue),
		servers:    manager.NewServerManager(),
		epMap:      make(map[string]domain.Target),
	}
	c.DiscoverInterfaces()
	return c
}

// Host returns this agent's management IP.
func (c *Controller) Host() string { return c.host }

// DiscoverInterfaces re-enumerates host interfaces and namespaces and
// rebuilds the endpoint→target map. Call again when a new interface or
// namespace appears at runtime.
func (c *Controller) DiscoverInterfaces() {
	hostTarget := domain.Target{Kind: domain.TargetVMHost, Name: c.hostName, IP: c.host}

	epMap := map[string]domain.Target{
		"127.0.0.1": hostTarget,
		"::1":       hostTarget,
	}

	ifaces, err := discovery.HostInterfaces()
	if err != nil {
		logging.Op().Warn("interface discovery failed", "error", err)
	}
	for _, iface := range ifaces {
		if hasPrefix(iface.Name, c.nsPrefixes) {
			epMap[iface.Address] = hostTarget
		}
	}

	nsIfaces, err := discovery.NamespaceInterfaces(c.netnsDir)
	if err != nil {
		logging.Op().Warn("namespace discovery failed", "error", err)
	}
	for nsName, ifaces := range nsIfaces {
		nsTarget := domain.Target{Kind: domain.TargetNamespace, Name: nsName, IP: c.host}
		for _, iface := range ifaces {
			epMap[iface.Address] = nsTarget
		}
	}

	c.mu.Lock()
	c.epMap = epMap
	c.mu.Unlock()
}

func hasPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if len(name) >= len(p) && name[:len(p)] == p {
			return true
		}
	}
	return false
}

// resolve fills a rule's target/host fields from the current endpoint map.
// Returns false if neither endpoint resolves locally.
func (c *Controller) resolve(rule *domain.TrafficRule) bool {
	c.mu.RLock()
	srcTarget, srcOK := c.epMap[rule.Src]
	dstTarget, dstOK := c.epMap[rule.Dst]
	c.mu.RUnlock()

	if srcOK {
		t := srcTarget
		rule.SrcTarget = &t
		rule.SrcHost = c.host
	}
	if dstOK {
		t := dstTarget
		rule.DstTarget = &t
		rule.DstHost = c.host
	}
	return srcOK || dstOK
}

// dispatch adds local server/client tasks for a resolved rule. Servers
// start before clients, matching TRAFFIC_START_SERVERS_FIRST.
func (c *Controller) dispatch(rule domain.TrafficRule) {
	if rule.DstHost != "" {
		if err := c.servers.AddTask(rule); err != nil {
			logging.Op().Error("add server task failed", "ruleid", rule.RuleID, "error", err)
		}
	}
	if rule.SrcHost != "" {
		if err := c.clients.AddTask(rule); err != nil {
			logging.Op().Error("add client task failed", "ruleid", rule.RuleID, "error", err)
		}
	}
}

// RegisterTraffic ingests rules: resolves each against the local endpoint
// map, fills defaults, persists through the rules store, and dispatches
// local tasks. A rule resolving to neither endpoint is logged and skipped.
func (c *Controller) RegisterTraffic(rules []domain.TrafficRule) error {
	var accepted []domain.TrafficRule
	for i := range rules {
		rule := rules[i]
		rule.Fill()
		if !c.resolve(&rule) {
			logging.Op().Error("rule resolves to no local endpoint", "ruleid", rule.RuleID, "src", rule.Src, "dst", rule.Dst)
			continue
		}
		accepted = append(accepted, rule)
	}

	if len(accepted) == 0 {
		return nil
	}
	if err := c.rules.AddAll(accepted); err != nil {
		return fmt.Errorf("persist rules: %w", err)
	}
	for _, rule := range accepted {
		c.dispatch(rule)
	}
	return nil
}

// RegisterRule ingests a single rule and returns it post-resolution.
func (c *Controller) RegisterRule(rule domain.TrafficRule) (domain.TrafficRule, error) {
	rule.Fill()
	if !c.resolve(&rule) {
		return rule, fmt.Errorf("rule %s resolves to no local endpoint", rule.RuleID)
	}
	if err := c.rules.Add(rule); err != nil {
		return rule, fmt.Errorf("persist rule: %w", err)
	}
	c.dispatch(rule)
	return rule, nil
}

// Start (re)enables and starts the client task for each ruleid.
func (c *Controller) Start(ruleids []string) {
	var wg sync.WaitGroup
	for _, id := range ruleids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			c.startOne(id)
		}(id)
	}
	wg.Wait()
}

func (c *Controller) startOne(ruleid string) {
	rule, ok := c.rules.Get(ruleid)
	if !ok {
		logging.Op().Error("unable to find rule", "ruleid", ruleid)
		return
	}
	if err := c.rules.Enable(ruleid); err != nil {
		logging.Op().Error("enable rule failed", "ruleid", ruleid, "error", err)
		return
	}
	c.clients.Start(rule.RuleID)
}

// Stop disables and stops the client task for each ruleid.
func (c *Controller) Stop(ruleids []string) {
	var wg sync.WaitGroup
	for _, id := range ruleids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			c.stopOne(id)
		}(id)
	}
	wg.Wait()
}

func (c *Controller) stopOne(ruleid string) {
	if _, ok := c.rules.Get(ruleid); !ok {
		logging.Op().Error("unable to find rule", "ruleid", ruleid)
		return
	}
	c.clients.Stop(ruleid)
	if err := c.rules.Disable(ruleid); err != nil {
		logging.Op().Error("disable rule failed", "ruleid", ruleid, "error", err)
	}
}

// UnregisterTraffic stops and deletes the rule (and its tasks) for each
// ruleid.
func (c *Controller) UnregisterTraffic(ruleids []string) {
	var wg sync.WaitGroup
	for _, id := range ruleids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			c.unregisterOne(id)
		}(id)
	}
	wg.Wait()
}

func (c *Controller) unregisterOne(ruleid string) {
	c.clients.Remove(ruleid)
	if rule, ok := c.rules.Get(ruleid); ok {
		c.servers.Release(rule)
	}
	if err := c.rules.Delete(ruleid); err != nil {
		logging.Op().Error("delete rule failed", "ruleid", ruleid, "error", err)
	}
}

// ResumeActiveRules re-resolves and re-dispatches every ACTIVE rule found
// in the rules store. Call once at startup, after rules have been loaded
// from disk. A rule whose endpoints no longer resolve locally is left in
// the store but inert.
func (c *Controller) ResumeActiveRules() {
	var ruleids []string
	for _, rule := range c.rules.All() {
		if !rule.Enabled() {
			continue
		}
		if !c.resolve(&rule) {
			logging.Op().Warn("active rule no longer resolves locally", "ruleid", rule.RuleID)
			continue
		}
		ruleids = append(ruleids, rule.RuleID)
		c.dispatch(rule)
	}
	logging.Op().Info("resumed active rules", "count", len(ruleids))
}

// Close stops every local client and server task.
func (c *Controller) Close() {
	c.clients.Close()
	c.servers.Close()
}

// SetNetnsDir points namespace discovery at dir instead of /var/run/netns
// and re-runs discovery. Used in tests and on hosts with a nonstandard
// netns mount point.
func (c *Controller) SetNetnsDir(dir string) {
	c.netnsDir = dir
	c.DiscoverInterfaces()
}
