// Package task implements the traffic task layer (§4.3): a task owns
// either a client or a server, dispatches creation on the target
// variant, and (for namespace targets) enters/releases the namespace
// around the task's lifetime.
package task

import (
	"fmt"
	"sync"

	"github.com/lydian-project/lydian/internal/domain"
	"github.com/lydian-project/lydian/internal/logging"
	"github.com/lydian-project/lydian/internal/metrics"
	"github.com/lydian-project/lydian/internal/netns"
	tclient "github.com/lydian-project/lydian/internal/traffic/client"
	tserver "github.com/lydian-project/lydian/internal/traffic/server"
)

// NamespaceDir is the directory scanned for named network namespaces;
// overridable for tests and for agents configured with a non-default
// /var/run/netns location.
var NamespaceDir = "/var/run/netns"

// Record is the shape pushed onto the recorder's queue by a client
// task's ping handler. It is domain.TrafficRecord itself; the handler
// leaves Timestamp unset so the recorder stamps it on receipt.
type Record = domain.TrafficRecord

// RecordQueue is the non-blocking sink a ClientTask enqueues onto; the
// recorder package implements it.
type RecordQueue interface {
	Enqueue(rec Record) (dropped bool)
}

// ClientTask owns a protocol client and feeds completed probes into a
// RecordQueue.
type ClientTask struct {
	rule  domain.TrafficRule
	queue RecordQueue

	mu      sync.Mutex
	client  protoClient
	running bool
	doneCh  chan struct{}
}

type protoClient interface {
	Start(payload string, tries int)
	Stop()
	Stopped() bool
}

// NewClientTask builds (but does not start) a client task for rule. rule
// must have SrcTarget/DstTarget filled (see internal/controller). Target
// dispatch happens here (§4.3): VMHost builds the client directly;
// namespace targets defer socket creation to Start, which runs the
// client's whole probe loop — and therefore every socket it opens — with
// the calling goroutine's thread setns'd into the target namespace for
// the loop's entire lifetime (setns associates a namespace with a
// socket at creation time, so once opened the socket keeps working from
// any thread; only creation needs to happen inside the namespace).
func NewClientTask(rule domain.TrafficRule, queue RecordQueue) (*ClientTask, error) {
	target := rule.SrcTarget
	if target == nil {
		return nil, fmt.Errorf("client task %s: no src target", rule.RuleID)
	}
	if !target.IsVMHost() && !target.IsNamespace() {
		return nil, fmt.Errorf("client task %s: unsupported target kind %s", rule.RuleID, target.Kind)
	}

	t := &ClientTask{rule: rule, queue: queue}
	c, err := t.buildClient()
	if err != nil {
		return nil, err
	}
	t.client = c
	return t, nil
}

func (t *ClientTask) buildClient() (protoClient, error) {
	cfg := tclient.Config{
		Server:    t.rule.Dst,
		Port:      t.rule.Port,
		Payload:   t.rule.Payload,
		Tries:     t.rule.Tries,
		Attempts:  t.rule.Attempts,
		Frequency: t.rule.Frequency,
		Interval:  t.rule.Interval,
		Handler:   t.pingHandler,
	}
	switch t.rule.Protocol {
	case domain.TCP:
		return tclient.NewTCPClient(cfg), nil
	case domain.UDP:
		return tclient.NewUDPClient(cfg), nil
	case domain.HTTP:
		return tclient.NewHTTPClient(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported protocol %s", t.rule.Protocol)
	}
}

// pingHandler builds a TrafficRecord from one probe outcome and
// non-blockingly enqueues it; a full queue drops the record rather than
// blocking the prober.
func (t *ClientTask) pingHandler(payload, data []byte, latencyMs float64, err error) {
	echoMatches := err == nil && string(data) == string(payload)
	result := domain.EvaluateResult(t.rule.Connected, echoMatches)

	rec := Record{
		ReqID:       t.rule.ReqID,
		RuleID:      t.rule.RuleID,
		Source:      t.rule.Src,
		Destination: t.rule.Dst,
		Protocol:    t.rule.Protocol,
		Port:        t.rule.Port,
		Expected:    t.rule.Connected,
		Result:      result,
		LatencyMs:   latencyMs,
	}
	if err != nil {
		rec.Error = truncate(err.Error(), 100)
	}

	metrics.Global().RecordProbe(t.rule.RuleID, string(t.rule.Protocol), int64(latencyMs), result)

	if dropped := t.queue.Enqueue(rec); dropped {
		logging.Op().Warn("dropped traffic record, queue full", "ruleid", t.rule.RuleID)
	}
}

// Start runs the task. When blocking is false it runs in its own
// goroutine, matching §4.3's non-blocking Start.
func (t *ClientTask) Start(blocking bool) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.doneCh = make(chan struct{})
	t.mu.Unlock()

	metrics.Global().RecordTaskStarted()
	run := func() {
		defer close(t.doneCh)
		defer func() {
			t.mu.Lock()
			t.running = false
			t.mu.Unlock()
		}()
		t.runLoop()
	}
	if blocking {
		run()
	} else {
		go run()
	}
}

func (t *ClientTask) runLoop() {
	target := t.rule.SrcTarget
	if target != nil && target.IsNamespace() {
		release, err := netns.Enter(NamespaceDir, target.Name)
		if err != nil {
			logging.Op().Error("client task: enter namespace failed", "ruleid", t.rule.RuleID, "namespace", target.Name, "error", err)
			return
		}
		defer release()
	}
	t.client.Start(t.rule.Payload, t.rule.Tries)
}

func (t *ClientTask) Stop() {
	t.client.Stop()
	t.mu.Lock()
	done := t.doneCh
	t.mu.Unlock()
	if done != nil {
		<-done
	}
	metrics.Global().RecordTaskStopped()
}

func (t *ClientTask) Close() {
	t.Stop()
}

func (t *ClientTask) IsRunning() bool { return !t.client.Stopped() }

// ServerTask owns a protocol server shared across every rule whose
// ServerManager key matches (see internal/traffic/manager).
type ServerTask struct {
	rule   domain.TrafficRule
	server tserver.Server
}

// NewServerTask builds (but does not start) a server task for rule. rule
// must have DstTarget filled. As with ClientTask, namespace entry wraps
// the blocking Start call rather than construction, since that is where
// the listening socket actually gets created.
func NewServerTask(rule domain.TrafficRule) (*ServerTask, error) {
	target := rule.DstTarget
	if target == nil {
		return nil, fmt.Errorf("server task %s: no dst target", rule.RuleID)
	}
	if !target.IsVMHost() && !target.IsNamespace() {
		return nil, fmt.Errorf("server task %s: unsupported target kind %s", rule.RuleID, target.Kind)
	}

	t := &ServerTask{rule: rule}
	s, err := t.buildServer()
	if err != nil {
		return nil, err
	}
	t.server = s
	return t, nil
}

func (t *ServerTask) buildServer() (tserver.Server, error) {
	switch t.rule.Protocol {
	case domain.TCP:
		return tserver.NewTCPServer(t.rule.Port), nil
	case domain.UDP:
		return tserver.NewUDPServer(t.rule.Port), nil
	case domain.HTTP:
		return tserver.NewHTTPServer(t.rule.Port), nil
	default:
		return nil, fmt.Errorf("unsupported protocol %s", t.rule.Protocol)
	}
}

func (t *ServerTask) Start(blocking bool) {
	metrics.Global().RecordTaskStarted()
	start := func() {
		target := t.rule.DstTarget
		if target != nil && target.IsNamespace() {
			release, err := netns.Enter(NamespaceDir, target.Name)
			if err != nil {
				logging.Op().Error("server task: enter namespace failed", "ruleid", t.rule.RuleID, "namespace", target.Name, "error", err)
				return
			}
			defer release()
		}
		if err := t.server.Start(); err != nil {
			logging.Op().Error("traffic server exited", "ruleid", t.rule.RuleID, "error", err)
		}
	}
	if blocking {
		start()
	} else {
		go start()
	}
}

func (t *ServerTask) Stop() {
	t.server.Stop()
	metrics.Global().RecordTaskStopped()
}

func (t *ServerTask) Close() {
	t.Stop()
}

func (t *ServerTask) IsRunning() bool { return !t.server.Stopped() }

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
