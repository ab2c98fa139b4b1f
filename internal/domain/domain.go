// Package domain holds the plain data types shared across the agent and
// Podium: endpoints, targets, traffic rules, and the records they produce.
package domain

import "time"

// Protocol identifies a traffic rule's wire protocol.
type Protocol string

const (
	TCP  Protocol = "TCP"
	UDP  Protocol = "UDP"
	HTTP Protocol = "HTTP"
)

// RuleState is the persisted lifecycle state of a TrafficRule.
type RuleState string

const (
	StateActive   RuleState = "ACTIVE"
	StateInactive RuleState = "INACTIVE"
)

// TargetKind distinguishes the host environment a probe endpoint lives in.
type TargetKind string

const (
	TargetVMHost    TargetKind = "POSIX"
	TargetNamespace TargetKind = "NAMESPACE"
	TargetContainer TargetKind = "CONTAINER"
	TargetWinVM     TargetKind = "WINVM"
)

// Target describes where a probe endpoint lives on a given host: the
// default network namespace, a named namespace, a container, or a
// Windows VM. It is the unit of namespace entry for §4.3's task layer.
type Target struct {
	Kind TargetKind `json:"kind"`
	Name string     `json:"name,omitempty"` // namespace/container name; the agent's hostname for VMHost
	IP   string     `json:"ip,omitempty"`   // management IP to log into and run operations on
}

func (t Target) IsVMHost() bool    { return t.Kind == TargetVMHost }
func (t Target) IsNamespace() bool { return t.Kind == TargetNamespace }
func (t Target) IsContainer() bool { return t.Kind == TargetContainer }
func (t Target) IsWinVM() bool     { return t.Kind == TargetWinVM }

// DefaultPayload is the payload value a TrafficRule fills in when none is
// supplied.
const DefaultPayload = "Dinkirk"

// DefaultUsername is the account a traffic task runs as when none is
// supplied.
const DefaultUsername = "root"

// TrafficRule is the central persisted entity: a single client→server
// probe relationship between two endpoints.
type TrafficRule struct {
	RuleID string `json:"ruleid"` // unique, primary key
	ReqID  string `json:"reqid"`  // groups related rules, e.g. a mesh-ping batch

	Src      string   `json:"src"`      // source endpoint address
	Dst      string   `json:"dst"`      // destination endpoint address
	Protocol Protocol `json:"protocol"` // TCP, UDP, or HTTP
	Port     int      `json:"port"`

	Connected bool `json:"connected"` // whether the probe is expected to succeed

	Payload   string `json:"payload"`
	Tries     int    `json:"tries,omitempty"`     // finite probe count; 0 = unbounded
	Attempts  int    `json:"attempts,omitempty"`  // per-ping retry count, default 1
	Frequency int    `json:"frequency,omitempty"` // pings/minute, 1..60
	Interval  float64 `json:"interval,omitempty"` // seconds; takes precedence over Frequency

	Username string    `json:"username"`
	State    RuleState `json:"state"`

	SrcHost string `json:"src_host,omitempty"` // management IP of the host owning Src
	DstHost string `json:"dst_host,omitempty"` // management IP of the host owning Dst

	SrcTarget *Target `json:"src_target,omitempty"`
	DstTarget *Target `json:"dst_target,omitempty"`

	Tool string `json:"tool,omitempty"` // optional alternative traffic generator module
}

// Fill sets defaulted fields on a freshly-decoded rule. Mirrors the
// schema-fill step every ingested rule goes through before being acted on.
func (r *TrafficRule) Fill() {
	if r.State == "" {
		r.State = StateActive
	}
	if r.Username == "" {
		r.Username = DefaultUsername
	}
	if r.Payload == "" {
		r.Payload = DefaultPayload
	}
	if r.Attempts == 0 {
		r.Attempts = 1
	}
}

func (r *TrafficRule) IsTCP() bool  { return r.Protocol == TCP }
func (r *TrafficRule) IsUDP() bool  { return r.Protocol == UDP }
func (r *TrafficRule) IsHTTP() bool { return r.Protocol == HTTP }
func (r *TrafficRule) Enabled() bool { return r.State == StateActive }

// EffectiveInterval returns the seconds to sleep between probes:
// Interval when set, else derived from Frequency (pings/minute).
func (r *TrafficRule) EffectiveInterval() float64 {
	if r.Interval > 0 {
		return r.Interval
	}
	if r.Frequency > 0 {
		return 60.0 / float64(r.Frequency)
	}
	return 1.0
}

// TrafficRecord is one probe outcome. Append-only: no primary key, never
// mutated after creation.
type TrafficRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	ReqID       string    `json:"reqid"`
	RuleID      string    `json:"ruleid"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Protocol    Protocol  `json:"protocol"`
	Port        int       `json:"port"`
	Expected    bool      `json:"expected"`
	Result      bool      `json:"result"`
	LatencyMs   float64   `json:"latency"`
	Error       string    `json:"error,omitempty"` // truncated to 100 chars
}

// EvaluateResult applies §4.1's expected-failure-is-success rule: the
// probe's boolean result is "expected == echo-matches-payload", so a probe
// that was expected to fail counts as successful when it does fail.
func EvaluateResult(expected, echoMatchesPayload bool) bool {
	return expected == echoMatchesPayload
}

// ResourceRecord is a periodic system + agent-process resource sample.
type ResourceRecord struct {
	Timestamp time.Time `json:"timestamp"`

	SystemCPUPercent  float64 `json:"system_cpu_percent"`
	SystemMemPercent  float64 `json:"system_mem_percent"`
	SystemConnCount   int     `json:"system_conn_count"`

	AgentCPUPercent float64 `json:"agent_cpu_percent"`
	AgentMemPercent float64 `json:"agent_mem_percent"`
	AgentConnCount  int     `json:"agent_conn_count"`
}

// ConfigValueType drives how a ConfigEntry's JSON value is decoded.
type ConfigValueType string

const (
	TypeInt      ConfigValueType = "int"
	TypeFloat    ConfigValueType = "float"
	TypeBool     ConfigValueType = "bool"
	TypeString   ConfigValueType = "string"
	TypeTuple    ConfigValueType = "tuple"
	TypeSet      ConfigValueType = "set"
	TypeNone     ConfigValueType = "NoneType"
)

// ConfigEntry is a single typed (param, value, typename) triple in the
// domain config store (internal/params).
type ConfigEntry struct {
	Param    string          `json:"param"`
	Value    string          `json:"value"` // JSON-encoded
	TypeName ConfigValueType `json:"typename"`
}
