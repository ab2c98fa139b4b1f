// Package rpcclient is Podium's typed HTTP+JSON client for the agent RPC
// surface defined in §6, one method per namespace/method pair.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lydian-project/lydian/internal/domain"
	"github.com/lydian-project/lydian/internal/results"
)

// Client talks to a single agent's RPC surface over HTTP+JSON.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client for the agent reachable at baseURL (e.g.
// "http://10.0.0.5:5649"). timeout (30s if zero) bounds every call.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("rpc request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("rpc %s: status %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// RegisterTraffic registers rules on the agent.
func (c *Client) RegisterTraffic(ctx context.Context, rules []domain.TrafficRule) error {
	return c.postJSON(ctx, "/controller/RegisterTraffic", map[string]interface{}{"rules": rules}, nil)
}

// UnregisterTraffic stops and deletes the given rules on the agent.
func (c *Client) UnregisterTraffic(ctx context.Context, ruleids []string) error {
	return c.postJSON(ctx, "/controller/UnregisterTraffic", map[string]interface{}{"ruleids": ruleids}, nil)
}

// Start (re)enables the given rules' client tasks.
func (c *Client) Start(ctx context.Context, ruleids []string) error {
	return c.postJSON(ctx, "/controller/Start", map[string]interface{}{"ruleids": ruleids}, nil)
}

// Stop disables the given rules' client tasks.
func (c *Client) Stop(ctx context.Context, ruleids []string) error {
	return c.postJSON(ctx, "/controller/Stop", map[string]interface{}{"ruleids": ruleids}, nil)
}

// DiscoverInterfaces asks the agent to re-enumerate its interfaces and
// namespaces.
func (c *Client) DiscoverInterfaces(ctx context.Context) error {
	return c.postJSON(ctx, "/controller/DiscoverInterfaces", nil, nil)
}

// GetTrafficRule fetches a single rule by id.
func (c *Client) GetTrafficRule(ctx context.Context, ruleid string) (domain.TrafficRule, error) {
	var rule domain.TrafficRule
	err := c.getJSON(ctx, "/rules/Get", url.Values{"ruleid": {ruleid}}, &rule)
	return rule, err
}

// EnableRule enables a single persisted rule without dispatching it
// through the controller (used for out-of-band recovery).
func (c *Client) EnableRule(ctx context.Context, ruleid string) error {
	return c.postJSON(ctx, "/rules/Enable", map[string]string{"ruleid": ruleid}, nil)
}

// DisableRule disables a single persisted rule.
func (c *Client) DisableRule(ctx context.Context, ruleid string) error {
	return c.postJSON(ctx, "/rules/Disable", map[string]string{"ruleid": ruleid}, nil)
}

// queryBody mirrors internal/api's queryRequest wire shape.
type queryBody struct {
	ReqID       string          `json:"reqid"`
	Source      string          `json:"source,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Protocol    domain.Protocol `json:"protocol,omitempty"`
	Port        int             `json:"port,omitempty"`
	Expected    *bool           `json:"expected,omitempty"`
	Result      *bool           `json:"result,omitempty"`
}

func toQueryBody(reqid string, f results.Filter) queryBody {
	return queryBody{
		ReqID:       reqid,
		Source:      f.Source,
		Destination: f.Destination,
		Protocol:    f.Protocol,
		Port:        f.Port,
		Expected:    f.Expected,
		Result:      f.Result,
	}
}

// GetTrafficRecords fetches every record matching reqid/filter.
func (c *Client) GetTrafficRecords(ctx context.Context, reqid string, f results.Filter) ([]domain.TrafficRecord, error) {
	var recs []domain.TrafficRecord
	err := c.postJSON(ctx, "/results/Traffic", toQueryBody(reqid, f), &recs)
	return recs, err
}

// GetTrafficRecordsCount fetches the matching row count.
func (c *Client) GetTrafficRecordsCount(ctx context.Context, reqid string, f results.Filter) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	err := c.postJSON(ctx, "/results/TrafficRecordsCount", toQueryBody(reqid, f), &out)
	return out.Count, err
}

// GetLatencyStat fetches an aggregate latency value; ok is false if no
// rows matched.
func (c *Client) GetLatencyStat(ctx context.Context, reqid string, method results.LatencyMethod, f results.Filter) (float64, bool, error) {
	req := struct {
		queryBody
		Method results.LatencyMethod `json:"method"`
	}{queryBody: toQueryBody(reqid, f), Method: method}

	var out struct {
		Value float64 `json:"value"`
		OK    bool    `json:"ok"`
	}
	err := c.postJSON(ctx, "/results/GetLatencyStat", req, &out)
	return out.Value, out.OK, err
}

// DeleteRecord deletes every record matching reqid/filter on the agent.
func (c *Client) DeleteRecord(ctx context.Context, reqid string, f results.Filter) error {
	return c.postJSON(ctx, "/results/DeleteRecord", toQueryBody(reqid, f), nil)
}

// GetParam fetches a config parameter's current value.
func (c *Client) GetParam(ctx context.Context, param string) (interface{}, error) {
	var out struct {
		Value interface{} `json:"value"`
	}
	err := c.getJSON(ctx, "/configs/GetParam", url.Values{"param": {param}}, &out)
	return out.Value, err
}

// SetParam sets a config parameter's value.
func (c *Client) SetParam(ctx context.Context, param string, value interface{}) error {
	return c.postJSON(ctx, "/configs/SetParam", map[string]interface{}{"param": param, "value": value}, nil)
}

// MonitorStart starts the agent's resource monitor.
func (c *Client) MonitorStart(ctx context.Context) error {
	return c.postJSON(ctx, "/monitor/Start", nil, nil)
}

// MonitorStop stops the agent's resource monitor.
func (c *Client) MonitorStop(ctx context.Context) error {
	return c.postJSON(ctx, "/monitor/Stop", nil, nil)
}

// MonitorIsRunning reports whether the agent's resource monitor is active.
func (c *Client) MonitorIsRunning(ctx context.Context) (bool, error) {
	var out struct {
		Running bool `json:"running"`
	}
	err := c.getJSON(ctx, "/monitor/IsRunning", nil, &out)
	return out.Running, err
}

// InterfaceIpsMap fetches the agent's interface→IP map, used by Podium
// to discover namespace-filtered endpoints hosted on this agent.
func (c *Client) InterfaceIpsMap(ctx context.Context) (map[string]string, error) {
	m := make(map[string]string)
	err := c.getJSON(ctx, "/interface/GetInterfaceIpsMap", nil, &m)
	return m, err
}

// ListNamespacesIps fetches every IP hosted in one of the agent's network
// namespaces.
func (c *Client) ListNamespacesIps(ctx context.Context) ([]string, error) {
	var ips []string
	err := c.getJSON(ctx, "/namespace/ListNamespacesIps", nil, &ips)
	return ips, err
}
