package recorder

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-redis/redis/v8"

	"github.com/lydian-project/lydian/internal/domain"
)

const (
	trafficStreamKey  = "lydian:traffic"
	resourceStreamKey = "lydian:resource"
)

// RedisSink XADDs a stream entry per record, standing in for the
// original's Elasticsearch sink interface: any downstream consumer
// (an ES ingestion pipeline, a dashboard) can XREAD the stream.
type RedisSink struct {
	client  *redis.Client
	enabled func() bool
}

// NewRedisSink connects to addr and verifies connectivity before
// returning, matching the teacher's store.NewRedisStore eager-ping
// pattern.
func NewRedisSink(addr, password string, db int, enabled func() bool) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisSink{client: client, enabled: enabled}, nil
}

func (s *RedisSink) Name() string  { return "redis" }
func (s *RedisSink) Enabled() bool { return s.enabled == nil || s.enabled() }
func (s *RedisSink) Close() error  { return s.client.Close() }

func (s *RedisSink) WriteTraffic(rec domain.TrafficRecord) error {
	fields := map[string]interface{}{
		"timestamp":   rec.Timestamp.Format("2006-01-02T15:04:05.000000"),
		"reqid":       rec.ReqID,
		"ruleid":      rec.RuleID,
		"source":      rec.Source,
		"destination": rec.Destination,
		"protocol":    string(rec.Protocol),
		"port":        strconv.Itoa(rec.Port),
		"expected":    strconv.FormatBool(rec.Expected),
		"result":      strconv.FormatBool(rec.Result),
		"latency":     strconv.FormatFloat(rec.LatencyMs, 'f', 2, 64),
		"error":       rec.Error,
	}
	err := s.client.XAdd(context.Background(), &redis.XAddArgs{Stream: trafficStreamKey, Values: fields}).Err()
	if err != nil {
		return fmt.Errorf("xadd traffic record: %w", err)
	}
	return nil
}

func (s *RedisSink) WriteResource(rec domain.ResourceRecord) error {
	fields := map[string]interface{}{
		"timestamp":          rec.Timestamp.Format("2006-01-02T15:04:05.000000"),
		"system_cpu_percent": strconv.FormatFloat(rec.SystemCPUPercent, 'f', 2, 64),
		"system_mem_percent": strconv.FormatFloat(rec.SystemMemPercent, 'f', 2, 64),
		"system_conn_count":  strconv.Itoa(rec.SystemConnCount),
		"agent_cpu_percent":  strconv.FormatFloat(rec.AgentCPUPercent, 'f', 2, 64),
		"agent_mem_percent":  strconv.FormatFloat(rec.AgentMemPercent, 'f', 2, 64),
		"agent_conn_count":   strconv.Itoa(rec.AgentConnCount),
	}
	err := s.client.XAdd(context.Background(), &redis.XAddArgs{Stream: resourceStreamKey, Values: fields}).Err()
	if err != nil {
		return fmt.Errorf("xadd resource record: %w", err)
	}
	return nil
}
