package recorder

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/lydian-project/lydian/internal/domain"
)

// CloudWatchSink puts two metric data points per TrafficRecord
// (<proto>.result, <proto>.latency), standing in for the original's
// Wavefront sink interface: same prefix/tag shape, a different metric
// backend.
type CloudWatchSink struct {
	client    *cloudwatch.Client
	namespace string
	node      string
	enabled   func() bool
}

// NewCloudWatchSink wraps an already-configured cloudwatch client.
// Building the aws.Config (region, credentials) is the caller's
// responsibility, matching how the teacher wires AWS clients at the
// daemon's composition root.
func NewCloudWatchSink(client *cloudwatch.Client, namespace, node string, enabled func() bool) *CloudWatchSink {
	return &CloudWatchSink{client: client, namespace: namespace, node: node, enabled: enabled}
}

func (s *CloudWatchSink) Name() string  { return "cloudwatch" }
func (s *CloudWatchSink) Enabled() bool { return s.enabled == nil || s.enabled() }
func (s *CloudWatchSink) Close() error  { return nil }

func (s *CloudWatchSink) WriteTraffic(rec domain.TrafficRecord) error {
	dims := []types.Dimension{
		{Name: aws.String("reqid"), Value: aws.String(rec.ReqID)},
		{Name: aws.String("ruleid"), Value: aws.String(rec.RuleID)},
		{Name: aws.String("source"), Value: aws.String(rec.Source)},
		{Name: aws.String("destination"), Value: aws.String(rec.Destination)},
		{Name: aws.String("node"), Value: aws.String(s.node)},
	}
	prefix := string(rec.Protocol)

	resultVal := 0.0
	if rec.Result {
		resultVal = 1.0
	}

	_, err := s.client.PutMetricData(context.Background(), &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(s.namespace),
		MetricData: []types.MetricDatum{
			{
				MetricName: aws.String(prefix + ".result"),
				Value:      aws.Float64(resultVal),
				Timestamp:  aws.Time(rec.Timestamp),
				Dimensions: dims,
			},
			{
				MetricName: aws.String(prefix + ".latency"),
				Value:      aws.Float64(rec.LatencyMs),
				Timestamp:  aws.Time(rec.Timestamp),
				Dimensions: dims,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("put traffic metric data: %w", err)
	}
	return nil
}

func (s *CloudWatchSink) WriteResource(rec domain.ResourceRecord) error {
	dims := []types.Dimension{
		{Name: aws.String("node"), Value: aws.String(s.node)},
	}
	data := []types.MetricDatum{
		{MetricName: aws.String("resources.system_cpu_percent"), Value: aws.Float64(rec.SystemCPUPercent), Timestamp: aws.Time(rec.Timestamp), Dimensions: dims},
		{MetricName: aws.String("resources.system_mem_percent"), Value: aws.Float64(rec.SystemMemPercent), Timestamp: aws.Time(rec.Timestamp), Dimensions: dims},
		{MetricName: aws.String("resources.agent_cpu_percent"), Value: aws.Float64(rec.AgentCPUPercent), Timestamp: aws.Time(rec.Timestamp), Dimensions: dims},
		{MetricName: aws.String("resources.agent_mem_percent"), Value: aws.Float64(rec.AgentMemPercent), Timestamp: aws.Time(rec.Timestamp), Dimensions: dims},
	}

	_, err := s.client.PutMetricData(context.Background(), &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(s.namespace),
		MetricData: data,
	})
	if err != nil {
		return fmt.Errorf("put resource metric data: %w", err)
	}
	return nil
}
