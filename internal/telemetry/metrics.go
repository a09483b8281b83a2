// Package telemetry emits engine metrics to CloudWatch.
package telemetry

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"notifier/internal/engine"
	"notifier/internal/types"
)

// Metric names and dimensions.
const (
	MetricRequests   = "RequestsHandled"
	MetricConflicts  = "OptimisticConflicts"
	MetricDelivered  = "RecipientDeliveries"
	DimPhase         = "Phase"
	DimState         = "State"
	DimOperation     = "Operation"
	DimRecipient     = "Recipient"
	DimResult        = "Result"
	resultSucceeded  = "success"
	resultFailed     = "failed"
	maxDatumsPerCall = 1000
)

// CloudWatchClient abstracts PutMetricData for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ engine.Metrics = (*CloudWatchEngineMetrics)(nil)

// CloudWatchEngineMetrics buffers datums in memory; Flush sends them. Lambda
// handlers flush once per invocation so recording never waits on the
// network.
type CloudWatchEngineMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger

	mu     sync.Mutex
	datums []cwtypes.MetricDatum
}

// NewCloudWatchEngineMetrics creates a recorder for namespace.
func NewCloudWatchEngineMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchEngineMetrics {
	return &CloudWatchEngineMetrics{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatchEngineMetrics) RecordRequests(_ context.Context, phase string, state types.NotificationState, count int) {
	if count <= 0 {
		return
	}
	m.add(MetricRequests, float64(count), dim(DimPhase, phase), dim(DimState, string(state)))
}

func (m *CloudWatchEngineMetrics) RecordConflict(_ context.Context, operation string) {
	m.add(MetricConflicts, 1, dim(DimOperation, operation))
}

func (m *CloudWatchEngineMetrics) RecordDelivery(_ context.Context, recipient string, succeeded, failed int) {
	if succeeded > 0 {
		m.add(MetricDelivered, float64(succeeded), dim(DimRecipient, recipient), dim(DimResult, resultSucceeded))
	}
	if failed > 0 {
		m.add(MetricDelivered, float64(failed), dim(DimRecipient, recipient), dim(DimResult, resultFailed))
	}
}

func (m *CloudWatchEngineMetrics) add(name string, value float64, dims ...cwtypes.Dimension) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.datums = append(m.datums, cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
	})
}

// Flush sends buffered datums. Failures are logged and the datums dropped;
// metrics never fail a pass.
func (m *CloudWatchEngineMetrics) Flush(ctx context.Context) {
	m.mu.Lock()
	pending := m.datums
	m.datums = nil
	m.mu.Unlock()

	for start := 0; start < len(pending); start += maxDatumsPerCall {
		end := min(start+maxDatumsPerCall, len(pending))
		_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(m.namespace),
			MetricData: pending[start:end],
		})
		if err != nil {
			m.logger.Error("failed to flush engine metrics", "count", end-start, "error", err.Error())
		}
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}
