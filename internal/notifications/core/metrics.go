package core

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"courier/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Compile-time assertion that CloudWatchMetrics implements NotificationMetrics.
var _ NotificationMetrics = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics publishes pipeline metrics to CloudWatch.
//
// Metrics emitted:
//   - DeliveryAttempt: Dims {Template, Result[, ErrorKind]} per settled send
//   - DeliveryAttemptLatency: Dims {Template} per provider call
//   - NotificationQueueLag: no dims, enqueue to first claim
//   - DedupSkipped: Dims {Template, Result=<skip reason>}
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchMetrics creates a publisher. An empty namespace uses
// types.MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

func (m *CloudWatchMetrics) RecordDelivery(ctx context.Context, template string, result MetricResult, kind types.ErrorKind) {
	dims := []cwtypes.Dimension{
		dim(types.DimTemplate, template),
		dim(types.DimResult, string(result)),
	}
	if kind != "" {
		dims = append(dims, dim(types.DimErrorKind, string(kind)))
	}
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricDeliveryAttempt),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
	})
}

// RecordLatency is recorded in milliseconds for CloudWatch precision.
func (m *CloudWatchMetrics) RecordLatency(ctx context.Context, template string, duration time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricDeliveryAttempt + "Latency"),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{dim(types.DimTemplate, template)},
	})
}

func (m *CloudWatchMetrics) RecordQueueLag(ctx context.Context, lag time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String("NotificationQueueLag"),
		Value:      aws.Float64(float64(lag.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	})
}

func (m *CloudWatchMetrics) RecordSkip(ctx context.Context, template string, reason types.SkipReason) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricDedupSkipped),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			dim(types.DimTemplate, template),
			dim(types.DimResult, string(reason)),
		},
	})
}

func (m *CloudWatchMetrics) put(ctx context.Context, datum cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record metric",
			"error", err.Error(),
			"metric", aws.ToString(datum.MetricName),
		)
	}
}

func dim(name, value string) cwtypes.Dimension {
	if value == "" {
		value = "none"
	}
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}
