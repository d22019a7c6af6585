// Package metrics publishes detector and delivery counters to CloudWatch.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// DefaultNamespace is used when no namespace is configured.
const DefaultNamespace = "CiteWatch"

const (
	MetricCheck         = "CheckOutcome"
	MetricObservedValue = "ObservedValue"
	MetricDelivery      = "DeliveryAttempt"
	MetricPersist       = "StatePersist"
	MetricCheckDuration = "CheckDuration"
	DimOutcome          = "Outcome"
	DimBackend          = "Backend"
	DimResult           = "Result"
	DimLabel            = "Label"
	resultSuccess       = "success"
	resultFailure       = "failure"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Recorder receives one call per check, delivery and persist.
type Recorder interface {
	RecordCheck(ctx context.Context, outcome string, duration time.Duration)
	RecordValue(ctx context.Context, value int64)
	RecordDelivery(ctx context.Context, backend string, success bool)
	RecordPersist(ctx context.Context, success bool)
}

var (
	_ Recorder = (*CloudWatch)(nil)
	_ Recorder = Nop{}
)

// CloudWatch emits each record as a single PutMetricData call. Publishing
// failures are logged and otherwise ignored.
type CloudWatch struct {
	client    CloudWatchClient
	namespace string
	label     string
	logger    *slog.Logger
}

// NewCloudWatch creates a recorder. label becomes the Label dimension of
// the observed value so several watchers can share a namespace.
func NewCloudWatch(client CloudWatchClient, namespace, label string, logger *slog.Logger) *CloudWatch {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatch{client: client, namespace: namespace, label: label, logger: logger}
}

func (m *CloudWatch) RecordCheck(ctx context.Context, outcome string, duration time.Duration) {
	m.put(ctx,
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricCheck),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{dim(DimOutcome, outcome)},
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricCheckDuration),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
		},
	)
}

func (m *CloudWatch) RecordValue(ctx context.Context, value int64) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricObservedValue),
		Value:      aws.Float64(float64(value)),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{dim(DimLabel, m.label)},
	})
}

func (m *CloudWatch) RecordDelivery(ctx context.Context, backend string, success bool) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricDelivery),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{dim(DimBackend, backend), dim(DimResult, result(success))},
	})
}

func (m *CloudWatch) RecordPersist(ctx context.Context, success bool) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricPersist),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{dim(DimResult, result(success))},
	})
}

func (m *CloudWatch) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.Error("failed to publish metric",
			"error", err,
			"metric", aws.ToString(data[0].MetricName),
		)
	}
}

func dim(name, value string) cwtypes.Dimension {
	if value == "" {
		value = "default"
	}
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

func result(success bool) string {
	if success {
		return resultSuccess
	}
	return resultFailure
}

// Nop discards every record.
type Nop struct{}

func (Nop) RecordCheck(context.Context, string, time.Duration) {}
func (Nop) RecordValue(context.Context, int64)                 {}
func (Nop) RecordDelivery(context.Context, string, bool)       {}
func (Nop) RecordPersist(context.Context, bool)                {}
