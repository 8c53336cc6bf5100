package aws

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"
)

// MetricsRecorder collects data points for the reservation service. Calls
// only touch memory; the points reach CloudWatch on the next flush.
type MetricsRecorder interface {
	Count(name string, dims map[string]string)
	Add(name string, n float64, dims map[string]string)
	Latency(name string, d time.Duration, dims map[string]string)
}

// CloudWatchMetricsAPI is the part of the CloudWatch client used here.
type CloudWatchMetricsAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

const (
	metricsFlushInterval = time.Minute
	// PutMetricData accepts at most this many datums per call.
	maxDatumsPerPut = 1000
)

// series aggregates every point of one metric name, unit and dimension set
// between two flushes.
type series struct {
	name string
	unit types.StandardUnit
	dims []types.Dimension
	sum  float64
	min  float64
	max  float64
	n    float64
}

// MetricsClient aggregates points per series and ships them as statistic
// sets, so a busy store costs one datum per series and interval instead of
// one API call per request.
type MetricsClient struct {
	api       CloudWatchMetricsAPI
	namespace string
	enabled   bool

	mu     sync.Mutex
	series map[string]*series
}

// NewMetricsClient builds the client from CLOUDWATCH_ENABLED and
// CLOUDWATCH_NAMESPACE.
func NewMetricsClient(ctx context.Context) (*MetricsClient, error) {
	cfg, err := LoadAWSConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	namespace := os.Getenv("CLOUDWATCH_NAMESPACE")
	if namespace == "" {
		namespace = "Bazaar/Inventory"
	}
	m := NewMetricsClientWithAPI(cloudwatch.NewFromConfig(cfg), namespace)
	m.enabled = os.Getenv("CLOUDWATCH_ENABLED") == "true"
	return m, nil
}

// NewMetricsClientWithAPI returns an enabled client over api.
func NewMetricsClientWithAPI(api CloudWatchMetricsAPI, namespace string) *MetricsClient {
	return &MetricsClient{
		api:       api,
		namespace: namespace,
		enabled:   true,
		series:    make(map[string]*series),
	}
}

// IsEnabled returns whether CloudWatch metrics are enabled
func (m *MetricsClient) IsEnabled() bool {
	return m != nil && m.enabled
}

func (m *MetricsClient) Count(name string, dims map[string]string) {
	m.observe(name, 1, types.StandardUnitCount, dims)
}

func (m *MetricsClient) Add(name string, n float64, dims map[string]string) {
	m.observe(name, n, types.StandardUnitCount, dims)
}

func (m *MetricsClient) Latency(name string, d time.Duration, dims map[string]string) {
	m.observe(name, float64(d.Microseconds())/1000, types.StandardUnitMilliseconds, dims)
}

func (m *MetricsClient) observe(name string, v float64, unit types.StandardUnit, dims map[string]string) {
	if !m.IsEnabled() {
		return
	}
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('|')
	b.WriteString(string(unit))
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(dims[k])
	}
	key := b.String()

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[key]
	if !ok {
		d := make([]types.Dimension, 0, len(keys))
		for _, k := range keys {
			d = append(d, types.Dimension{Name: aws.String(k), Value: aws.String(dims[k])})
		}
		s = &series{name: name, unit: unit, dims: d, min: v, max: v}
		m.series[key] = s
	}
	s.sum += v
	s.n++
	if v < s.min {
		s.min = v
	}
	if v > s.max {
		s.max = v
	}
}

// Flush sends everything collected since the previous flush. Points of a
// failed call are dropped.
func (m *MetricsClient) Flush(ctx context.Context) error {
	if !m.IsEnabled() {
		return nil
	}
	m.mu.Lock()
	pending := m.series
	m.series = make(map[string]*series, len(pending))
	m.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	keys := make([]string, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	now := aws.Time(time.Now())
	datums := make([]types.MetricDatum, 0, len(keys))
	for _, k := range keys {
		s := pending[k]
		datums = append(datums, types.MetricDatum{
			MetricName: aws.String(s.name),
			Unit:       s.unit,
			Timestamp:  now,
			Dimensions: s.dims,
			StatisticValues: &types.StatisticSet{
				Sum:         aws.Float64(s.sum),
				Minimum:     aws.Float64(s.min),
				Maximum:     aws.Float64(s.max),
				SampleCount: aws.Float64(s.n),
			},
		})
	}

	for start := 0; start < len(datums); start += maxDatumsPerPut {
		end := min(start+maxDatumsPerPut, len(datums))
		_, err := m.api.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(m.namespace),
			MetricData: datums[start:end],
		})
		if err != nil {
			return fmt.Errorf("failed to put metrics: %w", err)
		}
	}
	return nil
}

// Run flushes on every interval until ctx ends, then once more.
func (m *MetricsClient) Run(ctx context.Context, interval time.Duration, log *zap.Logger) {
	if !m.IsEnabled() {
		return
	}
	if interval <= 0 {
		interval = metricsFlushInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := m.Flush(final); err != nil {
				log.Warn("Final metrics flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := m.Flush(ctx); err != nil {
				log.Warn("Metrics flush failed", zap.Error(err))
			}
		}
	}
}

const (
	// HTTP metrics
	MetricHTTPRequests = "HTTPRequests"
	MetricHTTPErrors   = "HTTPErrors"
	MetricHTTPLatency  = "HTTPLatency"

	// Reservation metrics
	MetricInventoryReserved  = "InventoryReserved"
	MetricInventoryReleased  = "InventoryReleased"
	MetricInventoryConfirmed = "InventoryConfirmed"
	MetricInventoryExpired   = "InventoryExpired"
	MetricInventoryRejected  = "InventoryRejected"
	MetricInventoryLow       = "InventoryLowStock"
	MetricFanoutUnavailable  = "FanoutUnavailable"

	// System metrics
	MetricDatabaseLatency   = "DatabaseLatency"
	MetricVersionConflicts  = "VersionConflicts"
	MetricIdempotentReplays = "IdempotentReplays"
	MetricSQSMessages       = "SQSMessagesProcessed"
)
