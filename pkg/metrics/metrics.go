// Package metrics contains a sink interface to be used by clients to implement sink.
// It also provides a default NoopSink and LogSink for convenience
package metrics

import (
	"context"
	"log/slog"
	"time"
)

// Metric types.
const (
	UNKNOWN byte = iota
	COUNTER
	GAUGE
)

const (
	SinkTimeout                  = 1 * time.Second
	PageProcessingTimeMetricName = "page_processing_time"
	PageRowsReadMetricName       = "page_num_rows_read"
	PageRowsWrittenMetricName    = "page_num_rows_written"
)

// Metrics are collection of MetricValues.
type Metrics struct {
	// Table is the schema.table the values were collected for, if any.
	Table  string
	Values []MetricValue
}

type MetricValue struct {
	// Name is the metric name
	Name string

	// Value is the value of the metric.
	Value float64

	// Type is the metric type: GAUGE, COUNTER, and other const.
	Type byte
}

// PageMetrics returns the metrics recorded after one page has been copied.
func PageMetrics(table string, duration time.Duration, rowsRead int, rowsWritten int64) *Metrics {
	return &Metrics{
		Table: table,
		Values: []MetricValue{
			{Name: PageProcessingTimeMetricName, Value: float64(duration.Milliseconds()), Type: GAUGE},
			{Name: PageRowsReadMetricName, Value: float64(rowsRead), Type: COUNTER},
			{Name: PageRowsWrittenMetricName, Value: float64(rowsWritten), Type: COUNTER},
		},
	}
}

// Sink sends metrics to an external destination.
type Sink interface {
	// Send sends metrics to the sink. It must respect the context timeout, if any.
	Send(ctx context.Context, metrics *Metrics) error
}

// NoopSink is the default sink which does nothing
type NoopSink struct{}

func (s *NoopSink) Send(ctx context.Context, m *Metrics) error {
	return nil
}

var _ Sink = &NoopSink{}

// logSink logs metrics at debug level.
type logSink struct {
	logger *slog.Logger
}

func (l *logSink) Send(ctx context.Context, m *Metrics) error {
	for _, v := range m.Values {
		switch v.Type {
		case COUNTER:
			l.logger.Debug("metric", "table", m.Table, "name", v.Name, "type", "counter", "value", v.Value)
		case GAUGE:
			l.logger.Debug("metric", "table", m.Table, "name", v.Name, "type", "gauge", "value", v.Value)
		default:
			l.logger.Error("Received invalid metric type", "type", v.Type, "name", v.Name, "value", v.Value)
		}
	}
	return nil
}

var _ Sink = &logSink{}

func NewLogSink(logger *slog.Logger) *logSink {
	return &logSink{
		logger: logger,
	}
}
