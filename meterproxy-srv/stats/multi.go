package stats

import (
	"context"
	"errors"
	"time"
)

// MultiCollector fans writes out to several collectors. Queries go to the
// primary, which is the first collector.
type MultiCollector struct {
	collectors []Collector
}

// NewMultiCollector creates a fan-out collector; primary answers queries
func NewMultiCollector(primary Collector, others ...Collector) *MultiCollector {
	return &MultiCollector{collectors: append([]Collector{primary}, others...)}
}

// Collectors returns the wrapped collectors, primary first
func (m *MultiCollector) Collectors() []Collector {
	return m.collectors
}

func (m *MultiCollector) each(fn func(c Collector) error) error {
	var errs []error
	for _, c := range m.collectors {
		if err := fn(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StartConnection records the start of a connection on every collector
func (m *MultiCollector) StartConnection(ctx context.Context, info ConnectionInfo) error {
	return m.each(func(c Collector) error { return c.StartConnection(ctx, info) })
}

// EndConnection records the end of a connection on every collector
func (m *MultiCollector) EndConnection(ctx context.Context, connectionID string, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	return m.each(func(c Collector) error {
		return c.EndConnection(ctx, connectionID, bytesSent, bytesReceived, duration, closeReason)
	})
}

// RecordDataTransfer records a delta on every collector
func (m *MultiCollector) RecordDataTransfer(ctx context.Context, connectionID string, bytesSent, bytesReceived int64, labels Labels) error {
	return m.each(func(c Collector) error {
		return c.RecordDataTransfer(ctx, connectionID, bytesSent, bytesReceived, labels)
	})
}

// RecordBlockedRequest records a blocked request on every collector
func (m *MultiCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	return m.each(func(c Collector) error { return c.RecordBlockedRequest(ctx, clientIP, targetHost, reason) })
}

// RecordError records an error on every collector
func (m *MultiCollector) RecordError(ctx context.Context, connectionID, errorType, errorMessage string) error {
	return m.each(func(c Collector) error { return c.RecordError(ctx, connectionID, errorType, errorMessage) })
}

// GetOverviewStats queries the primary
func (m *MultiCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return m.collectors[0].GetOverviewStats(ctx)
}

// GetTopTargets queries the primary
func (m *MultiCollector) GetTopTargets(ctx context.Context, limit int) ([]TargetStats, error) {
	return m.collectors[0].GetTopTargets(ctx, limit)
}

// HealthCheck checks every collector
func (m *MultiCollector) HealthCheck(ctx context.Context) error {
	return m.each(func(c Collector) error { return c.HealthCheck(ctx) })
}

// Close closes every collector
func (m *MultiCollector) Close() error {
	return m.each(func(c Collector) error { return c.Close() })
}
