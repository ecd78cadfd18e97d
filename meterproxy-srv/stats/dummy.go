package stats

import (
	"context"
	"time"
)

// DummyCollector is a no-op implementation of Collector
// It does nothing and is used when statistics collection is disabled
type DummyCollector struct{}

// NewDummyCollector creates a new dummy collector
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

// StartConnection records the start of a connection (no-op)
func (d *DummyCollector) StartConnection(ctx context.Context, info ConnectionInfo) error {
	return nil
}

// EndConnection records the end of a connection (no-op)
func (d *DummyCollector) EndConnection(ctx context.Context, connectionID string, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	return nil
}

// RecordDataTransfer records data transfer (no-op)
func (d *DummyCollector) RecordDataTransfer(ctx context.Context, connectionID string, bytesSent, bytesReceived int64, labels Labels) error {
	return nil
}

// RecordBlockedRequest records a blocked request (no-op)
func (d *DummyCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	return nil
}

// RecordError records an error (no-op)
func (d *DummyCollector) RecordError(ctx context.Context, connectionID, errorType, errorMessage string) error {
	return nil
}

// GetOverviewStats returns empty overview stats
func (d *DummyCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return &OverviewStats{Uptime: "statistics disabled"}, nil
}

// GetTopTargets returns no targets
func (d *DummyCollector) GetTopTargets(ctx context.Context, limit int) ([]TargetStats, error) {
	return []TargetStats{}, nil
}

// HealthCheck always returns nil
func (d *DummyCollector) HealthCheck(ctx context.Context) error {
	return nil
}

// Close does nothing
func (d *DummyCollector) Close() error {
	return nil
}
