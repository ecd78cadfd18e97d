package stats

import (
	"context"
	"time"
)

// Collector defines the interface for accounting proxy traffic
type Collector interface {
	// Connection tracking
	StartConnection(ctx context.Context, info ConnectionInfo) error
	EndConnection(ctx context.Context, connectionID string, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error

	// Bandwidth tracking. bytesSent and bytesReceived are deltas since the
	// previous report for the same connection.
	RecordDataTransfer(ctx context.Context, connectionID string, bytesSent, bytesReceived int64, labels Labels) error

	// Security events
	RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error

	// Error tracking
	RecordError(ctx context.Context, connectionID, errorType, errorMessage string) error

	// Dashboard queries
	GetOverviewStats(ctx context.Context) (*OverviewStats, error)
	GetTopTargets(ctx context.Context, limit int) ([]TargetStats, error)

	// Health check
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// Labels attribute traffic to an accounting bucket
type Labels struct {
	Identity    string `json:"identity"`
	TargetClass string `json:"target_class"`
}

// ConnectionInfo holds information about a connection
type ConnectionInfo struct {
	ID          string
	ClientIP    string
	Identity    string
	TargetClass string
	TargetHost  string
	TargetPort  int
	Protocol    string // tunnel, forward or local
	Transport   string // plain or tls
	StartedAt   time.Time
}

// Labels returns the accounting labels of the connection.
func (c ConnectionInfo) Labels() Labels {
	return Labels{Identity: c.Identity, TargetClass: c.TargetClass}
}

// OverviewStats provides high-level statistics
type OverviewStats struct {
	TotalConnections   int64  `json:"total_connections"`
	ActiveConnections  int64  `json:"active_connections"`
	TotalErrors        int64  `json:"total_errors"`
	BlockedRequests    int64  `json:"blocked_requests"`
	TotalBytesSent     int64  `json:"total_bytes_sent"`
	TotalBytesReceived int64  `json:"total_bytes_received"`
	Uptime             string `json:"uptime"`
}

// TargetStats represents statistics for a target host
type TargetStats struct {
	Target          string    `json:"target"`
	ConnectionCount int64     `json:"connection_count"`
	TotalBytes      int64     `json:"total_bytes"`
	LastAccess      time.Time `json:"last_access"`
}
