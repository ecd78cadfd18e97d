package stats

import (
	"context"
	"errors"
	"time"

	"github.com/codefionn/meterproxy/meterproxy-srv/logger"
	"github.com/sony/gobreaker"
)

// BreakerCollector guards a persistent backend with a circuit breaker. While
// the breaker is open, writes are dropped and reported as degraded instead of
// stalling connections on a dead backend.
type BreakerCollector struct {
	underlying Collector
	cb         *gobreaker.CircuitBreaker
	errLog     *ThrottledLog
}

// ErrAccountingDegraded is returned for writes dropped by an open breaker.
var ErrAccountingDegraded = errors.New("accounting backend unavailable")

// NewBreakerCollector wraps underlying. After threshold consecutive failures
// the breaker opens for timeout before probing the backend again.
func NewBreakerCollector(name string, underlying Collector, threshold int, timeout time.Duration) *BreakerCollector {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	consecutive := uint32(threshold) //nolint:gosec // bounded above zero

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutive
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Stats backend %s circuit breaker %s -> %s", name, from, to)
		},
	}

	return &BreakerCollector{
		underlying: underlying,
		cb:         gobreaker.NewCircuitBreaker(settings),
		errLog:     NewThrottledLog(10 * time.Second),
	}
}

// State returns the breaker state
func (b *BreakerCollector) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerCollector) write(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		b.errLog.Error("Stats backend %s unavailable, dropping accounting write", b.cb.Name())
		return ErrAccountingDegraded
	}
	return err
}

// StartConnection records the start of a connection
func (b *BreakerCollector) StartConnection(ctx context.Context, info ConnectionInfo) error {
	return b.write(func() error { return b.underlying.StartConnection(ctx, info) })
}

// EndConnection records the end of a connection
func (b *BreakerCollector) EndConnection(ctx context.Context, connectionID string, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	return b.write(func() error {
		return b.underlying.EndConnection(ctx, connectionID, bytesSent, bytesReceived, duration, closeReason)
	})
}

// RecordDataTransfer records a data transfer delta
func (b *BreakerCollector) RecordDataTransfer(ctx context.Context, connectionID string, bytesSent, bytesReceived int64, labels Labels) error {
	return b.write(func() error {
		return b.underlying.RecordDataTransfer(ctx, connectionID, bytesSent, bytesReceived, labels)
	})
}

// RecordBlockedRequest records a blocked request
func (b *BreakerCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	return b.write(func() error { return b.underlying.RecordBlockedRequest(ctx, clientIP, targetHost, reason) })
}

// RecordError records an error
func (b *BreakerCollector) RecordError(ctx context.Context, connectionID, errorType, errorMessage string) error {
	return b.write(func() error { return b.underlying.RecordError(ctx, connectionID, errorType, errorMessage) })
}

// GetOverviewStats queries the backend directly
func (b *BreakerCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return b.underlying.GetOverviewStats(ctx)
}

// GetTopTargets queries the backend directly
func (b *BreakerCollector) GetTopTargets(ctx context.Context, limit int) ([]TargetStats, error) {
	return b.underlying.GetTopTargets(ctx, limit)
}

// HealthCheck reports an open breaker as unhealthy
func (b *BreakerCollector) HealthCheck(ctx context.Context) error {
	if b.cb.State() == gobreaker.StateOpen {
		return ErrAccountingDegraded
	}
	return b.underlying.HealthCheck(ctx)
}

// Close closes the backend
func (b *BreakerCollector) Close() error {
	return b.underlying.Close()
}
