package stats

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// recordingCollector remembers the order of the writes it receives
type recordingCollector struct {
	DummyCollector

	mu     sync.Mutex
	events []string
	sent   int64
	recv   int64
	closed int
	block  chan struct{}
	seen   chan struct{}
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{seen: make(chan struct{}, 1024)}
}

func (r *recordingCollector) record(event string) {
	if r.block != nil {
		r.seen <- struct{}{}
		<-r.block
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingCollector) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingCollector) StartConnection(_ context.Context, info ConnectionInfo) error {
	r.record("start:" + info.ID)
	return nil
}

func (r *recordingCollector) EndConnection(_ context.Context, connectionID string, _, _ int64, _ time.Duration, _ string) error {
	r.record("end:" + connectionID)
	return nil
}

func (r *recordingCollector) RecordDataTransfer(_ context.Context, connectionID string, bytesSent, bytesReceived int64, _ Labels) error {
	r.record("transfer:" + connectionID)
	r.mu.Lock()
	r.sent += bytesSent
	r.recv += bytesReceived
	r.mu.Unlock()
	return nil
}

func (r *recordingCollector) RecordBlockedRequest(_ context.Context, clientIP, _, _ string) error {
	r.record("blocked:" + clientIP)
	return nil
}

func (r *recordingCollector) RecordError(_ context.Context, connectionID, _, _ string) error {
	r.record("error:" + connectionID)
	return nil
}

func (r *recordingCollector) Close() error {
	r.mu.Lock()
	r.closed++
	r.mu.Unlock()
	return nil
}

// mockCollector is a testify mock of Collector
type mockCollector struct {
	mock.Mock
}

func (m *mockCollector) StartConnection(ctx context.Context, info ConnectionInfo) error {
	return m.Called(ctx, info).Error(0)
}

func (m *mockCollector) EndConnection(ctx context.Context, connectionID string, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	return m.Called(ctx, connectionID, bytesSent, bytesReceived, duration, closeReason).Error(0)
}

func (m *mockCollector) RecordDataTransfer(ctx context.Context, connectionID string, bytesSent, bytesReceived int64, labels Labels) error {
	return m.Called(ctx, connectionID, bytesSent, bytesReceived, labels).Error(0)
}

func (m *mockCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	return m.Called(ctx, clientIP, targetHost, reason).Error(0)
}

func (m *mockCollector) RecordError(ctx context.Context, connectionID, errorType, errorMessage string) error {
	return m.Called(ctx, connectionID, errorType, errorMessage).Error(0)
}

func (m *mockCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	args := m.Called(ctx)
	stats, _ := args.Get(0).(*OverviewStats)
	return stats, args.Error(1)
}

func (m *mockCollector) GetTopTargets(ctx context.Context, limit int) ([]TargetStats, error) {
	args := m.Called(ctx, limit)
	targets, _ := args.Get(0).([]TargetStats)
	return targets, args.Error(1)
}

func (m *mockCollector) HealthCheck(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockCollector) Close() error {
	return m.Called().Error(0)
}

func testConnection(id, host string) ConnectionInfo {
	return ConnectionInfo{
		ID:          id,
		ClientIP:    "127.0.0.1",
		Identity:    "alice",
		TargetClass: "video",
		TargetHost:  host,
		TargetPort:  443,
		Protocol:    "tunnel",
		Transport:   "plain",
		StartedAt:   time.Now(),
	}
}
