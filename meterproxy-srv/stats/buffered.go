package stats

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/codefionn/meterproxy/meterproxy-srv/logger"
)

const bufferShards = 16

// bufferedEvent is one deferred write against the underlying collector
type bufferedEvent struct {
	seq   uint64
	name  string
	apply func(ctx context.Context, c Collector) error
}

type bufferShard struct {
	mu      sync.Mutex
	pending []bufferedEvent
}

// BufferedCollector queues writes and applies them to the underlying
// collector in arrival order, on an interval or once maxPending events are
// queued. Writes never wait for the backend. The queue is sharded by
// connection so concurrent connections do not share a lock.
type BufferedCollector struct {
	underlying Collector
	interval   time.Duration
	maxPending int

	shards  [bufferShards]bufferShard
	seq     atomic.Uint64
	pending atomic.Int64

	flushMu sync.Mutex // keeps flushes in order
	dropped atomic.Int64
	errLog  *ThrottledLog

	kick     chan struct{}
	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

// NewBufferedCollector creates a buffered collector with a 5 second interval
func NewBufferedCollector(underlying Collector) *BufferedCollector {
	return NewBufferedCollectorWithInterval(underlying, 5*time.Second, 10000)
}

// NewBufferedCollectorWithInterval creates a buffered collector with custom interval and size cap
func NewBufferedCollectorWithInterval(underlying Collector, interval time.Duration, maxPending int) *BufferedCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxPending <= 0 {
		maxPending = 10000
	}

	bc := &BufferedCollector{
		underlying: underlying,
		interval:   interval,
		maxPending: maxPending,
		errLog:     NewThrottledLog(10 * time.Second),
		kick:       make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}

	go bc.flusher()
	return bc
}

// flusher runs in the background and flushes on the interval or when kicked
func (b *BufferedCollector) flusher() {
	defer close(b.doneChan)

	logger.Debug("Starting buffered stats flusher %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush()
		case <-b.kick:
			b.Flush()
		case <-b.stopChan:
			b.Flush()
			return
		}
	}
}

func (b *BufferedCollector) enqueue(key, name string, apply func(ctx context.Context, c Collector) error) {
	// Hard bound when the backend cannot keep up
	if b.pending.Load() >= int64(4*b.maxPending) {
		b.dropped.Add(1)
		b.errLog.Error("Stats buffer full, dropping %s event", name)
		return
	}

	shard := &b.shards[xxhash.Sum64String(key)%bufferShards]
	shard.mu.Lock()
	shard.pending = append(shard.pending, bufferedEvent{seq: b.seq.Add(1), name: name, apply: apply})
	full := b.pending.Add(1) >= int64(b.maxPending)
	shard.mu.Unlock()

	if full {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

// Flush applies all queued events to the underlying collector
func (b *BufferedCollector) Flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	var events []bufferedEvent
	for i := range b.shards {
		shard := &b.shards[i]
		shard.mu.Lock()
		events = append(events, shard.pending...)
		shard.pending = shard.pending[:0:0]
		shard.mu.Unlock()
	}
	if len(events) == 0 {
		return
	}
	b.pending.Add(-int64(len(events)))
	slices.SortFunc(events, func(x, y bufferedEvent) int {
		return cmp.Compare(x.seq, y.seq)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed := 0
	for _, ev := range events {
		if err := ev.apply(ctx, b.underlying); err != nil {
			failed++
			b.errLog.Error("Failed to flush %s event: %v", ev.name, err)
		}
	}
	logger.Trace("Flushed %d stats events (%d failed)", len(events), failed)
}

// Pending returns the number of queued events
func (b *BufferedCollector) Pending() int {
	return int(b.pending.Load())
}

// Dropped returns the number of events dropped because the queue was full
func (b *BufferedCollector) Dropped() int64 {
	return b.dropped.Load()
}

// StartConnection queues the start of a connection
func (b *BufferedCollector) StartConnection(_ context.Context, info ConnectionInfo) error {
	b.enqueue(info.ID, "start_connection", func(ctx context.Context, c Collector) error {
		return c.StartConnection(ctx, info)
	})
	return nil
}

// EndConnection queues the end of a connection
func (b *BufferedCollector) EndConnection(_ context.Context, connectionID string, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	b.enqueue(connectionID, "end_connection", func(ctx context.Context, c Collector) error {
		return c.EndConnection(ctx, connectionID, bytesSent, bytesReceived, duration, closeReason)
	})
	return nil
}

// RecordDataTransfer queues a data transfer delta
func (b *BufferedCollector) RecordDataTransfer(_ context.Context, connectionID string, bytesSent, bytesReceived int64, labels Labels) error {
	b.enqueue(connectionID, "data_transfer", func(ctx context.Context, c Collector) error {
		return c.RecordDataTransfer(ctx, connectionID, bytesSent, bytesReceived, labels)
	})
	return nil
}

// RecordBlockedRequest queues a blocked request
func (b *BufferedCollector) RecordBlockedRequest(_ context.Context, clientIP, targetHost, reason string) error {
	b.enqueue(clientIP, "blocked_request", func(ctx context.Context, c Collector) error {
		return c.RecordBlockedRequest(ctx, clientIP, targetHost, reason)
	})
	return nil
}

// RecordError queues an error
func (b *BufferedCollector) RecordError(_ context.Context, connectionID, errorType, errorMessage string) error {
	b.enqueue(connectionID, "error", func(ctx context.Context, c Collector) error {
		return c.RecordError(ctx, connectionID, errorType, errorMessage)
	})
	return nil
}

// GetOverviewStats flushes and queries the underlying collector
func (b *BufferedCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	b.Flush()
	return b.underlying.GetOverviewStats(ctx)
}

// GetTopTargets flushes and queries the underlying collector
func (b *BufferedCollector) GetTopTargets(ctx context.Context, limit int) ([]TargetStats, error) {
	b.Flush()
	return b.underlying.GetTopTargets(ctx, limit)
}

// HealthCheck checks the underlying collector
func (b *BufferedCollector) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}

// Close flushes the queue and closes the underlying collector
func (b *BufferedCollector) Close() error {
	var err error
	b.stopOnce.Do(func() {
		close(b.stopChan)
		<-b.doneChan
		err = b.underlying.Close()
	})
	return err
}
