package stats

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

const aggregatorShards = 32

// DefaultTargetCapacity is the number of target hosts an aggregator tracks.
const DefaultTargetCapacity = 4096

// Aggregator keeps cumulative in-memory counters per label tuple and per
// target host. Writers only contend within one shard; Snapshot reads the
// counters without stopping writers. Target hosts are client supplied, so
// only the most recently used ones are kept.
type Aggregator struct {
	buckets [aggregatorShards]bucketShard
	targets [aggregatorShards]targetShard
	conns   [aggregatorShards]connShard

	totalConnections  atomic.Int64
	activeConnections atomic.Int64
	totalErrors       atomic.Int64
	blockedRequests   atomic.Int64
	bytesSent         atomic.Int64
	bytesReceived     atomic.Int64

	targetCapacity int
	startedAt      time.Time
}

type trafficBucket struct {
	sent        atomic.Int64
	received    atomic.Int64
	connections atomic.Int64
}

type bucketShard struct {
	mu      sync.RWMutex
	buckets map[Labels]*trafficBucket
}

type targetBucket struct {
	connections atomic.Int64
	bytes       atomic.Int64
	lastAccess  atomic.Int64 // unix nanoseconds
}

type targetShard struct {
	targets *lru.Cache[string, *targetBucket]
}

type connShard struct {
	mu    sync.Mutex
	conns map[string]string // connection id -> target host
}

// BucketSnapshot is the state of one label tuple at snapshot time.
type BucketSnapshot struct {
	Labels
	BytesSent     int64 `json:"bytes_sent"`
	BytesReceived int64 `json:"bytes_received"`
	Connections   int64 `json:"connections"`
}

// TrafficSnapshot is an eventually consistent view of the aggregator.
type TrafficSnapshot struct {
	Buckets            []BucketSnapshot `json:"buckets"`
	TotalBytesSent     int64            `json:"total_bytes_sent"`
	TotalBytesReceived int64            `json:"total_bytes_received"`
	ActiveConnections  int64            `json:"active_connections"`
	TakenAt            time.Time        `json:"taken_at"`
}

// NewAggregator creates an empty aggregator tracking DefaultTargetCapacity
// target hosts.
func NewAggregator() *Aggregator {
	return NewAggregatorWithTargetCapacity(DefaultTargetCapacity)
}

// NewAggregatorWithTargetCapacity creates an empty aggregator tracking at
// most capacity target hosts, rounded down to a multiple of the shard count.
func NewAggregatorWithTargetCapacity(capacity int) *Aggregator {
	if capacity < aggregatorShards {
		capacity = aggregatorShards
	}
	perShard := capacity / aggregatorShards

	a := &Aggregator{startedAt: time.Now(), targetCapacity: perShard * aggregatorShards}
	for i := range a.buckets {
		a.buckets[i].buckets = make(map[Labels]*trafficBucket)
		a.targets[i].targets, _ = lru.New[string, *targetBucket](perShard)
		a.conns[i].conns = make(map[string]string)
	}
	return a
}

// TargetCapacity returns the maximum number of tracked target hosts.
func (a *Aggregator) TargetCapacity() int {
	return a.targetCapacity
}

func labelsHash(l Labels) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(l.Identity)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(l.TargetClass)
	return d.Sum64()
}

func (a *Aggregator) bucket(l Labels) *trafficBucket {
	shard := &a.buckets[labelsHash(l)%aggregatorShards]

	shard.mu.RLock()
	b, ok := shard.buckets[l]
	shard.mu.RUnlock()
	if ok {
		return b
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if b, ok = shard.buckets[l]; !ok {
		b = &trafficBucket{}
		shard.buckets[l] = b
	}
	return b
}

func (a *Aggregator) target(host string) *targetBucket {
	cache := a.targets[xxhash.Sum64String(host)%aggregatorShards].targets
	if t, ok := cache.Get(host); ok {
		return t
	}
	t := &targetBucket{}
	if prev, ok, _ := cache.PeekOrAdd(host, t); ok {
		return prev
	}
	return t
}

func (a *Aggregator) connShard(id string) *connShard {
	return &a.conns[xxhash.Sum64String(id)%aggregatorShards]
}

// StartConnection registers a connection and counts it for its labels and target.
func (a *Aggregator) StartConnection(_ context.Context, info ConnectionInfo) error {
	a.totalConnections.Add(1)
	a.activeConnections.Add(1)
	a.bucket(info.Labels()).connections.Add(1)

	if info.TargetHost != "" {
		t := a.target(info.TargetHost)
		t.connections.Add(1)
		t.lastAccess.Store(time.Now().UnixNano())

		shard := a.connShard(info.ID)
		shard.mu.Lock()
		shard.conns[info.ID] = info.TargetHost
		shard.mu.Unlock()
	}
	return nil
}

// RecordDataTransfer adds a delta to the label bucket and the connection's target.
func (a *Aggregator) RecordDataTransfer(_ context.Context, connectionID string, bytesSent, bytesReceived int64, labels Labels) error {
	if bytesSent <= 0 && bytesReceived <= 0 {
		return nil
	}
	b := a.bucket(labels)
	b.sent.Add(bytesSent)
	b.received.Add(bytesReceived)
	a.bytesSent.Add(bytesSent)
	a.bytesReceived.Add(bytesReceived)

	shard := a.connShard(connectionID)
	shard.mu.Lock()
	host, ok := shard.conns[connectionID]
	shard.mu.Unlock()
	if ok {
		t := a.target(host)
		t.bytes.Add(bytesSent + bytesReceived)
		t.lastAccess.Store(time.Now().UnixNano())
	}
	return nil
}

// EndConnection forgets the connection. Bytes were already counted as deltas.
func (a *Aggregator) EndConnection(_ context.Context, connectionID string, _, _ int64, _ time.Duration, _ string) error {
	a.activeConnections.Add(-1)

	shard := a.connShard(connectionID)
	shard.mu.Lock()
	delete(shard.conns, connectionID)
	shard.mu.Unlock()
	return nil
}

// RecordBlockedRequest counts a denied request.
func (a *Aggregator) RecordBlockedRequest(_ context.Context, _, _, _ string) error {
	a.blockedRequests.Add(1)
	return nil
}

// RecordError counts an error.
func (a *Aggregator) RecordError(_ context.Context, _, _, _ string) error {
	a.totalErrors.Add(1)
	return nil
}

// GetOverviewStats returns the global counters.
func (a *Aggregator) GetOverviewStats(_ context.Context) (*OverviewStats, error) {
	return &OverviewStats{
		TotalConnections:   a.totalConnections.Load(),
		ActiveConnections:  a.activeConnections.Load(),
		TotalErrors:        a.totalErrors.Load(),
		BlockedRequests:    a.blockedRequests.Load(),
		TotalBytesSent:     a.bytesSent.Load(),
		TotalBytesReceived: a.bytesReceived.Load(),
		Uptime:             time.Since(a.startedAt).Truncate(time.Second).String(),
	}, nil
}

// GetTopTargets returns the recently used targets with the most connections.
func (a *Aggregator) GetTopTargets(_ context.Context, limit int) ([]TargetStats, error) {
	var result []TargetStats
	for i := range a.targets {
		cache := a.targets[i].targets
		for _, host := range cache.Keys() {
			t, ok := cache.Peek(host)
			if !ok {
				continue
			}
			result = append(result, TargetStats{
				Target:          host,
				ConnectionCount: t.connections.Load(),
				TotalBytes:      t.bytes.Load(),
				LastAccess:      time.Unix(0, t.lastAccess.Load()),
			})
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].ConnectionCount != result[j].ConnectionCount {
			return result[i].ConnectionCount > result[j].ConnectionCount
		}
		if result[i].TotalBytes != result[j].TotalBytes {
			return result[i].TotalBytes > result[j].TotalBytes
		}
		return result[i].Target < result[j].Target
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Snapshot returns the per-label counters sorted by identity and class.
func (a *Aggregator) Snapshot() TrafficSnapshot {
	snap := TrafficSnapshot{
		TotalBytesSent:     a.bytesSent.Load(),
		TotalBytesReceived: a.bytesReceived.Load(),
		ActiveConnections:  a.activeConnections.Load(),
		TakenAt:            time.Now(),
	}
	for i := range a.buckets {
		shard := &a.buckets[i]
		shard.mu.RLock()
		for labels, b := range shard.buckets {
			snap.Buckets = append(snap.Buckets, BucketSnapshot{
				Labels:        labels,
				BytesSent:     b.sent.Load(),
				BytesReceived: b.received.Load(),
				Connections:   b.connections.Load(),
			})
		}
		shard.mu.RUnlock()
	}
	sort.Slice(snap.Buckets, func(i, j int) bool {
		if snap.Buckets[i].Identity != snap.Buckets[j].Identity {
			return snap.Buckets[i].Identity < snap.Buckets[j].Identity
		}
		return snap.Buckets[i].TargetClass < snap.Buckets[j].TargetClass
	})
	return snap
}

// HealthCheck always succeeds.
func (a *Aggregator) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (a *Aggregator) Close() error {
	return nil
}
