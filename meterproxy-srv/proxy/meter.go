package proxy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/meterproxy/meterproxy-srv/logger"
	"github.com/codefionn/meterproxy/meterproxy-srv/stats"
)

var collectorErrLog = stats.NewThrottledLog(10 * time.Second)

// Meter counts the relayed bytes of one connection and reports them to a
// collector. Deltas are flushed periodically and once enough bytes are
// pending. Finish reports the totals exactly once.
type Meter struct {
	collector  stats.Collector
	info       stats.ConnectionInfo
	labels     stats.Labels
	ctx        context.Context
	flushBytes int64

	sent     atomic.Int64 // client to upstream
	received atomic.Int64 // upstream to client
	failures atomic.Int64

	mu            sync.Mutex
	flushedSent   int64
	flushedRecv   int64
	finished      bool
	stopTicker    chan struct{}
	finishOnce    sync.Once
	tickerStopped sync.WaitGroup
}

// NewMeter starts accounting for the connection described by info.
func NewMeter(ctx context.Context, collector stats.Collector, info stats.ConnectionInfo, interval time.Duration, flushBytes int64) *Meter {
	m := &Meter{
		collector:  collector,
		info:       info,
		labels:     info.Labels(),
		ctx:        context.WithoutCancel(ctx),
		flushBytes: flushBytes,
		stopTicker: make(chan struct{}),
	}

	if err := collector.StartConnection(m.ctx, info); err != nil {
		m.collectorFailed("start", err)
	}

	if interval > 0 {
		m.tickerStopped.Add(1)
		go m.flushLoop(interval)
	}
	return m
}

func (m *Meter) flushLoop(interval time.Duration) {
	defer m.tickerStopped.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.flush()
		case <-m.stopTicker:
			return
		}
	}
}

// AddSent counts n bytes delivered to the upstream.
func (m *Meter) AddSent(n int64) {
	if n <= 0 {
		return
	}
	m.sent.Add(n)
	m.maybeFlush()
}

// AddReceived counts n bytes delivered to the client.
func (m *Meter) AddReceived(n int64) {
	if n <= 0 {
		return
	}
	m.received.Add(n)
	m.maybeFlush()
}

// accountingError wraps a collector failure as an internal error.
func accountingError(op, connectionID string, err error) error {
	return newCodedError(ErrCodeAccountingError, fmt.Errorf("%s %s: %w", op, connectionID, err))
}

// collectorFailed logs a collector error. The connection carries on.
func (m *Meter) collectorFailed(op string, err error) {
	m.failures.Add(1)
	collectorErrLog.Error("%v", accountingError(op, m.info.ID, err))
}

// Failures returns the number of rejected collector calls.
func (m *Meter) Failures() int64 {
	return m.failures.Load()
}

// Sent returns the bytes delivered to the upstream so far.
func (m *Meter) Sent() int64 {
	return m.sent.Load()
}

// Received returns the bytes delivered to the client so far.
func (m *Meter) Received() int64 {
	return m.received.Load()
}

func (m *Meter) maybeFlush() {
	if m.flushBytes <= 0 {
		return
	}
	m.mu.Lock()
	pending := m.sent.Load() - m.flushedSent + m.received.Load() - m.flushedRecv
	m.mu.Unlock()
	if pending >= m.flushBytes {
		m.flush()
	}
}

// flush reports the bytes counted since the previous flush.
func (m *Meter) flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished {
		return
	}
	m.flushLocked()
}

func (m *Meter) flushLocked() {
	sent := m.sent.Load()
	recv := m.received.Load()
	deltaSent := sent - m.flushedSent
	deltaRecv := recv - m.flushedRecv
	if deltaSent == 0 && deltaRecv == 0 {
		return
	}
	m.flushedSent = sent
	m.flushedRecv = recv
	if err := m.collector.RecordDataTransfer(m.ctx, m.info.ID, deltaSent, deltaRecv, m.labels); err != nil {
		m.collectorFailed("transfer", err)
	}
}

// Finish flushes the remaining deltas and ends the connection with reason.
// Only the first call has an effect; it reports whether it was that call.
func (m *Meter) Finish(reason string) bool {
	done := false
	m.finishOnce.Do(func() {
		done = true
		close(m.stopTicker)
		m.tickerStopped.Wait()

		m.mu.Lock()
		m.flushLocked()
		m.finished = true
		sent, recv := m.flushedSent, m.flushedRecv
		m.mu.Unlock()

		duration := time.Since(m.info.StartedAt)
		if err := m.collector.EndConnection(m.ctx, m.info.ID, sent, recv, duration, reason); err != nil {
			m.collectorFailed("end", err)
		}
		logger.Debug("%s", logger.WithConnectionID(m.info.ID, "closed (%s): sent=%d received=%d duration=%s", reason, sent, recv, duration))
	})
	return done
}
