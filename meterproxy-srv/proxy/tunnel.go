package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/meterproxy/meterproxy-srv/logger"
)

// Close reasons reported to the collector
const (
	ReasonClosed        = "closed"
	ReasonCompleted     = "completed"
	ReasonReset         = "reset"
	ReasonIdleTimeout   = "idle_timeout"
	ReasonLingerTimeout = "linger_timeout"
	ReasonShutdown      = "shutdown"
	ReasonUpstreamError = "upstream_error"
)

// TunnelState is the state of a CONNECT tunnel.
type TunnelState int32

const (
	TunnelConnecting TunnelState = iota
	TunnelRelaying
	TunnelClosing
	TunnelClosed
)

func (s TunnelState) String() string {
	switch s {
	case TunnelConnecting:
		return "connecting"
	case TunnelRelaying:
		return "relaying"
	case TunnelClosing:
		return "closing"
	default:
		return "closed"
	}
}

type closeWriter interface {
	CloseWrite() error
}

// idleConn applies a fresh deadline before every read and write while an
// idle timeout is set. With a zero timeout deadlines are left to the caller.
type idleConn struct {
	net.Conn
	timeout atomic.Int64
}

func newIdleConn(conn net.Conn) *idleConn {
	return &idleConn{Conn: conn}
}

// SetIdleTimeout sets the per-operation timeout, zero disables it.
func (c *idleConn) SetIdleTimeout(d time.Duration) {
	c.timeout.Store(int64(d))
	if d == 0 {
		_ = c.Conn.SetDeadline(time.Time{})
	}
}

func (c *idleConn) Read(p []byte) (int, error) {
	if t := c.timeout.Load(); t > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(time.Duration(t)))
	}
	return c.Conn.Read(p)
}

func (c *idleConn) Write(p []byte) (int, error) {
	if t := c.timeout.Load(); t > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(time.Duration(t)))
	}
	return c.Conn.Write(p)
}

func (c *idleConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}

// relayEnd is one side of a relay. Bytes are read from reader, which may
// hold data buffered ahead of conn.
type relayEnd struct {
	conn   net.Conn
	reader io.Reader
}

// relay copies bytes in both directions until both sides finish, a side
// fails, the relay idles out, or ctx ends.
type relay struct {
	ctx      context.Context
	client   relayEnd
	upstream relayEnd
	idle     time.Duration
	linger   time.Duration

	lastActivity atomic.Int64
	finished     atomic.Int32

	abortOnce sync.Once
	aborted   atomic.Bool
	reason    string
	cause     error
}

func (r *relay) touch() {
	r.lastActivity.Store(time.Now().UnixNano())
}

// limit is the allowed inactivity. After one side finished the surviving
// direction is bounded by the linger timeout.
func (r *relay) limit() (time.Duration, string) {
	if r.finished.Load() > 0 && r.linger > 0 && r.linger < r.idle {
		return r.linger, ReasonLingerTimeout
	}
	return r.idle, ReasonIdleTimeout
}

func (r *relay) deadline() time.Time {
	limit, _ := r.limit()
	return time.Unix(0, r.lastActivity.Load()).Add(limit)
}

func (r *relay) expired() (string, bool) {
	limit, reason := r.limit()
	return reason, time.Since(time.Unix(0, r.lastActivity.Load())) >= limit
}

// abort records the first reason and closes both sides.
func (r *relay) abort(reason string, cause error) {
	r.abortOnce.Do(func() {
		r.reason = reason
		r.cause = cause
		r.aborted.Store(true)
		_ = r.client.conn.Close()
		_ = r.upstream.conn.Close()
	})
}

func (r *relay) pipe(src, dst relayEnd, add func(int64)) {
	buf := getBuffer()
	defer putBuffer(buf)

	for {
		_ = src.conn.SetReadDeadline(r.deadline())
		n, err := src.reader.Read(*buf)
		if n > 0 {
			_ = dst.conn.SetWriteDeadline(time.Now().Add(r.idle))
			if _, werr := dst.conn.Write((*buf)[:n]); werr != nil {
				r.fail(werr)
				return
			}
			add(int64(n))
			r.touch()
		}
		if err == nil {
			continue
		}
		if r.aborted.Load() {
			return
		}
		if isTimeout(err) && r.ctx.Err() == nil {
			if reason, expired := r.expired(); expired {
				r.abort(reason, err)
				return
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			if cw, ok := dst.conn.(closeWriter); ok {
				_ = cw.CloseWrite()
			}
			r.finished.Add(1)
			// wake the surviving direction so it picks up the linger bound
			_ = dst.conn.SetReadDeadline(r.deadline())
			return
		}
		r.fail(err)
		return
	}
}

// fail aborts after a read or write error. Errors caused by shutdown closing
// the connections are reported as shutdown.
func (r *relay) fail(err error) {
	if r.ctx.Err() != nil {
		r.abort(ReasonShutdown, err)
		return
	}
	r.abort(ReasonReset, err)
}

// relayConns runs a relay between client and upstream and returns the close
// reason. Client to upstream bytes count as sent.
func relayConns(ctx context.Context, client, upstream relayEnd, meter *Meter, idle, linger time.Duration) string {
	r := &relay{
		ctx:      ctx,
		client:   client,
		upstream: upstream,
		idle:     idle,
		linger:   linger,
	}
	r.touch()

	stop := context.AfterFunc(ctx, func() {
		r.abort(ReasonShutdown, ctx.Err())
	})
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.pipe(client, upstream, meter.AddSent)
	}()
	go func() {
		defer wg.Done()
		r.pipe(upstream, client, meter.AddReceived)
	}()
	wg.Wait()

	r.abort(ReasonClosed, nil)
	if r.cause != nil && r.reason == ReasonReset && !isClosedConnError(r.cause) {
		logger.Debug("Relay ended with %v", r.cause)
	}
	return r.reason
}

// isClosedConnError reports errors caused by closing our own side.
func isClosedConnError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}

// tunnel is one CONNECT tunnel.
type tunnel struct {
	state atomic.Int32
}

func (t *tunnel) State() TunnelState {
	return TunnelState(t.state.Load())
}

func (t *tunnel) setState(s TunnelState) {
	t.state.Store(int32(s))
}

// handleTunnel dials the CONNECT target, confirms the tunnel and relays
// bytes until either side is done.
func (p *Proxy) handleTunnel(ctx context.Context, cc *ConnContext, conn *idleConn, br *bufio.Reader, cl Classified) {
	cfg := p.Config()
	t := &tunnel{}
	t.setState(TunnelConnecting)

	meter := p.newMeter(ctx, cc, cl, "tunnel")
	reason := ReasonUpstreamError
	defer func() {
		t.setState(TunnelClosed)
		meter.Finish(reason)
	}()

	logger.Debug("%s", logger.WithConnectionID(cc.ID, "CONNECT %s", cl.Target()))
	upstream, err := p.Dialer().DialContext(ctx, "tcp", cl.Target())
	if err != nil {
		logger.Warn("%s", logger.WithConnectionID(cc.ID, "tunnel to %s failed: %v", cl.Target(), err))
		p.recordError(ctx, cc, err)
		_ = writeErrorResponse(conn, err, ErrCodeUpstreamConnectFailed)
		return
	}
	defer upstream.Close()

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		reason = ReasonReset
		return
	}
	_ = cc.Advance(StateActive)
	t.setState(TunnelRelaying)

	conn.SetIdleTimeout(0)
	reason = relayConns(ctx,
		relayEnd{conn: conn, reader: br},
		relayEnd{conn: upstream, reader: upstream},
		meter, cfg.IdleTimeout(), cfg.LingerTimeout())
	t.setState(TunnelClosing)
}
