package proxy

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is a step in the life of a client connection. States only advance.
type State int32

const (
	StateAccepted State = iota
	StateAuthorizing
	StateClassified
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAuthorizing:
		return "authorizing"
	case StateClassified:
		return "classified"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned when a state would not advance.
var ErrInvalidTransition = errors.New("invalid connection state transition")

// Lifecycle tracks the state and the classified kind of one connection.
type Lifecycle struct {
	state atomic.Int32
	kind  atomic.Int32
}

// State returns the current state.
func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// Kind returns the classified kind, KindMalformed before classification.
func (l *Lifecycle) Kind() RequestKind {
	return RequestKind(l.kind.Load())
}

// Advance moves to state to. Moving backwards or staying put fails.
func (l *Lifecycle) Advance(to State) error {
	for {
		cur := l.state.Load()
		if State(cur) >= to {
			return ErrInvalidTransition
		}
		if l.state.CompareAndSwap(cur, int32(to)) {
			return nil
		}
	}
}

// Classify records kind and advances to StateClassified.
func (l *Lifecycle) Classify(kind RequestKind) error {
	if kind == KindMalformed {
		return ErrInvalidTransition
	}
	if err := l.Advance(StateClassified); err != nil {
		return err
	}
	l.kind.Store(int32(kind))
	return nil
}

// Close advances to StateClosed. It reports whether this call closed it.
func (l *Lifecycle) Close() bool {
	return l.Advance(StateClosed) == nil
}

// ConnContext is the per-connection record shared by the pipeline stages.
type ConnContext struct {
	Lifecycle

	ID         string
	ClientAddr netip.AddrPort
	Listener   string
	Transport  string // plain or tls
	Identity   string
	StartedAt  time.Time
}

func newConnContext(conn net.Conn, listener string, transport string) *ConnContext {
	cc := &ConnContext{
		ID:        uuid.NewString(),
		Listener:  listener,
		Transport: transport,
		StartedAt: time.Now(),
	}
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		cc.ClientAddr = tcpAddr.AddrPort()
	} else if ap, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		cc.ClientAddr = ap
	}
	cc.ClientAddr = netip.AddrPortFrom(cc.ClientAddr.Addr().Unmap(), cc.ClientAddr.Port())
	return cc
}

// ClientIP returns the client address without port.
func (c *ConnContext) ClientIP() netip.Addr {
	return c.ClientAddr.Addr()
}

type contextKey string

const connContextKey contextKey = "connContext"

// WithConnContext stores cc in ctx.
func WithConnContext(ctx context.Context, cc *ConnContext) context.Context {
	return context.WithValue(ctx, connContextKey, cc)
}

// ConnContextFrom returns the connection record stored in ctx.
func ConnContextFrom(ctx context.Context) (*ConnContext, bool) {
	cc, ok := ctx.Value(connContextKey).(*ConnContext)
	return cc, ok
}
