package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codefionn/meterproxy/meterproxy-srv/access"
	"github.com/codefionn/meterproxy/meterproxy-srv/config"
	"github.com/codefionn/meterproxy/meterproxy-srv/logger"
	"github.com/codefionn/meterproxy/meterproxy-srv/stats"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// defaultMaxConnections caps a listener without a configured limit.
const defaultMaxConnections = 1000

// Server accepts connections on one listener.
type Server struct {
	proxy     *Proxy
	config    config.ServerConfig
	tlsConfig *tls.Config
	sem       *semaphore.Weighted

	mu       sync.Mutex
	listener net.Listener
}

type dialerHolder struct {
	Dialer
}

// Proxy supervises the listeners and every client connection they accept.
type Proxy struct {
	config    atomic.Pointer[config.Config]
	gate      *access.Gate
	classes   atomic.Pointer[stats.TargetClassifier]
	dialer    atomic.Pointer[dialerHolder]
	adminNets atomic.Pointer[[]netip.Prefix]
	collector stats.Collector
	local     http.Handler
	servers   []*Server

	connCtx     context.Context
	cancelConns context.CancelFunc

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	active  sync.WaitGroup
	closing atomic.Bool
}

// NewProxy creates a proxy for cfg. Traffic is reported to collector and
// requests addressed to the proxy itself are served by local, which may be
// nil.
func NewProxy(cfg *config.Config, collector stats.Collector, local http.Handler) (*Proxy, error) {
	gate, err := access.NewGate(&cfg.Access)
	if err != nil {
		return nil, newCodedError(ErrCodeInvalidServerConfig, err)
	}
	if collector == nil {
		collector = stats.NewDummyCollector()
	}

	connCtx, cancel := context.WithCancel(context.Background())
	p := &Proxy{
		gate:        gate,
		collector:   collector,
		local:       local,
		servers:     make([]*Server, 0, len(cfg.Servers)),
		connCtx:     connCtx,
		cancelConns: cancel,
		conns:       make(map[net.Conn]struct{}),
	}
	if err := p.applyConfig(cfg); err != nil {
		cancel()
		return nil, err
	}

	for _, serverCfg := range cfg.Servers {
		if !serverCfg.Enabled {
			logger.Info("Skipping disabled server on %s", serverCfg.ListenAddress)
			continue
		}
		tlsConfig, err := LoadListenerTLS(serverCfg)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("server %s: %w", serverCfg.ListenAddress, err)
		}
		limit := serverCfg.MaxConnections
		if limit <= 0 {
			limit = defaultMaxConnections
		}
		p.servers = append(p.servers, &Server{
			proxy:     p,
			config:    serverCfg,
			tlsConfig: tlsConfig,
			sem:       semaphore.NewWeighted(int64(limit)),
		})
	}

	if len(p.servers) == 0 {
		logger.Warn("No enabled proxy servers configured")
	}
	return p, nil
}

// applyConfig swaps the reloadable parts of the configuration.
func (p *Proxy) applyConfig(cfg *config.Config) error {
	dialer, err := NewDialer(cfg.Upstream, cfg.ConnectTimeout())
	if err != nil {
		return err
	}
	nets := make([]netip.Prefix, 0, len(cfg.Admin.AllowedNetworks))
	for _, network := range cfg.Admin.AllowedNetworks {
		prefix, err := config.ParseNetwork(network)
		if err != nil {
			return newCodedError(ErrCodeInvalidServerConfig, err)
		}
		nets = append(nets, prefix)
	}

	p.dialer.Store(&dialerHolder{Dialer: dialer})
	p.adminNets.Store(&nets)
	p.classes.Store(stats.NewTargetClassifier(cfg.TargetClasses))
	p.config.Store(cfg)
	return nil
}

// Reload applies a new configuration to subsequent connections. Listener
// changes need a restart.
func (p *Proxy) Reload(cfg *config.Config) error {
	if err := p.gate.Reload(&cfg.Access); err != nil {
		return err
	}
	if err := p.applyConfig(cfg); err != nil {
		return err
	}
	logger.Info("Proxy configuration reloaded")
	return nil
}

// Config returns the active configuration.
func (p *Proxy) Config() *config.Config {
	return p.config.Load()
}

// Dialer returns the active upstream dialer.
func (p *Proxy) Dialer() Dialer {
	return p.dialer.Load().Dialer
}

// Gate returns the access gate.
func (p *Proxy) Gate() *access.Gate {
	return p.gate
}

// Collector returns the traffic collector.
func (p *Proxy) Collector() stats.Collector {
	return p.collector
}

// ActiveConnections returns the number of open client connections.
func (p *Proxy) ActiveConnections() int {
	p.connsMu.Lock()
	defer p.connsMu.Unlock()
	return len(p.conns)
}

// Start listens on every enabled server and blocks until all stop.
func (p *Proxy) Start() error {
	if len(p.servers) == 0 {
		return newCodedError(ErrCodeNoEnabledServers, nil)
	}

	var g errgroup.Group
	for _, server := range p.servers {
		g.Go(server.Start)
	}
	return g.Wait()
}

// StartWithListener serves the first server on listener.
func (p *Proxy) StartWithListener(listener net.Listener) error {
	if len(p.servers) == 0 {
		return newCodedError(ErrCodeNoEnabledServers, nil)
	}
	return p.servers[0].StartWithListener(listener)
}

// Start listens on the configured address and serves until stopped.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return newCodedError(ErrCodeListenerCreateFailed, fmt.Errorf("%s: %w", s.config.ListenAddress, err))
	}
	return s.StartWithListener(listener)
}

// StartWithListener serves connections accepted from listener.
func (s *Server) StartWithListener(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	if s.proxy.closing.Load() {
		_ = listener.Close()
		return nil
	}

	logger.Info("Starting proxy server on %s", listener.Addr().String())
	p := s.proxy
	backoff := 5 * time.Millisecond
	for {
		if err := s.sem.Acquire(p.connCtx, 1); err != nil {
			return nil
		}
		conn, err := listener.Accept()
		if err != nil {
			s.sem.Release(1)
			if p.closing.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				logger.Warn("Accept error on %s: %v; retrying in %v", listener.Addr(), err, backoff)
				time.Sleep(backoff)
				backoff = min(backoff*2, time.Second)
				continue
			}
			return newCodedError(ErrCodeListenerCreateFailed, err)
		}
		backoff = 5 * time.Millisecond

		if !p.track(conn) {
			_ = conn.Close()
			s.sem.Release(1)
			continue
		}
		go func() {
			defer p.active.Done()
			defer s.sem.Release(1)
			defer p.untrack(conn)
			s.handleConn(conn)
		}()
	}
}

func (s *Server) closeListener() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// track registers conn unless the proxy is shutting down.
func (p *Proxy) track(conn net.Conn) bool {
	p.connsMu.Lock()
	defer p.connsMu.Unlock()
	if p.closing.Load() {
		return false
	}
	p.conns[conn] = struct{}{}
	p.active.Add(1)
	return true
}

func (p *Proxy) untrack(conn net.Conn) {
	p.connsMu.Lock()
	delete(p.conns, conn)
	p.connsMu.Unlock()
}

func (p *Proxy) closeTracked() int {
	p.connsMu.Lock()
	defer p.connsMu.Unlock()
	for conn := range p.conns {
		_ = conn.Close()
	}
	return len(p.conns)
}

// Shutdown stops accepting connections and waits for in-flight connections
// until ctx ends. Remaining connections are then closed and their traffic is
// flushed before Shutdown returns.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.connsMu.Lock()
	p.closing.Store(true)
	p.connsMu.Unlock()

	var errs []error
	for _, server := range p.servers {
		if err := server.closeListener(); err != nil {
			logger.Error("Failed to stop proxy server on %s: %v", server.config.ListenAddress, err)
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		p.active.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.cancelConns()
		if n := p.closeTracked(); n > 0 {
			logger.Warn("Shutdown grace period expired, closed %d connections", n)
		}
		<-done
	}
	p.cancelConns()
	return errors.Join(errs...)
}

// Stop shuts down with the configured grace period.
func (p *Proxy) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.Config().ShutdownGrace())
	defer cancel()
	return p.Shutdown(ctx)
}

// lingerClose half-closes conn and drains what the client still sends so the
// response is not lost to a reset.
func lingerClose(conn net.Conn) {
	if cw, ok := conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _ = io.CopyN(io.Discard, conn, 256<<10)
}

func (s *Server) handleConn(raw net.Conn) {
	p := s.proxy
	cfg := p.Config()

	transport := "plain"
	if s.tlsConfig != nil {
		transport = "tls"
	}
	cc := newConnContext(raw, s.config.ListenAddress, transport)
	ctx := WithConnContext(p.connCtx, cc)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("%s", logger.WithConnectionID(cc.ID, "panic while handling connection: %v", r))
		}
		_ = raw.Close()
		cc.Close()
	}()

	var base net.Conn = raw
	if s.tlsConfig != nil {
		tlsConn := tls.Server(raw, s.tlsConfig)
		hctx, cancel := context.WithTimeout(ctx, cfg.HeaderReadTimeout())
		err := tlsConn.HandshakeContext(hctx)
		cancel()
		if err != nil {
			err = newCodedError(ErrCodeTLSHandshakeFailed, err)
			logger.Debug("%s", logger.WithConnectionID(cc.ID, "%v", err))
			p.recordError(ctx, cc, err)
			return
		}
		base = tlsConn
	}
	conn := newIdleConn(base)

	_ = cc.Advance(StateAuthorizing)
	addr := cc.ClientIP()
	if d := p.gate.CheckAddress(addr); !d.Allowed {
		logger.Info("%s", logger.WithConnectionID(cc.ID, "denied connection from %s: %s", addr, d.Reason))
		p.recordBlocked(ctx, cc, "", d.Reason)
		_ = writeStatusResponse(conn, http.StatusForbidden, ErrCodeAddressDenied, nil)
		lingerClose(conn)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(cfg.HeaderReadTimeout()))
	br := bufio.NewReader(conn)
	req, err := readRequest(br)
	if err != nil {
		p.rejectRequest(ctx, cc, conn, err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	cl, err := Classify(req)
	if err != nil {
		p.rejectRequest(ctx, cc, conn, err)
		return
	}

	if !p.authorize(ctx, cc, conn, cl) {
		return
	}
	if err := cc.Classify(cl.Kind); err != nil {
		logger.Error("%s", logger.WithConnectionID(cc.ID, "classify in state %s: %v", cc.State(), err))
		return
	}

	switch cl.Kind {
	case KindTunnel:
		p.handleTunnel(ctx, cc, conn, br, cl)
	case KindForward:
		p.handleForward(ctx, cc, conn, br, cl)
	case KindLocal:
		p.handleLocal(ctx, cc, conn, cl)
	}
}

// rejectRequest answers a request that could not be read or classified.
func (p *Proxy) rejectRequest(ctx context.Context, cc *ConnContext, conn net.Conn, err error) {
	if ClassOf(err) == ClassTransport {
		var proxyErr *Error
		if errors.As(err, &proxyErr) && proxyErr.Code != ErrCodeClientClosed {
			logger.Debug("%s", logger.WithConnectionID(cc.ID, "%v", err))
		}
		return
	}
	logger.Info("%s", logger.WithConnectionID(cc.ID, "rejecting request from %s: %v", cc.ClientAddr, err))
	p.recordError(ctx, cc, err)
	if writeErr := writeErrorResponse(conn, err, ErrCodeMalformedRequest); writeErr == nil {
		lingerClose(conn)
	}
}

// authorize runs the credential check for the classified request and
// answers denied requests.
func (p *Proxy) authorize(ctx context.Context, cc *ConnContext, conn net.Conn, cl Classified) bool {
	addr := cc.ClientIP()

	if cl.Kind == KindLocal {
		if !p.adminAllowed(addr) {
			logger.Info("%s", logger.WithConnectionID(cc.ID, "local request from %s not allowed", addr))
			p.recordBlockedReason(ctx, cc, "", "local_denied")
			_ = writeStatusResponse(conn, http.StatusForbidden, ErrCodeLocalAccessDenied, nil)
			lingerClose(conn)
			return false
		}
		d := p.gate.AuthorizeWith(addr, cl.Request.Header.Get("Authorization"), p.Config().Admin.AuthRequired)
		if d.Allowed {
			cc.Identity = d.Identity
			return true
		}
		p.deny(ctx, cc, conn, cl, d, http.StatusUnauthorized, "WWW-Authenticate")
		return false
	}

	d := p.gate.Authorize(addr, cl.Request.Header.Get("Proxy-Authorization"))
	if d.Allowed {
		cc.Identity = d.Identity
		return true
	}
	p.deny(ctx, cc, conn, cl, d, http.StatusProxyAuthRequired, "Proxy-Authenticate")
	return false
}

func (p *Proxy) deny(ctx context.Context, cc *ConnContext, conn net.Conn, cl Classified, d access.Decision, challengeStatus int, challengeHeader string) {
	policy := p.gate.Policy()
	logger.Info("%s", logger.WithConnectionID(cc.ID, "denied %s %s from %s: %s", cl.Request.Method, cl.Request.RequestURI, cc.ClientIP(), d.Reason))
	p.recordBlocked(ctx, cc, cl.Host, d.Reason)

	var err error
	switch d.Reason {
	case access.ReasonAddressDenied:
		err = writeStatusResponse(conn, http.StatusForbidden, ErrCodeAddressDenied, nil)
	case access.ReasonLockedOut:
		err = writeStatusResponse(conn, http.StatusForbidden, ErrCodeLockedOut, nil)
	default:
		if policy.NeverAskForAuth && challengeStatus == http.StatusProxyAuthRequired {
			return
		}
		challenge := http.Header{}
		challenge.Set(challengeHeader, fmt.Sprintf("Basic realm=%q", policy.Realm))
		err = writeStatusResponse(conn, challengeStatus, ErrCodeAuthenticationFailed, challenge)
	}
	if err == nil {
		lingerClose(conn)
	}
}

// newMeter starts accounting for a classified connection.
func (p *Proxy) newMeter(ctx context.Context, cc *ConnContext, cl Classified, protocol string) *Meter {
	cfg := p.Config()
	info := stats.ConnectionInfo{
		ID:          cc.ID,
		ClientIP:    cc.ClientIP().String(),
		Identity:    cc.Identity,
		TargetClass: p.classes.Load().Classify(cl.Host),
		TargetHost:  cl.Host,
		TargetPort:  cl.Port,
		Protocol:    protocol,
		Transport:   cc.Transport,
		StartedAt:   cc.StartedAt,
	}
	return NewMeter(ctx, p.collector, info, cfg.AccountingFlushInterval(), cfg.AccountingFlushBytes)
}

func (p *Proxy) recordError(ctx context.Context, cc *ConnContext, err error) {
	if err := p.collector.RecordError(context.WithoutCancel(ctx), cc.ID, ClassOf(err).String(), err.Error()); err != nil {
		collectorErrLog.Error("Failed to record error for %s: %v", cc.ID, err)
	}
}

func (p *Proxy) recordBlocked(ctx context.Context, cc *ConnContext, host string, reason access.DenyReason) {
	p.recordBlockedReason(ctx, cc, host, strings.ReplaceAll(reason.String(), " ", "_"))
}

func (p *Proxy) recordBlockedReason(ctx context.Context, cc *ConnContext, host, reason string) {
	if err := p.collector.RecordBlockedRequest(context.WithoutCancel(ctx), cc.ClientIP().String(), host, reason); err != nil {
		collectorErrLog.Error("Failed to record blocked request from %s: %v", cc.ClientIP(), err)
	}
}
