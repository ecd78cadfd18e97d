package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/codefionn/meterproxy/meterproxy-srv/config"
	"github.com/codefionn/meterproxy/meterproxy-srv/logger"
	"golang.org/x/net/proxy"
)

// Dialer opens connections to upstream targets.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDialer returns the dialer for the configured upstream. Every dial is
// bounded by timeout.
func NewDialer(cfg config.UpstreamConfig, timeout time.Duration) (Dialer, error) {
	base := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	network := "tcp"
	if cfg.ForceIPv4 {
		network = "tcp4"
		base.FallbackDelay = -1
	}

	switch cfg.Type {
	case config.UpstreamDirect, "":
		return &directDialer{dialer: base, network: network, timeout: timeout}, nil
	case config.UpstreamSocks5:
		var auth *proxy.Auth
		if cfg.Username != nil {
			auth = &proxy.Auth{User: *cfg.Username}
			if cfg.Password != nil {
				auth.Password = *cfg.Password
			}
		}
		socksDialer, err := proxy.SOCKS5(network, cfg.Address, auth, base)
		if err != nil {
			return nil, newCodedError(ErrCodeSOCKS5DialerFailed, fmt.Errorf("proxy %s: %w", cfg.Address, err))
		}
		return &socks5Dialer{dialer: socksDialer, address: cfg.Address, network: network, timeout: timeout}, nil
	case config.UpstreamProxy:
		return &httpProxyDialer{dialer: base, network: network, timeout: timeout, cfg: cfg}, nil
	default:
		return nil, newCodedError(ErrCodeUnknownProxyType, fmt.Errorf("upstream type %q", cfg.Type))
	}
}

// wrapDialError converts a dial failure into a coded upstream error.
func wrapDialError(code string, err error) error {
	if isTimeout(err) {
		return newCodedError(ErrCodeConnectionTimeout, err)
	}
	return newCodedError(code, err)
}

type directDialer struct {
	dialer  *net.Dialer
	network string
	timeout time.Duration
}

func (d *directDialer) DialContext(ctx context.Context, _ string, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	conn, err := d.dialer.DialContext(ctx, d.network, addr)
	if err != nil {
		return nil, wrapDialError(ErrCodeDialFailed, fmt.Errorf("direct dial to %s: %w", addr, err))
	}
	return conn, nil
}

type socks5Dialer struct {
	dialer  proxy.Dialer
	address string
	network string
	timeout time.Duration
}

func (d *socks5Dialer) DialContext(ctx context.Context, _ string, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type result struct {
		conn net.Conn
		err  error
	}
	resultChan := make(chan result, 1)

	go func() {
		var conn net.Conn
		var err error
		if ctxDialer, ok := d.dialer.(proxy.ContextDialer); ok {
			conn, err = ctxDialer.DialContext(ctx, d.network, addr)
		} else {
			conn, err = d.dialer.Dial(d.network, addr)
		}
		resultChan <- result{conn: conn, err: err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, wrapDialError(ErrCodeSOCKS5ConnectFailed, fmt.Errorf("target %s via SOCKS5 proxy %s: %w", addr, d.address, res.err))
		}
		return res.conn, nil
	case <-ctx.Done():
		go func() {
			if res := <-resultChan; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, wrapDialError(ErrCodeSOCKS5ConnectFailed, fmt.Errorf("target %s via SOCKS5 proxy %s: %w", addr, d.address, ctx.Err()))
	}
}

type httpProxyDialer struct {
	dialer  *net.Dialer
	network string
	timeout time.Duration
	cfg     config.UpstreamConfig
}

func (d *httpProxyDialer) DialContext(ctx context.Context, _ string, addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	logger.Debug("Dialing HTTP proxy %s to reach %s", d.cfg.Address, addr)
	proxyConn, err := d.dialer.DialContext(ctx, d.network, d.cfg.Address)
	if err != nil {
		return nil, wrapDialError(ErrCodeHTTPProxyDialFailed, fmt.Errorf("proxy server %s: %w", d.cfg.Address, err))
	}

	// The handshake shares the dial deadline
	if deadline, ok := ctx.Deadline(); ok {
		_ = proxyConn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = proxyConn.Close() })
	defer stop()

	conn, err := d.handshake(proxyConn, addr)
	if err != nil {
		_ = proxyConn.Close()
		if ctx.Err() != nil {
			return nil, wrapDialError(ErrCodeHTTPProxyConnectFailed, fmt.Errorf("proxy %s: %w", d.cfg.Address, ctx.Err()))
		}
		return nil, err
	}
	_ = proxyConn.SetDeadline(time.Time{})
	return conn, nil
}

func (d *httpProxyDialer) handshake(proxyConn net.Conn, addr string) (net.Conn, error) {
	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Host: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	connectReq.Header.Set("User-Agent", "meterproxy/1.0")

	if d.cfg.Username != nil {
		password := ""
		if d.cfg.Password != nil {
			password = *d.cfg.Password
		}
		token := base64.StdEncoding.EncodeToString([]byte(*d.cfg.Username + ":" + password))
		connectReq.Header.Set("Proxy-Authorization", "Basic "+token)
	}

	if err := connectReq.Write(proxyConn); err != nil {
		return nil, newCodedError(ErrCodeCONNECTRequestFailed, fmt.Errorf("sending to proxy %s: %w", d.cfg.Address, err))
	}

	reader := bufio.NewReader(proxyConn)
	resp, err := http.ReadResponse(reader, connectReq)
	if err != nil {
		return nil, wrapDialError(ErrCodeCONNECTResponseFailed, fmt.Errorf("from proxy %s: %w", d.cfg.Address, err))
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newCodedError(ErrCodeProxyDenied, fmt.Errorf("proxy %s answered CONNECT %s with %s", d.cfg.Address, addr, resp.Status))
	}

	if reader.Buffered() > 0 {
		return &bufferedConn{Conn: proxyConn, reader: reader}, nil
	}
	return proxyConn, nil
}

// bufferedConn serves bytes already read into reader before the connection.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return nil
}
