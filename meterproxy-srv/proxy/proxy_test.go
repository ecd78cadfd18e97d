package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/codefionn/meterproxy/meterproxy-srv/access"
	"github.com/codefionn/meterproxy/meterproxy-srv/config"
	"github.com/codefionn/meterproxy/meterproxy-srv/stats"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// authConfig requires Basic authentication for alice.
func authConfig() *config.Config {
	cfg := testConfig()
	cfg.Access.AuthRequired = true
	cfg.Access.Users = []string{"alice:wonderland"}
	return cfg
}

func TestTunnelAccountsExactBytes(t *testing.T) {
	const size = 10240
	payload := make([]byte, size)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	upstreamGot := make(chan []byte, 1)
	target, _ := startTCPServer(t, func(conn net.Conn) {
		buf := make([]byte, size)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		upstreamGot <- buf
		_, _ = conn.Write(payload)
	})

	cfg := authConfig()
	cfg.TargetClasses = map[string][]string{"lab": {"127.0.0.1"}}
	agg := stats.NewAggregator()
	_, addr := startProxy(t, cfg, agg, nil)

	conn, br, resp := sendConnect(t, addr, target, basicAuth("alice", "wonderland"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = conn.Write(payload)
	require.NoError(t, err)

	got := make([]byte, size)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(br, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, payload, <-upstreamGot)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return agg.Snapshot().ActiveConnections == 0
	}, 5*time.Second, 10*time.Millisecond)

	snap := agg.Snapshot()
	require.Len(t, snap.Buckets, 1)
	bucket := snap.Buckets[0]
	assert.Equal(t, stats.Labels{Identity: "alice", TargetClass: "lab"}, bucket.Labels)
	assert.Equal(t, int64(size), bucket.BytesSent)
	assert.Equal(t, int64(size), bucket.BytesReceived)
	assert.Equal(t, int64(1), bucket.Connections)
	assert.Equal(t, int64(size), snap.TotalBytesSent)
	assert.Equal(t, int64(size), snap.TotalBytesReceived)
}

func TestTunnelBadCredentials(t *testing.T) {
	target, accepted := startTCPServer(t, func(net.Conn) {})

	rec := newRecordingCollector()
	p, addr := startProxy(t, authConfig(), rec, nil)

	_, _, resp := sendConnect(t, addr, target, basicAuth("alice", "wrong"))
	assert.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
	assert.Equal(t, `Basic realm="meterproxy"`, resp.Header.Get("Proxy-Authenticate"))
	assert.Equal(t, ErrCodeAuthenticationFailed, resp.Header.Get("X-Proxy-Error"))

	assert.Equal(t, 1, p.Gate().Failures().Failures("127.0.0.1"))
	assert.Zero(t, accepted.Load())
	assert.Empty(t, rec.Starts())
	assert.Equal(t, []string{"bad_credentials"}, rec.Blocked())
}

func TestForwardBadCredentials(t *testing.T) {
	origin, accepted := startTCPServer(t, func(net.Conn) {})

	p, addr := startProxy(t, authConfig(), newRecordingCollector(), nil)

	resp := sendRaw(t, addr, "GET http://"+origin+"/ HTTP/1.1\r\nHost: "+origin+"\r\nProxy-Authorization: "+basicAuth("mallory", "x")+"\r\n\r\n")
	assert.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
	assert.Equal(t, 1, p.Gate().Failures().Failures("127.0.0.1"))
	assert.Zero(t, accepted.Load())
}

func TestTunnelMissingCredentials(t *testing.T) {
	target, _ := startTCPServer(t, func(net.Conn) {})
	_, addr := startProxy(t, authConfig(), newRecordingCollector(), nil)

	_, _, resp := sendConnect(t, addr, target, "")
	assert.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Proxy-Authenticate"))
}

func TestDeniedAddress(t *testing.T) {
	target, accepted := startTCPServer(t, func(net.Conn) {})

	cfg := testConfig()
	cfg.Access.Rules = []config.AccessRule{{Network: "127.0.0.0/8", Action: config.ActionDeny}}
	rec := newRecordingCollector()
	_, addr := startProxy(t, cfg, rec, nil)

	resp := sendRaw(t, addr, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, ErrCodeAddressDenied, resp.Header.Get("X-Proxy-Error"))

	assert.Zero(t, accepted.Load())
	assert.Empty(t, rec.Starts())
	assert.Equal(t, []string{"address_denied"}, rec.Blocked())
}

func TestLockout(t *testing.T) {
	target, _ := startTCPServer(t, func(conn net.Conn) { _, _ = io.Copy(conn, conn) })

	cfg := authConfig()
	cfg.Access.FailureThreshold = 2
	p, addr := startProxy(t, cfg, newRecordingCollector(), nil)

	for i := 0; i < 2; i++ {
		_, _, resp := sendConnect(t, addr, target, basicAuth("alice", "guess"))
		require.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
	}
	checks := p.Gate().CredentialChecks()

	_, _, resp := sendConnect(t, addr, target, basicAuth("alice", "wonderland"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, ErrCodeLockedOut, resp.Header.Get("X-Proxy-Error"))
	assert.Equal(t, checks, p.Gate().CredentialChecks())
	assert.Equal(t, 3, p.Gate().Failures().Failures("127.0.0.1"))
}

func TestNeverAskForAuthClosesSilently(t *testing.T) {
	target, _ := startTCPServer(t, func(net.Conn) {})

	cfg := authConfig()
	cfg.Access.NeverAskForAuth = true
	_, addr := startProxy(t, cfg, newRecordingCollector(), nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n")
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, _ := io.ReadAll(conn)
	assert.Empty(t, data)
}

func TestTunnelHalfClose(t *testing.T) {
	target, _ := startTCPServer(t, func(conn net.Conn) {
		data, err := io.ReadAll(conn)
		if err != nil || string(data) != "hello" {
			return
		}
		_, _ = io.WriteString(conn, "bye")
	})

	rec := newRecordingCollector()
	_, addr := startProxy(t, testConfig(), rec, nil)

	conn, br, resp := sendConnect(t, addr, target, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err := io.WriteString(conn, "hello")
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(reply))

	end := rec.waitEnd(t)
	assert.Equal(t, int64(5), end.Sent)
	assert.Equal(t, int64(3), end.Received)
	assert.Equal(t, ReasonClosed, end.Reason)

	starts := rec.Starts()
	require.Len(t, starts, 1)
	assert.Equal(t, "tunnel", starts[0].Protocol)
	assert.Equal(t, "plain", starts[0].Transport)
	assert.Equal(t, access.AnonymousIdentity, starts[0].Identity)
	assert.Equal(t, stats.DefaultTargetClass, starts[0].TargetClass)
}

func TestTunnelFlushesOnceOnClientReset(t *testing.T) {
	const size = 4096
	target, _ := startTCPServer(t, func(conn net.Conn) {
		_, _ = conn.Write(make([]byte, size))
		_, _ = io.Copy(io.Discard, conn)
	})

	ended := make(chan struct{})
	mc := &mockCollector{}
	mc.On("StartConnection", mock.Anything, mock.Anything).Return(nil).Once()
	mc.On("RecordDataTransfer", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	mc.On("RecordError", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	mc.On("EndConnection", mock.Anything, mock.Anything, int64(0), int64(size), mock.Anything,
		mock.MatchedBy(func(reason string) bool { return reason == ReasonReset || reason == ReasonClosed })).
		Return(nil).Once().Run(func(mock.Arguments) { close(ended) })

	_, addr := startProxy(t, testConfig(), mc, nil)

	conn, br, resp := sendConnect(t, addr, target, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := io.ReadFull(br, make([]byte, size))
	require.NoError(t, err)

	tcpConn := conn.(*net.TCPConn)
	require.NoError(t, tcpConn.SetLinger(0))
	require.NoError(t, tcpConn.Close())

	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not accounted")
	}
	time.Sleep(50 * time.Millisecond)
	mc.AssertExpectations(t)
	mc.AssertNumberOfCalls(t, "EndConnection", 1)
}

func TestTunnelIdleTimeout(t *testing.T) {
	target, _ := startTCPServer(t, func(conn net.Conn) { _, _ = io.Copy(io.Discard, conn) })

	cfg := testConfig()
	cfg.IdleTimeoutSeconds = 1
	rec := newRecordingCollector()
	_, addr := startProxy(t, cfg, rec, nil)

	_, _, resp := sendConnect(t, addr, target, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	end := rec.waitEnd(t)
	assert.Equal(t, ReasonIdleTimeout, end.Reason)
}

func TestTunnelLingerTimeout(t *testing.T) {
	target, _ := startTCPServer(t, func(conn net.Conn) {
		_, _ = io.Copy(io.Discard, conn)
		time.Sleep(10 * time.Second)
	})

	cfg := testConfig()
	cfg.LingerTimeoutSeconds = 1
	rec := newRecordingCollector()
	_, addr := startProxy(t, cfg, rec, nil)

	conn, _, resp := sendConnect(t, addr, target, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	end := rec.waitEnd(t)
	assert.Equal(t, ReasonLingerTimeout, end.Reason)
}

func TestShutdownClosesTunnels(t *testing.T) {
	target, _ := startTCPServer(t, func(conn net.Conn) { _, _ = io.Copy(conn, conn) })

	rec := newRecordingCollector()
	p, addr := startProxy(t, testConfig(), rec, nil)

	conn, br, resp := sendConnect(t, addr, target, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err := io.WriteString(conn, "ping")
	require.NoError(t, err)
	_, err = io.ReadFull(br, make([]byte, 4))
	require.NoError(t, err)
	assert.Equal(t, 1, p.ActiveConnections())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))

	end := rec.waitEnd(t)
	assert.Equal(t, ReasonShutdown, end.Reason)
	assert.Equal(t, int64(4), end.Sent)
	assert.Equal(t, int64(4), end.Received)
	assert.Zero(t, p.ActiveConnections())

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}

func shutdownAsync(p *Proxy, grace time.Duration) <-chan error {
	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		done <- p.Shutdown(ctx)
	}()
	return done
}

func TestShutdownDrainsTunnels(t *testing.T) {
	target, _ := startTCPServer(t, func(conn net.Conn) { _, _ = io.Copy(conn, conn) })

	rec := newRecordingCollector()
	p, addr := startProxy(t, testConfig(), rec, nil)

	conn, br, resp := sendConnect(t, addr, target, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err := io.WriteString(conn, "ping")
	require.NoError(t, err)
	_, err = io.ReadFull(br, make([]byte, 4))
	require.NoError(t, err)

	done := shutdownAsync(p, 5*time.Second)
	select {
	case err := <-done:
		t.Fatalf("shutdown returned with an open tunnel: %v", err)
	case <-time.After(200 * time.Millisecond):
	}
	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err, "no new connections while draining")

	// The tunnel keeps working during the grace period
	_, err = io.WriteString(conn, "pong!")
	require.NoError(t, err)
	echoed := make([]byte, 5)
	_, err = io.ReadFull(br, echoed)
	require.NoError(t, err)
	assert.Equal(t, "pong!", string(echoed))

	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Empty(t, rest)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not return after the tunnel closed")
	}

	select {
	case end := <-rec.ended:
		assert.Equal(t, ReasonClosed, end.Reason)
		assert.Equal(t, int64(9), end.Sent)
		assert.Equal(t, int64(9), end.Received)
	default:
		t.Fatal("shutdown returned before the tunnel was accounted")
	}
	assert.Zero(t, p.ActiveConnections())
}

func TestShutdownDrainsForwardRequests(t *testing.T) {
	requested := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(requested)
		time.Sleep(300 * time.Millisecond)
		_, _ = io.WriteString(w, "slow done")
	}))
	defer origin.Close()

	rec := newRecordingCollector()
	p, addr := startProxy(t, testConfig(), rec, nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	_, err = io.WriteString(conn, "GET "+origin.URL+"/ HTTP/1.1\r\nHost: "+strings.TrimPrefix(origin.URL, "http://")+"\r\n\r\n")
	require.NoError(t, err)

	select {
	case <-requested:
	case <-time.After(5 * time.Second):
		t.Fatal("request did not reach the origin")
	}
	done := shutdownAsync(p, 5*time.Second)

	raw, err := io.ReadAll(conn)
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "slow done", string(body))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not return after the request finished")
	}

	end := rec.waitEnd(t)
	assert.Equal(t, ReasonCompleted, end.Reason)
	assert.Equal(t, int64(len(raw)), end.Received)
}

func TestTunnelDialFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := listener.Addr().String()
	require.NoError(t, listener.Close())

	rec := newRecordingCollector()
	_, addr := startProxy(t, testConfig(), rec, nil)

	_, _, resp := sendConnect(t, addr, target, "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, ErrCodeDialFailed, resp.Header.Get("X-Proxy-Error"))

	end := rec.waitEnd(t)
	assert.Equal(t, ReasonUpstreamError, end.Reason)
	assert.Zero(t, end.Sent)
	assert.Zero(t, end.Received)
	assert.Equal(t, []string{"upstream"}, rec.Errors())
}

func TestMalformedRequests(t *testing.T) {
	tests := []struct {
		name    string
		request string
		status  int
		code    string
	}{
		{"connect without port", "CONNECT example.com HTTP/1.1\r\nHost: example.com\r\n\r\n", http.StatusBadRequest, ErrCodeInvalidConnectTarget},
		{"garbage", "BLAH\r\n\r\n", http.StatusBadRequest, ErrCodeMalformedRequest},
		{"unsupported scheme", "GET ftp://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n", http.StatusBadRequest, ErrCodeUnsupportedScheme},
	}

	_, addr := startProxy(t, testConfig(), newRecordingCollector(), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := sendRaw(t, addr, tt.request)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, resp.Header.Get("X-Proxy-Error"))
		})
	}
}

func TestHeaderReadTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HeaderReadTimeoutSeconds = 1
	_, addr := startProxy(t, cfg, newRecordingCollector(), nil)

	start := time.Now()
	resp := sendRaw(t, addr, "GET http://example.com/ HTTP/1.1\r\n")
	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
	assert.Equal(t, ErrCodeHeaderTimeout, resp.Header.Get("X-Proxy-Error"))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestFailingCollectorDoesNotAbort(t *testing.T) {
	target, _ := startTCPServer(t, func(conn net.Conn) { _, _ = io.Copy(conn, conn) })

	fc := &failingCollector{}
	cfg := testConfig()
	cfg.AccountingFlushBytes = 1
	_, addr := startProxy(t, cfg, fc, nil)

	conn, br, resp := sendConnect(t, addr, target, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for i := 0; i < 3; i++ {
		_, err := io.WriteString(conn, "ping")
		require.NoError(t, err)
		buf := make([]byte, 4)
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err = io.ReadFull(br, buf)
		require.NoError(t, err)
		assert.Equal(t, "ping", string(buf))
	}
	assert.Greater(t, fc.calls.Load(), int64(1))
}

func TestTLSListener(t *testing.T) {
	target, _ := startTCPServer(t, func(conn net.Conn) { _, _ = io.Copy(conn, conn) })

	certFile, keyFile := writeTestCertificate(t, "")
	cfg := testConfig()
	cfg.Servers[0].TLSCertFile = certFile
	cfg.Servers[0].TLSKeyFile = keyFile
	rec := newRecordingCollector()
	_, addr := startProxy(t, cfg, rec, nil)

	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()

	_, err = io.WriteString(conn, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n")
	require.NoError(t, err)
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = io.WriteString(conn, "secure")
	require.NoError(t, err)
	buf := make([]byte, 6)
	_, err = io.ReadFull(br, buf)
	require.NoError(t, err)
	assert.Equal(t, "secure", string(buf))
	require.NoError(t, conn.Close())

	end := rec.waitEnd(t)
	assert.Equal(t, int64(6), end.Sent)
	assert.Equal(t, int64(6), end.Received)
	require.Len(t, rec.Starts(), 1)
	assert.Equal(t, "tls", rec.Starts()[0].Transport)
}

func TestSOCKS5Upstream(t *testing.T) {
	target, _ := startTCPServer(t, func(conn net.Conn) { _, _ = io.Copy(conn, conn) })
	socksAddr := startSOCKS5Server(t, nil)

	cfg := testConfig()
	cfg.Upstream = config.UpstreamConfig{Type: config.UpstreamSocks5, Address: socksAddr}
	_, addr := startProxy(t, cfg, newRecordingCollector(), nil)

	conn, br, resp := sendConnect(t, addr, target, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err := io.WriteString(conn, "via socks")
	require.NoError(t, err)
	buf := make([]byte, 9)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(br, buf)
	require.NoError(t, err)
	assert.Equal(t, "via socks", string(buf))
}

func TestChainedProxies(t *testing.T) {
	target, _ := startTCPServer(t, func(conn net.Conn) { _, _ = io.Copy(conn, conn) })

	innerCfg := authConfig()
	innerCfg.Access.Users = []string{"chain:secret"}
	inner := newRecordingCollector()
	_, innerAddr := startProxy(t, innerCfg, inner, nil)

	outerCfg := testConfig()
	outerCfg.Upstream = config.UpstreamConfig{
		Type:     config.UpstreamProxy,
		Address:  innerAddr,
		Username: strPtr("chain"),
		Password: strPtr("secret"),
	}
	outer := newRecordingCollector()
	_, outerAddr := startProxy(t, outerCfg, outer, nil)

	conn, br, resp := sendConnect(t, outerAddr, target, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err := io.WriteString(conn, "chained")
	require.NoError(t, err)
	buf := make([]byte, 7)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(br, buf)
	require.NoError(t, err)
	assert.Equal(t, "chained", string(buf))
	require.NoError(t, conn.Close())

	outerEnd := outer.waitEnd(t)
	innerEnd := inner.waitEnd(t)
	assert.Equal(t, int64(7), outerEnd.Sent)
	assert.Equal(t, int64(7), innerEnd.Received)

	starts := inner.Starts()
	require.Len(t, starts, 1)
	assert.Equal(t, "chain", starts[0].Identity)
}

func TestWebSocketThroughTunnel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	wsServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	defer wsServer.Close()

	rec := newRecordingCollector()
	_, addr := startProxy(t, authConfig(), rec, nil)

	proxyURL := &url.URL{Scheme: "http", Host: addr, User: url.UserPassword("alice", "wonderland")}
	dialer := websocket.Dialer{Proxy: http.ProxyURL(proxyURL), HandshakeTimeout: 5 * time.Second}
	ws, _, err := dialer.Dial("ws://"+strings.TrimPrefix(wsServer.URL, "http://"), nil)
	require.NoError(t, err)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("hello websocket")))
	mt, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.Equal(t, "hello websocket", string(msg))
	require.NoError(t, ws.Close())

	end := rec.waitEnd(t)
	assert.Greater(t, end.Sent, int64(len("hello websocket")))
	assert.Greater(t, end.Received, int64(len("hello websocket")))
	require.Len(t, rec.Starts(), 1)
	assert.Equal(t, "alice", rec.Starts()[0].Identity)
}

func TestReloadChangesPolicy(t *testing.T) {
	target, _ := startTCPServer(t, func(conn net.Conn) { _, _ = io.Copy(conn, conn) })

	cfg := testConfig()
	p, addr := startProxy(t, cfg, newRecordingCollector(), nil)

	_, _, resp := sendConnect(t, addr, target, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	denied := testConfig()
	denied.Access.Rules = []config.AccessRule{{Network: "127.0.0.1", Action: config.ActionDeny}}
	require.NoError(t, p.Reload(denied))

	resp = sendRaw(t, addr, "CONNECT "+target+" HTTP/1.1\r\nHost: "+target+"\r\n\r\n")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Same(t, denied, p.Config())
}

func TestNoEnabledServers(t *testing.T) {
	cfg := testConfig()
	cfg.Servers[0].Enabled = false
	p, err := NewProxy(cfg, nil, nil)
	require.NoError(t, err)

	err = p.Start()
	require.Error(t, err)
	assert.Equal(t, ErrCodeNoEnabledServers, codeOf(err, ""))
}

func TestLocalRequests(t *testing.T) {
	local := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "local "+r.URL.Path)
	})

	t.Run("served", func(t *testing.T) {
		rec := newRecordingCollector()
		_, addr := startProxy(t, testConfig(), rec, local)

		resp := sendRaw(t, addr, "GET /status HTTP/1.1\r\nHost: proxy\r\n\r\n")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "local /status", string(body))
		assert.Empty(t, rec.Starts())
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.Admin.Enabled = false
		rec := newRecordingCollector()
		_, addr := startProxy(t, cfg, rec, local)

		resp := sendRaw(t, addr, "GET /status HTTP/1.1\r\nHost: proxy\r\n\r\n")
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, ErrCodeLocalAccessDenied, resp.Header.Get("X-Proxy-Error"))
		assert.Equal(t, []string{"local_denied"}, rec.Blocked())
	})

	t.Run("credentials", func(t *testing.T) {
		cfg := authConfig()
		cfg.Admin.AuthRequired = true
		_, addr := startProxy(t, cfg, newRecordingCollector(), local)

		resp := sendRaw(t, addr, "GET /status HTTP/1.1\r\nHost: proxy\r\n\r\n")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, `Basic realm="meterproxy"`, resp.Header.Get("WWW-Authenticate"))

		resp = sendRaw(t, addr, "GET /status HTTP/1.1\r\nHost: proxy\r\nAuthorization: "+basicAuth("alice", "wonderland")+"\r\n\r\n")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("panic", func(t *testing.T) {
		panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
		_, addr := startProxy(t, testConfig(), nil, panicking)

		resp := sendRaw(t, addr, "GET /status HTTP/1.1\r\nHost: proxy\r\n\r\n")
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, ErrCodeInternalError, resp.Header.Get("X-Proxy-Error"))
	})
}
