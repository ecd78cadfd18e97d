package proxy

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codefionn/meterproxy/meterproxy-srv/config"
	"github.com/codefionn/meterproxy/meterproxy-srv/stats"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	pkcs8 "github.com/youmark/pkcs8"
)

type endRecord struct {
	ID       string
	Sent     int64
	Received int64
	Reason   string
}

type transferRecord struct {
	ID       string
	Sent     int64
	Received int64
	Labels   stats.Labels
}

// recordingCollector keeps every accounting call for inspection.
type recordingCollector struct {
	stats.DummyCollector

	mu        sync.Mutex
	starts    []stats.ConnectionInfo
	transfers []transferRecord
	endings   []endRecord
	blocked   []string
	errs      []string
	ended     chan endRecord
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{ended: make(chan endRecord, 64)}
}

func (r *recordingCollector) StartConnection(_ context.Context, info stats.ConnectionInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, info)
	return nil
}

func (r *recordingCollector) RecordDataTransfer(_ context.Context, id string, sent, recv int64, labels stats.Labels) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers = append(r.transfers, transferRecord{ID: id, Sent: sent, Received: recv, Labels: labels})
	return nil
}

func (r *recordingCollector) EndConnection(_ context.Context, id string, sent, recv int64, _ time.Duration, reason string) error {
	rec := endRecord{ID: id, Sent: sent, Received: recv, Reason: reason}
	r.mu.Lock()
	r.endings = append(r.endings, rec)
	r.mu.Unlock()
	r.ended <- rec
	return nil
}

func (r *recordingCollector) RecordBlockedRequest(_ context.Context, _, _, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked = append(r.blocked, reason)
	return nil
}

func (r *recordingCollector) RecordError(_ context.Context, _, errorType, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, errorType)
	return nil
}

func (r *recordingCollector) Starts() []stats.ConnectionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stats.ConnectionInfo(nil), r.starts...)
}

func (r *recordingCollector) Blocked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.blocked...)
}

func (r *recordingCollector) Errors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errs...)
}

// transferTotals sums the reported deltas of connection id.
func (r *recordingCollector) transferTotals(id string) (int64, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sent, recv int64
	for _, tr := range r.transfers {
		if tr.ID == id {
			sent += tr.Sent
			recv += tr.Received
		}
	}
	return sent, recv
}

func (r *recordingCollector) waitEnd(t *testing.T) endRecord {
	t.Helper()
	select {
	case rec := <-r.ended:
		return rec
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not accounted")
		return endRecord{}
	}
}

// failingCollector rejects every write.
type failingCollector struct {
	stats.DummyCollector
	calls atomic.Int64
}

var errCollectorDown = errors.New("collector down")

func (f *failingCollector) StartConnection(context.Context, stats.ConnectionInfo) error {
	f.calls.Add(1)
	return errCollectorDown
}

func (f *failingCollector) EndConnection(context.Context, string, int64, int64, time.Duration, string) error {
	f.calls.Add(1)
	return errCollectorDown
}

func (f *failingCollector) RecordDataTransfer(context.Context, string, int64, int64, stats.Labels) error {
	f.calls.Add(1)
	return errCollectorDown
}

// mockCollector is a testify mock of stats.Collector.
type mockCollector struct {
	mock.Mock
}

func (m *mockCollector) StartConnection(ctx context.Context, info stats.ConnectionInfo) error {
	return m.Called(ctx, info).Error(0)
}

func (m *mockCollector) EndConnection(ctx context.Context, id string, sent, recv int64, duration time.Duration, reason string) error {
	return m.Called(ctx, id, sent, recv, duration, reason).Error(0)
}

func (m *mockCollector) RecordDataTransfer(ctx context.Context, id string, sent, recv int64, labels stats.Labels) error {
	return m.Called(ctx, id, sent, recv, labels).Error(0)
}

func (m *mockCollector) RecordBlockedRequest(ctx context.Context, ip, host, reason string) error {
	return m.Called(ctx, ip, host, reason).Error(0)
}

func (m *mockCollector) RecordError(ctx context.Context, id, errorType, msg string) error {
	return m.Called(ctx, id, errorType, msg).Error(0)
}

func (m *mockCollector) GetOverviewStats(ctx context.Context) (*stats.OverviewStats, error) {
	args := m.Called(ctx)
	overview, _ := args.Get(0).(*stats.OverviewStats)
	return overview, args.Error(1)
}

func (m *mockCollector) GetTopTargets(ctx context.Context, limit int) ([]stats.TargetStats, error) {
	args := m.Called(ctx, limit)
	targets, _ := args.Get(0).([]stats.TargetStats)
	return targets, args.Error(1)
}

func (m *mockCollector) HealthCheck(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockCollector) Close() error {
	return m.Called().Error(0)
}

// testConfig allows every client on one plain listener.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Servers = []config.ServerConfig{{ListenAddress: "127.0.0.1:0", Enabled: true, MaxConnections: 64}}
	cfg.Access.DefaultPolicy = config.ActionAllow
	cfg.HeaderReadTimeoutSeconds = 5
	cfg.ConnectTimeoutSeconds = 5
	cfg.IdleTimeoutSeconds = 30
	cfg.LingerTimeoutSeconds = 5
	cfg.ShutdownGraceSeconds = 2
	return cfg
}

// startProxy serves a proxy on a fresh loopback listener.
func startProxy(t *testing.T, cfg *config.Config, collector stats.Collector, local http.Handler) (*Proxy, string) {
	t.Helper()
	p, err := NewProxy(cfg, collector, local)
	require.NoError(t, err)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.StartWithListener(listener)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
		<-done
	})
	return p, listener.Addr().String()
}

// startTCPServer runs handler for every accepted connection.
func startTCPServer(t *testing.T, handler func(net.Conn)) (string, *atomic.Int64) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	accepted := &atomic.Int64{}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			go func() {
				defer conn.Close()
				handler(conn)
			}()
		}
	}()
	return listener.Addr().String(), accepted
}

func basicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

// sendConnect opens a connection to the proxy and sends a CONNECT request.
// The reader must be used for everything read after the response head.
func sendConnect(t *testing.T, proxyAddr, target, auth string) (net.Conn, *bufio.Reader, *http.Response) {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	request := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if auth != "" {
		request += "Proxy-Authorization: " + auth + "\r\n"
	}
	_, err = conn.Write([]byte(request + "\r\n"))
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Time{})
	return conn, br, resp
}

// sendRaw writes a raw request and reads the response.
func sendRaw(t *testing.T, proxyAddr, request string) *http.Response {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, err = conn.Write([]byte(request))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	return resp
}

// writeTestCertificate writes a self-signed certificate for 127.0.0.1. With
// a password the key is stored as encrypted PKCS#8.
func writeTestCertificate(t *testing.T, password string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "meterproxy-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	var keyBlock *pem.Block
	if password == "" {
		keyDER, err := x509.MarshalPKCS8PrivateKey(key)
		require.NoError(t, err)
		keyBlock = &pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}
	} else {
		keyDER, err := pkcs8.MarshalPrivateKey(key, []byte(password), nil)
		require.NoError(t, err)
		keyBlock = &pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: keyDER}
	}

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(keyBlock), 0o600))
	return certFile, keyFile
}
