package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/codefionn/meterproxy/meterproxy-srv/config"
	"github.com/codefionn/meterproxy/meterproxy-srv/logger"
	"github.com/codefionn/meterproxy/meterproxy-srv/proxy"
	"github.com/codefionn/meterproxy/meterproxy-srv/stats"
	"golang.org/x/sync/errgroup"
)

var (
	mode        = flag.String("mode", "tunnel", "Traffic to generate: tunnel or forward")
	numRequests = flag.Int("numRequests", 100, "Total number of tunnels or requests")
	concurrency = flag.Int("concurrency", 10, "Number of concurrent workers")
	testTimeout = flag.Duration("timeout", 30*time.Second, "Overall test timeout")
	dataSize    = flag.Int("dataSize", 1024*1024, "Payload size in bytes per tunnel or request")
)

// observed is what the clients saw on the wire.
type observed struct {
	sent     atomic.Int64
	received atomic.Int64
}

func dataHandler(buf []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		if _, err := w.Write(buf); err != nil {
			logger.Error("failed to write data: %v", err)
		}
	}
}

func echo(conn net.Conn) {
	defer conn.Close()
	_, _ = io.Copy(conn, conn)
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
	}
}

func startEcho() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go echo(conn)
		}
	}()
	return ln.Addr().String(), nil
}

// runTunnel pushes payload through a CONNECT tunnel to the echo server and
// reads it back.
func runTunnel(ctx context.Context, proxyAddr, target string, payload []byte, obs *observed) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return fmt.Errorf("dial proxy: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target); err != nil {
		return fmt.Errorf("write CONNECT: %w", err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		return fmt.Errorf("read CONNECT response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("CONNECT status %d", resp.StatusCode)
	}

	writeErr := make(chan error, 1)
	go func() {
		n, err := conn.Write(payload)
		obs.sent.Add(int64(n))
		if err == nil {
			err = conn.(*net.TCPConn).CloseWrite()
		}
		writeErr <- err
	}()

	n, err := io.Copy(io.Discard, br)
	obs.received.Add(n)
	if err != nil {
		return fmt.Errorf("read echo: %w", err)
	}
	if err := <-writeErr; err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	if n != int64(len(payload)) {
		return fmt.Errorf("echoed %d of %d bytes", n, len(payload))
	}
	return nil
}

func runForward(ctx context.Context, client *http.Client, targetURL string, obs *observed) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	n, err := io.Copy(io.Discard, resp.Body)
	obs.received.Add(n)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if n != int64(*dataSize) {
		return fmt.Errorf("read %d of %d bytes", n, *dataSize)
	}
	return nil
}

func main() {
	flag.Parse()
	logger.SetLevel(logger.ERROR)

	ctx, cancel := context.WithTimeout(context.Background(), *testTimeout)
	defer cancel()

	payload := make([]byte, *dataSize)
	for i := range payload {
		payload[i] = 'a'
	}

	echoAddr, err := startEcho()
	if err != nil {
		logger.Fatal("echo server: %v", err)
	}
	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Fatal("data server: %v", err)
	}
	go func() { _ = http.Serve(targetLn, dataHandler(payload)) }()

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Fatal("proxy listener: %v", err)
	}
	cfg := config.DefaultConfig()
	cfg.Servers = []config.ServerConfig{{ListenAddress: proxyLn.Addr().String(), Enabled: true, MaxConnections: *concurrency * 2}}
	cfg.Access.DefaultPolicy = config.ActionAllow
	cfg.Compression = false

	agg := stats.NewAggregator()
	p, err := proxy.NewProxy(cfg, agg, nil)
	if err != nil {
		logger.Fatal("proxy: %v", err)
	}
	go func() {
		if err := p.StartWithListener(proxyLn); err != nil {
			logger.Error("Proxy server error: %v", err)
		}
	}()

	proxyURL := &url.URL{Scheme: "http", Host: proxyLn.Addr().String()}
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}, Timeout: 10 * time.Second}
	targetURL := "http://" + targetLn.Addr().String() + "/data"

	var obs observed
	var failures atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*concurrency)

	start := time.Now()
	for i := 0; i < *numRequests; i++ {
		g.Go(func() error {
			var err error
			if *mode == "forward" {
				err = runForward(gctx, client, targetURL, &obs)
			} else {
				err = runTunnel(gctx, proxyLn.Addr().String(), echoAddr, payload, &obs)
			}
			if err != nil {
				failures.Add(1)
				logger.Error("%s: %v", *mode, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	dur := time.Since(start)

	if err := p.Shutdown(context.Background()); err != nil {
		logger.Error("shutdown: %v", err)
	}
	snap := agg.Snapshot()

	success := int64(*numRequests) - failures.Load()
	fmt.Printf("Mode: %s, Duration: %.2f s, Success: %d, Errors: %d\n", *mode, dur.Seconds(), success, failures.Load())
	fmt.Printf("RPS: %.2f, Throughput: %.2f MB/s\n",
		float64(success)/dur.Seconds(),
		float64(obs.received.Load())/dur.Seconds()/1024/1024)
	fmt.Printf("Client sent: %d, received: %d\n", obs.sent.Load(), obs.received.Load())
	fmt.Printf("Accounted sent: %d, received: %d, active: %d\n", snap.TotalBytesSent, snap.TotalBytesReceived, snap.ActiveConnections)

	ok := failures.Load() == 0 && ctx.Err() == nil && snap.ActiveConnections == 0
	switch *mode {
	case "forward":
		// Accounted bytes include request and response heads.
		ok = ok && snap.TotalBytesReceived >= obs.received.Load()
	default:
		ok = ok && snap.TotalBytesSent == obs.sent.Load() && snap.TotalBytesReceived == obs.received.Load()
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "Test failed: errors, timeout or accounting mismatch")
		os.Exit(1)
	}
}
