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
	"net/textproto"
	"strings"
	"time"

	"github.com/codefionn/meterproxy/meterproxy-srv/logger"
	"golang.org/x/net/http/httpguts"
)

// Hop-by-hop headers. These are removed when sent to the next hop.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// isUpgradeRequest reports whether h asks for a protocol upgrade.
func isUpgradeRequest(h http.Header) bool {
	return httpguts.HeaderValuesContainsToken(h["Connection"], "upgrade") && h.Get("Upgrade") != ""
}

// removeHopByHopHeaders deletes hop-by-hop headers and the headers named by
// Connection. With keepUpgrade the Upgrade handshake headers survive.
func removeHopByHopHeaders(h http.Header, keepUpgrade bool) {
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			name = textproto.TrimString(name)
			if name == "" || (keepUpgrade && strings.EqualFold(name, "Upgrade")) {
				continue
			}
			h.Del(name)
		}
	}
	for _, name := range hopByHopHeaders {
		if keepUpgrade && (name == "Connection" || name == "Upgrade") {
			continue
		}
		h.Del(name)
	}
	if keepUpgrade {
		h.Set("Connection", "Upgrade")
	}
}

// trackedBody remembers read errors of the client request body.
type trackedBody struct {
	io.ReadCloser
	err error
}

func (b *trackedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		b.err = err
	}
	return n, err
}

// outboundRequest rewrites a proxy request into the origin-form request sent
// upstream.
func outboundRequest(ctx context.Context, req *http.Request) (*http.Request, *trackedBody) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	out.Host = req.URL.Host

	upgrade := isUpgradeRequest(req.Header)
	removeHopByHopHeaders(out.Header, upgrade)
	if _, ok := out.Header["User-Agent"]; !ok {
		// suppress the Go default
		out.Header["User-Agent"] = []string{""}
	}
	out.Close = !upgrade

	body := &trackedBody{ReadCloser: req.Body}
	if req.Body == nil || req.Body == http.NoBody {
		body.ReadCloser = http.NoBody
	} else {
		out.Body = body
	}
	return out, body
}

// prepareResponse makes resp fit for the client. It always closes the
// client connection after the body.
func prepareResponse(req *http.Request, resp *http.Response) {
	removeHopByHopHeaders(resp.Header, false)
	resp.Proto = "HTTP/1.1"
	resp.ProtoMajor = 1
	resp.ProtoMinor = 1
	resp.Close = true
	if !req.ProtoAtLeast(1, 1) {
		resp.TransferEncoding = nil
	}
}

// writeResponseHead writes the status line and headers of resp. It is used
// for 1xx responses, which have no body.
func writeResponseHead(w io.Writer, resp *http.Response) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", resp.StatusCode, http.StatusText(resp.StatusCode)); err != nil {
		return err
	}
	if err := resp.Header.Write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// expectsContinue reports whether the client waits for 100 Continue before
// sending the request body.
func expectsContinue(req *http.Request) bool {
	return req.Body != nil && req.Body != http.NoBody &&
		httpguts.HeaderValuesContainsToken(req.Header["Expect"], "100-continue")
}

// readFinalResponse reads responses from the origin until one is final.
// Interim 1xx responses other than 101 are relayed to clients speaking
// HTTP/1.1 and dropped for older ones. relayErr reports a failed write to
// the client.
func readFinalResponse(r *bufio.Reader, req *http.Request, client io.Writer, relayInterim bool) (resp *http.Response, relayErr, err error) {
	for {
		resp, err = http.ReadResponse(r, req)
		if err != nil {
			return nil, nil, err
		}
		if resp.StatusCode >= 200 || resp.StatusCode < 100 || resp.StatusCode == http.StatusSwitchingProtocols {
			return resp, nil, nil
		}
		if relayInterim {
			if err := writeResponseHead(client, resp); err != nil {
				return nil, err, nil
			}
		}
	}
}

// requestWriter writes a request upstream in the background.
type requestWriter struct {
	done chan struct{}
	err  error
}

func startRequestWriter(write func() error) *requestWriter {
	w := &requestWriter{done: make(chan struct{})}
	go func() {
		defer close(w.done)
		w.err = write()
	}()
	return w
}

// failed returns the write error if the writer already finished.
func (w *requestWriter) failed() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// abandon stops a writer that is still waiting for the request body and
// waits for it to return.
func (w *requestWriter) abandon(client *idleConn, upstream net.Conn) {
	select {
	case <-w.done:
		return
	default:
	}
	_ = upstream.Close()
	client.SetIdleTimeout(0)
	for {
		_ = client.SetReadDeadline(time.Now())
		select {
		case <-w.done:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// handleForward sends one absolute-URI request upstream and streams the
// response back. Requests are never retried.
func (p *Proxy) handleForward(ctx context.Context, cc *ConnContext, conn *idleConn, br *bufio.Reader, cl Classified) {
	cfg := p.Config()
	req := cl.Request

	meter := p.newMeter(ctx, cc, cl, "forward")
	reason := ReasonUpstreamError
	defer func() {
		meter.Finish(reason)
	}()

	logger.Debug("%s", logger.WithConnectionID(cc.ID, "%s %s", req.Method, req.URL.Redacted()))

	raw, err := p.Dialer().DialContext(ctx, "tcp", cl.Target())
	if err != nil {
		logger.Warn("%s", logger.WithConnectionID(cc.ID, "forward to %s failed: %v", cl.Target(), err))
		p.recordError(ctx, cc, err)
		_ = writeErrorResponse(conn, err, ErrCodeUpstreamConnectFailed)
		return
	}
	upstream := newIdleConn(raw)
	defer upstream.Close()
	stop := context.AfterFunc(ctx, func() { _ = upstream.Close() })
	defer stop()

	var upstreamConn net.Conn = upstream
	if cl.Scheme == "https" {
		tlsConn := tls.Client(upstream, &tls.Config{
			ServerName: cl.Host,
			NextProtos: []string{"http/1.1"},
			MinVersion: tls.VersionTLS12,
		})
		hctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout())
		err := tlsConn.HandshakeContext(hctx)
		cancel()
		if err != nil {
			err = newCodedError(ErrCodeTLSUpstreamFailed, fmt.Errorf("%s: %w", cl.Target(), err))
			logger.Warn("%s", logger.WithConnectionID(cc.ID, "%v", err))
			p.recordError(ctx, cc, err)
			_ = writeErrorResponse(conn, err, ErrCodeTLSUpstreamFailed)
			return
		}
		upstreamConn = tlsConn
	}

	idle := cfg.IdleTimeout()
	conn.SetIdleTimeout(idle)
	upstream.SetIdleTimeout(idle)

	outReq, body := outboundRequest(ctx, req)
	bw := bufio.NewWriter(&meteredWriter{w: upstreamConn, add: meter.AddSent})
	writeRequest := func() error {
		if err := outReq.Write(bw); err != nil {
			return err
		}
		return bw.Flush()
	}
	writeFailed := func(err error) {
		if body.err != nil {
			logger.Debug("%s", logger.WithConnectionID(cc.ID, "client aborted request body: %v", body.err))
			reason = ReasonReset
			return
		}
		err = wrapDialError(ErrCodeConnectionClosed, fmt.Errorf("write request to %s: %w", cl.Target(), err))
		p.recordError(ctx, cc, err)
		_ = writeErrorResponse(conn, err, ErrCodeConnectionClosed)
	}

	upstreamReader := bufio.NewReader(upstreamConn)
	client := &meteredWriter{w: conn, add: meter.AddReceived}

	var writer *requestWriter
	if expectsContinue(req) {
		// The client holds the body back until the origin's 100 Continue
		// reaches it, so the request is written while responses are read.
		writer = startRequestWriter(writeRequest)
		defer writer.abandon(conn, upstream)
	} else if err := writeRequest(); err != nil {
		writeFailed(err)
		return
	}

	resp, relayErr, err := readFinalResponse(upstreamReader, outReq, client, req.ProtoAtLeast(1, 1))
	if relayErr != nil {
		logger.Debug("%s", logger.WithConnectionID(cc.ID, "interim response relay ended: %v", relayErr))
		reason = ReasonReset
		return
	}
	if err != nil {
		if writer != nil {
			if werr := writer.failed(); werr != nil {
				writeFailed(werr)
				return
			}
		}
		err = wrapDialError(ErrCodeUpstreamResponseFailed, fmt.Errorf("read response from %s: %w", cl.Target(), err))
		logger.Warn("%s", logger.WithConnectionID(cc.ID, "%v", err))
		p.recordError(ctx, cc, err)
		_ = writeErrorResponse(conn, err, ErrCodeUpstreamResponseFailed)
		return
	}
	defer resp.Body.Close()
	_ = cc.Advance(StateActive)

	if resp.StatusCode == http.StatusSwitchingProtocols && isUpgradeRequest(req.Header) {
		removeHopByHopHeaders(resp.Header, true)
		if err := writeResponseHead(client, resp); err != nil {
			reason = ReasonReset
			return
		}
		conn.SetIdleTimeout(0)
		upstream.SetIdleTimeout(0)
		reason = relayConns(ctx,
			relayEnd{conn: conn, reader: br},
			relayEnd{conn: upstreamConn, reader: upstreamReader},
			meter, idle, cfg.LingerTimeout())
		return
	}

	prepareResponse(req, resp)
	if cfg.Compression {
		if coding := compressionFor(req, resp); coding != "" {
			compressResponse(req, resp, coding)
		}
	}

	cw := bufio.NewWriterSize(client, relayBufferSize)
	err = resp.Write(cw)
	if err == nil {
		err = cw.Flush()
	}
	if err != nil {
		if !errors.Is(err, net.ErrClosed) {
			logger.Debug("%s", logger.WithConnectionID(cc.ID, "response relay ended: %v", err))
		}
		reason = ReasonReset
		return
	}
	reason = ReasonCompleted
}
