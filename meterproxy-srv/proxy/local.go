package proxy

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/codefionn/meterproxy/meterproxy-srv/logger"
)

// localResponseWriter writes a handler response straight onto the client
// connection. The connection closes after the response.
type localResponseWriter struct {
	w           *bufio.Writer
	req         *http.Request
	header      http.Header
	status      int
	wroteHeader bool
	err         error
}

func newLocalResponseWriter(w *bufio.Writer, req *http.Request) *localResponseWriter {
	return &localResponseWriter{w: w, req: req, header: make(http.Header)}
}

func (lw *localResponseWriter) Header() http.Header {
	return lw.header
}

func (lw *localResponseWriter) WriteHeader(status int) {
	if lw.wroteHeader {
		return
	}
	lw.wroteHeader = true
	lw.status = status

	lw.header.Set("Connection", "close")
	if lw.header.Get("Date") == "" {
		lw.header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}

	if _, err := fmt.Fprintf(lw.w, "HTTP/1.1 %03d %s\r\n", status, http.StatusText(status)); err != nil {
		lw.err = err
		return
	}
	if err := lw.header.Write(lw.w); err != nil {
		lw.err = err
		return
	}
	_, lw.err = lw.w.WriteString("\r\n")
}

func (lw *localResponseWriter) Write(p []byte) (int, error) {
	if !lw.wroteHeader {
		if lw.header.Get("Content-Type") == "" {
			lw.header.Set("Content-Type", http.DetectContentType(p))
		}
		lw.WriteHeader(http.StatusOK)
	}
	if lw.err != nil {
		return 0, lw.err
	}
	if lw.req.Method == http.MethodHead {
		return len(p), nil
	}
	n, err := lw.w.Write(p)
	if err != nil {
		lw.err = err
	}
	return n, err
}

func (lw *localResponseWriter) Flush() {
	if !lw.wroteHeader {
		lw.WriteHeader(http.StatusOK)
	}
	if lw.err == nil {
		lw.err = lw.w.Flush()
	}
}

// finish completes the response after the handler returned.
func (lw *localResponseWriter) finish() error {
	if !lw.wroteHeader {
		lw.header.Set("Content-Length", "0")
		lw.WriteHeader(http.StatusOK)
	}
	if lw.err != nil {
		return lw.err
	}
	return lw.w.Flush()
}

// adminAllowed reports whether addr may send local requests.
func (p *Proxy) adminAllowed(addr netip.Addr) bool {
	cfg := p.Config()
	if !cfg.Admin.Enabled || p.local == nil {
		return false
	}
	nets := p.adminNets.Load()
	if nets == nil || len(*nets) == 0 {
		return addr.IsLoopback()
	}
	for _, prefix := range *nets {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// handleLocal serves a request addressed to the proxy itself.
func (p *Proxy) handleLocal(ctx context.Context, cc *ConnContext, conn *idleConn, cl Classified) {
	req := cl.Request.WithContext(ctx)
	req.RemoteAddr = cc.ClientAddr.String()
	if req.Host == "" {
		req.Host = conn.LocalAddr().String()
	}
	_ = cc.Advance(StateActive)

	conn.SetIdleTimeout(p.Config().IdleTimeout())
	lw := newLocalResponseWriter(bufio.NewWriterSize(conn, 4096), req)

	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("%s", logger.WithConnectionID(cc.ID, "local handler panic: %v", r))
				if !lw.wroteHeader {
					lw.header = make(http.Header)
					lw.header.Set("Content-Length", strconv.Itoa(0))
					lw.header.Set("X-Proxy-Error", ErrCodeInternalError)
					lw.WriteHeader(http.StatusInternalServerError)
				}
			}
		}()
		p.local.ServeHTTP(lw, req)
	}()

	if err := lw.finish(); err != nil {
		logger.Debug("%s", logger.WithConnectionID(cc.ID, "local response write failed: %v", err))
	}
	logger.Debug("%s", logger.WithConnectionID(cc.ID, "%s %s -> %d", req.Method, req.URL.Path, lw.status))
}
