package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// RequestKind is the routing decision for a parsed request.
type RequestKind int32

const (
	KindMalformed RequestKind = iota
	KindTunnel                // CONNECT host:port
	KindForward               // absolute-URI request
	KindLocal                 // origin-form request addressed to the proxy itself
)

func (k RequestKind) String() string {
	switch k {
	case KindTunnel:
		return "tunnel"
	case KindForward:
		return "forward"
	case KindLocal:
		return "local"
	default:
		return "malformed"
	}
}

// Classified is the outcome of classifying one request.
type Classified struct {
	Kind    RequestKind
	Request *http.Request
	Host    string // target host without brackets, empty for local requests
	Port    int
	Scheme  string // http or https for forward requests
}

// Target returns the host:port to dial.
func (c Classified) Target() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// readRequest parses one request head from br.
func readRequest(br *bufio.Reader) (*http.Request, error) {
	req, err := http.ReadRequest(br)
	if err == nil {
		return req, nil
	}
	switch {
	case errors.Is(err, io.EOF):
		return nil, newCodedError(ErrCodeClientClosed, err)
	case isTimeout(err):
		return nil, newCodedError(ErrCodeHeaderTimeout, err)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return nil, newCodedError(ErrCodeClientReset, err)
	default:
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return nil, newCodedError(ErrCodeClientReset, err)
		}
		return nil, newCodedError(ErrCodeMalformedRequest, err)
	}
}

// Classify decides how a parsed request is served. It has no side effects.
func Classify(req *http.Request) (Classified, error) {
	if req == nil {
		return Classified{}, newCodedError(ErrCodeMalformedRequest, errors.New("no request"))
	}

	if req.Method == http.MethodConnect {
		host, port, err := splitConnectTarget(req.RequestURI)
		if err != nil {
			return Classified{Request: req}, newCodedError(ErrCodeInvalidConnectTarget, err)
		}
		return Classified{Kind: KindTunnel, Request: req, Host: host, Port: port}, nil
	}

	if req.URL == nil {
		return Classified{Request: req}, newCodedError(ErrCodeMalformedRequest, errors.New("missing request target"))
	}

	if req.URL.IsAbs() {
		scheme := strings.ToLower(req.URL.Scheme)
		var defaultPort int
		switch scheme {
		case "http":
			defaultPort = 80
		case "https":
			defaultPort = 443
		default:
			return Classified{Request: req}, newCodedError(ErrCodeUnsupportedScheme, fmt.Errorf("scheme %q", req.URL.Scheme))
		}
		host := req.URL.Hostname()
		if host == "" {
			return Classified{Request: req}, newCodedError(ErrCodeMalformedRequest, errors.New("absolute URI without host"))
		}
		port := defaultPort
		if p := req.URL.Port(); p != "" {
			parsed, err := parsePort(p)
			if err != nil {
				return Classified{Request: req}, newCodedError(ErrCodeMalformedRequest, err)
			}
			port = parsed
		}
		return Classified{Kind: KindForward, Request: req, Host: host, Port: port, Scheme: scheme}, nil
	}

	if strings.HasPrefix(req.RequestURI, "/") || req.RequestURI == "*" {
		return Classified{Kind: KindLocal, Request: req}, nil
	}

	return Classified{Request: req}, newCodedError(ErrCodeMalformedRequest, fmt.Errorf("request target %q", req.RequestURI))
}

// splitConnectTarget validates an authority-form CONNECT target.
func splitConnectTarget(target string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return "", 0, fmt.Errorf("CONNECT target %q: %w", target, err)
	}
	if host == "" {
		return "", 0, fmt.Errorf("CONNECT target %q has no host", target)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("CONNECT target %q: %w", target, err)
	}
	return host, port, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}
