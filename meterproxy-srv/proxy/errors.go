package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// newCodedError creates an Error with the registered description of code
func newCodedError(code string, cause error) *Error {
	return NewProxyError(code, GetErrorDescription(code), cause)
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeNoEnabledServers     = "E1001"
	ErrCodeUnknownProxyType     = "E1007"
	ErrCodeListenerCreateFailed = "E1008"
	ErrCodeInvalidServerConfig  = "E1010"
	ErrCodeTLSConfigFailed      = "E1011"

	// Upstream Connection Errors (E2000-E2999)
	ErrCodeConnectionTimeout      = "E2002"
	ErrCodeConnectionClosed       = "E2008"
	ErrCodeDialFailed             = "E2009"
	ErrCodeUpstreamConnectFailed  = "E2010"
	ErrCodeUpstreamResponseFailed = "E2011"

	// TLS and Client Transport Errors (E3000-E3999)
	ErrCodeTLSHandshakeFailed = "E3001"
	ErrCodeX509KeyPairFailed  = "E3006"
	ErrCodeTLSUpstreamFailed  = "E3007"
	ErrCodeClientReset        = "E3010"
	ErrCodeClientClosed       = "E3011"

	// HTTP Protocol Errors (E4000-E4999)
	ErrCodeMalformedRequest     = "E4012"
	ErrCodeInvalidConnectTarget = "E4013"
	ErrCodeUnsupportedScheme    = "E4014"
	ErrCodeHeaderTimeout        = "E4015"

	// Proxy Chain Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed     = "E6001"
	ErrCodeSOCKS5ConnectFailed    = "E6002"
	ErrCodeHTTPProxyDialFailed    = "E6003"
	ErrCodeHTTPProxyConnectFailed = "E6004"
	ErrCodeCONNECTRequestFailed   = "E6005"
	ErrCodeCONNECTResponseFailed  = "E6006"
	ErrCodeProxyDenied            = "E6008"

	// Access Control Errors (E7000-E7999)
	ErrCodeAddressDenied        = "E7001"
	ErrCodeAuthenticationFailed = "E7005"
	ErrCodeLockedOut            = "E7008"
	ErrCodeLocalAccessDenied    = "E7009"

	// Internal and System Errors (E9900-E9999)
	ErrCodeInternalError   = "E9901"
	ErrCodeAccountingError = "E9906"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeNoEnabledServers:     "No enabled proxy servers configured",
	ErrCodeUnknownProxyType:     "Unknown or unsupported upstream type",
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeInvalidServerConfig:  "Invalid server configuration",
	ErrCodeTLSConfigFailed:      "Failed to load listener TLS material",

	ErrCodeConnectionTimeout:      "Connection attempt timed out",
	ErrCodeConnectionClosed:       "Connection closed unexpectedly",
	ErrCodeDialFailed:             "Failed to dial target address",
	ErrCodeUpstreamConnectFailed:  "Failed to connect to upstream server",
	ErrCodeUpstreamResponseFailed: "Failed to read upstream response",

	ErrCodeTLSHandshakeFailed: "TLS handshake failed",
	ErrCodeX509KeyPairFailed:  "Failed to create X.509 key pair",
	ErrCodeTLSUpstreamFailed:  "TLS handshake with upstream server failed",
	ErrCodeClientReset:        "Client connection reset",
	ErrCodeClientClosed:       "Client closed the connection",

	ErrCodeMalformedRequest:     "Malformed HTTP request",
	ErrCodeInvalidConnectTarget: "CONNECT target must be host:port",
	ErrCodeUnsupportedScheme:    "Unsupported URI scheme",
	ErrCodeHeaderTimeout:        "Timed out reading request header",

	ErrCodeSOCKS5DialerFailed:     "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed:    "SOCKS5 connection failed",
	ErrCodeHTTPProxyDialFailed:    "Failed to dial HTTP proxy server",
	ErrCodeHTTPProxyConnectFailed: "HTTP proxy connection failed",
	ErrCodeCONNECTRequestFailed:   "Failed to send CONNECT request",
	ErrCodeCONNECTResponseFailed:  "Failed to read CONNECT response",
	ErrCodeProxyDenied:            "Upstream proxy denied the request",

	ErrCodeAddressDenied:        "Client address denied by policy",
	ErrCodeAuthenticationFailed: "Authentication failed",
	ErrCodeLockedOut:            "Too many authentication failures",
	ErrCodeLocalAccessDenied:    "Local requests are not allowed from this address",

	ErrCodeInternalError:   "Internal proxy error",
	ErrCodeAccountingError: "Traffic accounting failed",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// ErrorClass is the handling class of an error.
type ErrorClass int

const (
	ClassInternal  ErrorClass = iota // logged, never aborts a healthy connection
	ClassProtocol                    // 400-class response, close
	ClassAuth                        // 401/403/407 response, close
	ClassUpstream                    // 502/504 response, no retry
	ClassTransport                   // silent close
)

func (c ErrorClass) String() string {
	switch c {
	case ClassProtocol:
		return "protocol"
	case ClassAuth:
		return "auth"
	case ClassUpstream:
		return "upstream"
	case ClassTransport:
		return "transport"
	default:
		return "internal"
	}
}

// ClassOf maps an error to its class by code family. Errors without a code
// are internal.
func ClassOf(err error) ErrorClass {
	var proxyErr *Error
	if !errors.As(err, &proxyErr) {
		return ClassInternal
	}
	code := proxyErr.Code
	switch {
	case code >= "E2000" && code < "E3000":
		return ClassUpstream
	case code == ErrCodeTLSUpstreamFailed:
		return ClassUpstream
	case code >= "E3000" && code < "E4000":
		return ClassTransport
	case code >= "E4000" && code < "E5000":
		return ClassProtocol
	case code >= "E6000" && code < "E7000":
		return ClassUpstream
	case code >= "E7000" && code < "E8000":
		return ClassAuth
	default:
		return ClassInternal
	}
}

// isTimeout reports whether err is a network timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// StatusFor returns the status a client should see for err. Zero means no
// response is sent.
func StatusFor(err error) int {
	switch ClassOf(err) {
	case ClassProtocol:
		var proxyErr *Error
		if errors.As(err, &proxyErr) && proxyErr.Code == ErrCodeHeaderTimeout {
			return http.StatusRequestTimeout
		}
		return http.StatusBadRequest
	case ClassAuth:
		return http.StatusForbidden
	case ClassUpstream:
		var proxyErr *Error
		if errors.As(err, &proxyErr) && proxyErr.Code == ErrCodeConnectionTimeout {
			return http.StatusGatewayTimeout
		}
		if isTimeout(err) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case ClassTransport:
		return 0
	default:
		return http.StatusInternalServerError
	}
}

// codeOf returns the code of err or fallback.
func codeOf(err error, fallback string) string {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code
	}
	return fallback
}

// NewErrorResponse creates an HTML error response carrying the error code in
// the X-Proxy-Error header.
func NewErrorResponse(status int, errorCode string) *http.Response {
	description := GetErrorDescription(errorCode)
	title := fmt.Sprintf("%d %s", status, http.StatusText(status))
	htmlBody := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>%s</title>
</head>
<body>
    <h1>%s</h1>
    <p><b>Error Code:</b> %s</p>
    <p><b>Description:</b> %s</p>
</body>
</html>
`, title, title, errorCode, description)

	bodyBytes := []byte(htmlBody)

	header := make(http.Header)
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(bodyBytes)))
	header.Set("X-Proxy-Error", errorCode)

	return &http.Response{
		Status:        title,
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(bodyBytes)),
		ContentLength: int64(len(bodyBytes)),
		Close:         true,
	}
}

// NewBadGatewayResponse creates a 502 response for errorCode.
func NewBadGatewayResponse(errorCode string) *http.Response {
	return NewErrorResponse(http.StatusBadGateway, errorCode)
}

// writeErrorResponse writes the response for err to w. Transport errors
// produce no response.
func writeErrorResponse(w io.Writer, err error, fallbackCode string) error {
	status := StatusFor(err)
	if status == 0 {
		return nil
	}
	return writeStatusResponse(w, status, codeOf(err, fallbackCode), nil)
}

// writeStatusResponse writes an error page with extra headers and flushes it.
func writeStatusResponse(w io.Writer, status int, errorCode string, extra http.Header) error {
	resp := NewErrorResponse(status, errorCode)
	for key, values := range extra {
		for _, value := range values {
			resp.Header.Add(key, value)
		}
	}
	bw := bufio.NewWriter(w)
	if err := resp.Write(bw); err != nil {
		return err
	}
	return bw.Flush()
}
