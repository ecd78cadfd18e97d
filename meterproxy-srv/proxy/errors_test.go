package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassOfAndStatusFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		class  ErrorClass
		status int
	}{
		{"malformed", newCodedError(ErrCodeMalformedRequest, nil), ClassProtocol, http.StatusBadRequest},
		{"header timeout", newCodedError(ErrCodeHeaderTimeout, nil), ClassProtocol, http.StatusRequestTimeout},
		{"auth", newCodedError(ErrCodeAuthenticationFailed, nil), ClassAuth, http.StatusForbidden},
		{"dial failed", newCodedError(ErrCodeDialFailed, errors.New("refused")), ClassUpstream, http.StatusBadGateway},
		{"dial timeout", newCodedError(ErrCodeConnectionTimeout, nil), ClassUpstream, http.StatusGatewayTimeout},
		{"wrapped timeout", newCodedError(ErrCodeSOCKS5ConnectFailed, timeoutError{}), ClassUpstream, http.StatusGatewayTimeout},
		{"deadline", newCodedError(ErrCodeUpstreamResponseFailed, context.DeadlineExceeded), ClassUpstream, http.StatusGatewayTimeout},
		{"proxy chain", newCodedError(ErrCodeProxyDenied, nil), ClassUpstream, http.StatusBadGateway},
		{"upstream tls", newCodedError(ErrCodeTLSUpstreamFailed, nil), ClassUpstream, http.StatusBadGateway},
		{"client reset", newCodedError(ErrCodeClientReset, nil), ClassTransport, 0},
		{"tls handshake", newCodedError(ErrCodeTLSHandshakeFailed, nil), ClassTransport, 0},
		{"internal", newCodedError(ErrCodeInternalError, nil), ClassInternal, http.StatusInternalServerError},
		{"uncoded", errors.New("boom"), ClassInternal, http.StatusInternalServerError},
		{"wrapped coded", fmt.Errorf("outer: %w", newCodedError(ErrCodeMalformedRequest, nil)), ClassProtocol, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.class, ClassOf(tt.err))
			assert.Equal(t, tt.status, StatusFor(tt.err))
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	err := newCodedError(ErrCodeDialFailed, errors.New("refused"))
	assert.Equal(t, "[E2009] Failed to dial target address: refused", err.Error())
	assert.Equal(t, "refused", errors.Unwrap(err).Error())
	assert.Equal(t, "[E7008] Too many authentication failures", newCodedError(ErrCodeLockedOut, nil).Error())
	assert.Equal(t, "Unknown error code", GetErrorDescription("E0000"))
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "protocol", ClassProtocol.String())
	assert.Equal(t, "auth", ClassAuth.String())
	assert.Equal(t, "upstream", ClassUpstream.String())
	assert.Equal(t, "transport", ClassTransport.String())
	assert.Equal(t, "internal", ClassInternal.String())
}

func TestWriteStatusResponse(t *testing.T) {
	var buf bytes.Buffer
	extra := http.Header{"Proxy-Authenticate": {`Basic realm="test"`}}
	require.NoError(t, writeStatusResponse(&buf, http.StatusProxyAuthRequired, ErrCodeAuthenticationFailed, extra))

	resp, err := http.ReadResponse(bufio.NewReader(&buf), nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusProxyAuthRequired, resp.StatusCode)
	assert.Equal(t, ErrCodeAuthenticationFailed, resp.Header.Get("X-Proxy-Error"))
	assert.Equal(t, `Basic realm="test"`, resp.Header.Get("Proxy-Authenticate"))
	assert.True(t, resp.Close)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Authentication failed")
	assert.Equal(t, int64(len(body)), resp.ContentLength)
}

func TestWriteErrorResponseSkipsTransportErrors(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeErrorResponse(&buf, newCodedError(ErrCodeClientReset, nil), ErrCodeInternalError))
	assert.Zero(t, buf.Len())

	require.NoError(t, writeErrorResponse(&buf, errors.New("plain"), ErrCodeInternalError))
	resp, err := http.ReadResponse(bufio.NewReader(&buf), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, ErrCodeInternalError, resp.Header.Get("X-Proxy-Error"))
}

func TestBadGatewayResponse(t *testing.T) {
	resp := NewBadGatewayResponse(ErrCodeDialFailed)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "502 Bad Gateway", resp.Status)
	assert.Equal(t, ErrCodeDialFailed, resp.Header.Get("X-Proxy-Error"))
}
