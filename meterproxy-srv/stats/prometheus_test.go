package stats

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollectorCounters(t *testing.T) {
	p := NewPrometheusCollector()
	ctx := context.Background()

	info := testConnection("c1", "video.example.com")
	require.NoError(t, p.StartConnection(ctx, info))
	require.NoError(t, p.RecordDataTransfer(ctx, "c1", 100, 2048, info.Labels()))
	require.NoError(t, p.RecordDataTransfer(ctx, "c1", 28, 0, info.Labels()))

	assert.Equal(t, 128.0, testutil.ToFloat64(p.bytes.WithLabelValues("sent", "alice", "video")))
	assert.Equal(t, 2048.0, testutil.ToFloat64(p.bytes.WithLabelValues("received", "alice", "video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.connections.WithLabelValues("tunnel", "plain")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.active))

	require.NoError(t, p.EndConnection(ctx, "c1", 128, 2048, 2*time.Second, "closed"))
	assert.Equal(t, 0.0, testutil.ToFloat64(p.active))
	assert.Equal(t, 1, testutil.CollectAndCount(p.duration))

	require.NoError(t, p.RecordBlockedRequest(ctx, "10.0.0.1", "", "locked_out"))
	require.NoError(t, p.RecordError(ctx, "c1", "upstream", "refused"))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.blocked.WithLabelValues("locked_out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.errors.WithLabelValues("upstream")))
}

func TestPrometheusCollectorQueriesNotSupported(t *testing.T) {
	p := NewPrometheusCollector()
	_, err := p.GetOverviewStats(context.Background())
	assert.ErrorIs(t, err, ErrQueriesNotSupported)
	_, err = p.GetTopTargets(context.Background(), 10)
	assert.ErrorIs(t, err, ErrQueriesNotSupported)
}

func TestPrometheusHandler(t *testing.T) {
	p := NewPrometheusCollector()
	require.NoError(t, p.RecordDataTransfer(context.Background(), "c1", 7, 0, Labels{Identity: "bob", TargetClass: "other"}))

	server := httptest.NewServer(p.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `meterproxy_bytes_total{direction="sent",identity="bob",target_class="other"} 7`)
	assert.Contains(t, string(body), "go_goroutines")
}
