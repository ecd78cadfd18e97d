package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestMultiCollectorFansOut(t *testing.T) {
	primary := NewAggregator()
	secondary := newRecordingCollector()
	multi := NewMultiCollector(primary, secondary)
	ctx := context.Background()
	labels := Labels{Identity: "alice", TargetClass: "video"}

	require.NoError(t, multi.StartConnection(ctx, testConnection("c1", "example.com")))
	require.NoError(t, multi.RecordDataTransfer(ctx, "c1", 3, 4, labels))
	require.NoError(t, multi.EndConnection(ctx, "c1", 3, 4, time.Second, "closed"))

	assert.Equal(t, []string{"start:c1", "transfer:c1", "end:c1"}, secondary.Events())
	assert.Equal(t, int64(3), primary.Snapshot().TotalBytesSent)

	overview, err := multi.GetOverviewStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), overview.TotalConnections)

	require.NoError(t, multi.Close())
	assert.Equal(t, 1, secondary.closed)
	assert.Len(t, multi.Collectors(), 2)
}

func TestMultiCollectorJoinsErrors(t *testing.T) {
	failing := &mockCollector{}
	backendErr := errors.New("write failed")
	failing.On("RecordBlockedRequest", mock.Anything, "10.0.0.1", "", "address_denied").Return(backendErr)

	healthy := NewAggregator()
	multi := NewMultiCollector(failing, healthy)

	err := multi.RecordBlockedRequest(context.Background(), "10.0.0.1", "", "address_denied")
	assert.ErrorIs(t, err, backendErr)

	// The healthy collector still saw the write
	overview, err := healthy.GetOverviewStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), overview.BlockedRequests)
}
