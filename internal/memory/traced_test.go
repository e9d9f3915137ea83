package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/inflo-ai/relay/internal/types"
)

func newTracedTestManager(t *testing.T) *TracedManager {
	t.Helper()
	tracer := noop.NewTracerProvider().Tracer("test")
	return NewTracedManager(newTestManager(t), tracer)
}

func TestTracedManager_DelegatesOperations(t *testing.T) {
	traced := newTracedTestManager(t)
	ctx := context.Background()

	payload := conversationPayload("lead-1", "conv-1", 6, 0.9)
	require.NoError(t, traced.Put(ctx, types.TierShortTerm, "conv-1", payload, PutOptions{TTL: time.Hour}))

	record, err := traced.Get(ctx, types.TierShortTerm, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "conv-1", record.Key)

	records, err := traced.Query(ctx, types.TierShortTerm, Criteria{}).Collect()
	require.NoError(t, err)
	assert.Len(t, records, 1)

	summary, err := traced.Consolidate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Examined)

	status := traced.Health(ctx)
	assert.Len(t, status, 4)
}

func TestTracedManager_PassesThroughNotFound(t *testing.T) {
	traced := newTracedTestManager(t)

	_, err := traced.Get(context.Background(), types.TierLongTerm, "absent")
	assert.Equal(t, types.NOT_FOUND, types.CodeOf(err))
}

func TestTracedManager_QueryPropagatesErrors(t *testing.T) {
	traced := newTracedTestManager(t)

	_, err := traced.Query(context.Background(), types.TierEpisodic, Criteria{}).Collect()
	require.Error(t, err)
	assert.Equal(t, types.VALIDATION_ERROR, types.CodeOf(err))
}

func TestTracedManager_Close(t *testing.T) {
	tracer := noop.NewTracerProvider().Tracer("test")
	traced := NewTracedManager(newTestManager(t), tracer)

	require.NoError(t, traced.Close())
}
