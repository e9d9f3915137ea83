package memory

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/inflo-ai/relay/internal/consolidate"
	"github.com/inflo-ai/relay/internal/types"
)

// TracedManager wraps a Manager with OpenTelemetry tracing. Tier operations
// produce spans named "relay.memory.{tier}.{operation}" so a single handoff
// or consolidation trace shows every store it touched.
//
// Each span carries:
//   - relay.memory.tier and relay.memory.operation
//   - relay.memory.key where the operation targets one record
//   - relay.memory.duration_ms
//   - operation-specific attributes (found, results_count, migration counts)
type TracedManager struct {
	inner  Manager
	tracer trace.Tracer
}

var _ Manager = (*TracedManager)(nil)

// NewTracedManager wraps inner so every operation emits a span on tracer.
func NewTracedManager(inner Manager, tracer trace.Tracer) *TracedManager {
	return &TracedManager{
		inner:  inner,
		tracer: tracer,
	}
}

// Put stores a record with tracing.
// Creates a span "relay.memory.{tier}.put" with key and payload kind.
func (t *TracedManager) Put(ctx context.Context, tier types.Tier, key string, payload types.Payload, opts PutOptions) error {
	ctx, span := t.tracer.Start(ctx, spanName(tier, "put"))
	defer span.End()

	span.SetAttributes(
		attribute.String("relay.memory.tier", string(tier)),
		attribute.String("relay.memory.operation", "put"),
		attribute.String("relay.memory.key", key),
		attribute.String("relay.memory.payload_kind", string(payload.Kind)),
	)
	if opts.TTL > 0 {
		span.SetAttributes(attribute.Float64("relay.memory.ttl_seconds", opts.TTL.Seconds()))
	}

	startTime := time.Now()
	err := t.inner.Put(ctx, tier, key, payload, opts)
	duration := time.Since(startTime)

	span.SetAttributes(
		attribute.Float64("relay.memory.duration_ms", float64(duration.Milliseconds())),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "put succeeded")
	return nil
}

// Get retrieves a record with tracing.
// Creates a span "relay.memory.{tier}.get" with key and found attributes.
// Absence is an expected answer, so NOT_FOUND keeps the span status Ok.
func (t *TracedManager) Get(ctx context.Context, tier types.Tier, key string) (types.MemoryRecord, error) {
	ctx, span := t.tracer.Start(ctx, spanName(tier, "get"))
	defer span.End()

	span.SetAttributes(
		attribute.String("relay.memory.tier", string(tier)),
		attribute.String("relay.memory.operation", "get"),
		attribute.String("relay.memory.key", key),
	)

	startTime := time.Now()
	record, err := t.inner.Get(ctx, tier, key)
	duration := time.Since(startTime)

	span.SetAttributes(
		attribute.Float64("relay.memory.duration_ms", float64(duration.Milliseconds())),
	)

	if err != nil {
		if types.CodeOf(err) == types.NOT_FOUND {
			span.SetAttributes(attribute.Bool("relay.memory.found", false))
			span.SetStatus(codes.Ok, "get completed")
			return record, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return record, err
	}

	span.SetAttributes(attribute.Bool("relay.memory.found", true))
	span.SetStatus(codes.Ok, "get succeeded")
	return record, nil
}

// Query returns a traced sequence.
// The span "relay.memory.{tier}.query" covers one full iteration, so it is
// opened when the sequence is consumed, not when Query is called.
func (t *TracedManager) Query(ctx context.Context, tier types.Tier, criteria Criteria) Sequence {
	return func(yield func(types.MemoryRecord, error) bool) {
		spanCtx, span := t.tracer.Start(ctx, spanName(tier, "query"))
		defer span.End()

		span.SetAttributes(
			attribute.String("relay.memory.tier", string(tier)),
			attribute.String("relay.memory.operation", "query"),
		)
		if criteria.Limit > 0 {
			span.SetAttributes(attribute.Int("relay.memory.limit", criteria.Limit))
		}

		startTime := time.Now()
		yielded := 0
		var iterErr error

		inner := t.inner.Query(spanCtx, tier, criteria)
		inner(func(record types.MemoryRecord, err error) bool {
			if err != nil {
				iterErr = err
				return yield(record, err)
			}
			yielded++
			return yield(record, nil)
		})

		duration := time.Since(startTime)
		span.SetAttributes(
			attribute.Int("relay.memory.results_count", yielded),
			attribute.Float64("relay.memory.duration_ms", float64(duration.Milliseconds())),
		)

		if iterErr != nil {
			span.RecordError(iterErr)
			span.SetStatus(codes.Error, iterErr.Error())
			return
		}
		span.SetStatus(codes.Ok, "query completed")
	}
}

// Consolidate runs one consolidation cycle with tracing.
// Creates a span "relay.memory.consolidate" with migration counts.
func (t *TracedManager) Consolidate(ctx context.Context) (consolidate.Summary, error) {
	ctx, span := t.tracer.Start(ctx, "relay.memory.consolidate")
	defer span.End()

	span.SetAttributes(
		attribute.String("relay.memory.operation", "consolidate"),
	)

	startTime := time.Now()
	summary, err := t.inner.Consolidate(ctx)
	duration := time.Since(startTime)

	span.SetAttributes(
		attribute.Int("relay.memory.examined", summary.Examined),
		attribute.Int("relay.memory.migrated", summary.Migrated),
		attribute.Int("relay.memory.skipped", summary.Skipped),
		attribute.Int("relay.memory.failed", summary.Failed),
		attribute.Float64("relay.memory.duration_ms", float64(duration.Milliseconds())),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return summary, err
	}

	span.SetStatus(codes.Ok, "consolidation cycle completed")
	return summary, nil
}

// Health probes the tiers with tracing.
// Creates a span "relay.memory.health" carrying per-tier states.
func (t *TracedManager) Health(ctx context.Context) map[types.Tier]types.HealthStatus {
	ctx, span := t.tracer.Start(ctx, "relay.memory.health")
	defer span.End()

	span.SetAttributes(
		attribute.String("relay.memory.operation", "health"),
	)

	startTime := time.Now()
	status := t.inner.Health(ctx)
	duration := time.Since(startTime)

	for tier, s := range status {
		span.SetAttributes(attribute.String("relay.memory.health."+string(tier), s.State.String()))
	}
	span.SetAttributes(
		attribute.Float64("relay.memory.duration_ms", float64(duration.Milliseconds())),
	)

	span.SetStatus(codes.Ok, "health check completed")
	return status
}

// Close releases the tier stores with tracing.
// Creates a span "relay.memory.close" to track the cleanup.
func (t *TracedManager) Close() error {
	ctx := context.Background()
	_, span := t.tracer.Start(ctx, "relay.memory.close")
	defer span.End()

	err := t.inner.Close()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "memory manager closed")
	return nil
}

func spanName(tier types.Tier, op string) string {
	return "relay.memory." + string(tier) + "." + op
}
