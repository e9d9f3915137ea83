package consolidate

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inflo-ai/relay/internal/types"
)

type countingTrigger struct {
	runs  atomic.Int64
	block chan struct{}
	err   error
}

func (c *countingTrigger) Consolidate(ctx context.Context) (Summary, error) {
	c.runs.Add(1)
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return Summary{}, ctx.Err()
		}
	}
	if c.err != nil {
		return Summary{}, c.err
	}
	return Summary{Migrated: 1}, nil
}

func TestScheduler_TriggerNow(t *testing.T) {
	trigger := &countingTrigger{}
	scheduler := NewScheduler(trigger, "", testLogger())

	summary, err := scheduler.TriggerNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Migrated)
	assert.Equal(t, int64(1), trigger.runs.Load())
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	scheduler := NewScheduler(&countingTrigger{}, "not a cron expression", testLogger())

	err := scheduler.Start()
	require.Error(t, err)
	assert.Equal(t, types.CONFIG_VALIDATION_FAILED, types.CodeOf(err))
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	trigger := &countingTrigger{}
	scheduler := NewScheduler(trigger, "@every 50ms", testLogger())

	require.NoError(t, scheduler.Start())
	defer scheduler.Stop()

	require.Eventually(t, func() bool {
		return trigger.runs.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	trigger := &countingTrigger{}
	scheduler := NewScheduler(trigger, "@every 1h", testLogger())

	require.NoError(t, scheduler.Start())
	scheduler.Stop()
	scheduler.Stop()

	// A stopped scheduler still honors manual triggers.
	_, err := scheduler.TriggerNow(context.Background())
	require.NoError(t, err)
}

func TestScheduler_StartIsIdempotent(t *testing.T) {
	trigger := &countingTrigger{}
	scheduler := NewScheduler(trigger, "@every 1h", testLogger())

	require.NoError(t, scheduler.Start())
	require.NoError(t, scheduler.Start())
	scheduler.Stop()
}

func TestScheduler_StopCancelsInFlightRun(t *testing.T) {
	trigger := &countingTrigger{block: make(chan struct{})}
	scheduler := NewScheduler(trigger, "@every 20ms", testLogger())

	require.NoError(t, scheduler.Start())

	require.Eventually(t, func() bool {
		return trigger.runs.Load() >= 1
	}, 3*time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not unblock the in-flight run")
	}
}
