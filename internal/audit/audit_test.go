package audit

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, runID string) *Log {
	t.Helper()
	log, err := Open(context.Background(), t.TempDir(), runID)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func TestLog_AppendAssignsSequence(t *testing.T) {
	ctx := context.Background()
	log := openTestLog(t, "run-1")

	require.NoError(t, log.Append(ctx, EventRunStarted, "", nil))
	require.NoError(t, log.Append(ctx, EventStepStarted, "scan", map[string]any{"attempt": 1}))
	require.NoError(t, log.Append(ctx, EventStepFinished, "scan", map[string]any{"exit_code": 0}))

	events, err := log.Events(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)

	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.Equal(t, "run-1", e.RunID)
		assert.False(t, e.Timestamp.IsZero())
	}
	assert.Equal(t, EventRunStarted, events[0].Type)
	assert.Empty(t, events[0].Step)
	assert.Nil(t, events[0].Payload)
	assert.Equal(t, "scan", events[1].Step)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(events[1].Payload, &payload))
	assert.EqualValues(t, 1, payload["attempt"])
}

func TestLog_EventsSince(t *testing.T) {
	ctx := context.Background()
	log := openTestLog(t, "run-1")

	for i := 0; i < 5; i++ {
		require.NoError(t, log.Append(ctx, EventLoopIteration, "loop", map[string]any{"index": i}))
	}

	events, err := log.Events(ctx, 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Sequence)
	assert.Equal(t, int64(5), events[1].Sequence)
}

func TestLog_EmptyLog(t *testing.T) {
	log := openTestLog(t, "run-1")
	events, err := log.Events(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestLog_SequencePerRun(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a, err := Open(ctx, dir, "run-a")
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(ctx, dir, "run-b")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Append(ctx, EventRunStarted, "", nil))
	require.NoError(t, a.Append(ctx, EventRunFinished, "", nil))
	require.NoError(t, b.Append(ctx, EventRunStarted, "", nil))

	bEvents, err := b.Events(ctx, 0)
	require.NoError(t, err)
	require.Len(t, bEvents, 1)
	assert.Equal(t, int64(1), bEvents[0].Sequence, "sequences are scoped to the run")

	aEvents, err := a.Events(ctx, 0)
	require.NoError(t, err)
	require.Len(t, aEvents, 2)
	assert.Equal(t, int64(2), aEvents[1].Sequence)
}

func TestLog_ReopenContinuesSequence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	log, err := Open(ctx, dir, "run-1")
	require.NoError(t, err)
	require.NoError(t, log.Append(ctx, EventRunStarted, "", nil))
	require.NoError(t, log.Close())

	log2, err := Open(ctx, dir, "run-1")
	require.NoError(t, err)
	defer log2.Close()
	require.NoError(t, log2.Append(ctx, EventRunResumed, "", nil))

	events, err := log2.Events(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventRunResumed, events[1].Type)
	assert.Equal(t, int64(2), events[1].Sequence)
}
