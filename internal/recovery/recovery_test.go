package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-titledb/internal/gateway"
	"distributed-titledb/internal/gateway/gatewaytest"
	"distributed-titledb/internal/replog"
)

const insertSQL = "INSERT INTO titles (id, kind, title, year, runtime, genres) VALUES (?, ?, ?, ?, ?, ?)"

func insertEntry(source, target gateway.Node, record string) replog.Entry {
	return replog.Entry{
		SourceNode: source,
		TargetNode: target,
		Op:         replog.OpInsert,
		RecordID:   record,
		SQL:        insertSQL,
		Params:     []any{record, "movie", "A", int64(2020), int64(90), "Drama"},
	}
}

func TestReplayDeliversPendingEntry(t *testing.T) {
	fake := gatewaytest.NewFake()
	rl := replog.New(fake, 5)
	engine := New(fake, rl, time.Hour)
	ctx := context.Background()

	// The write landed on central while fragA was down.
	fake.SeedTitle([]gateway.Node{gateway.Central}, map[string]any{
		"id": "tt1", "kind": "movie", "title": "A", "runtime": int64(90),
	})
	_, err := rl.Append(ctx, insertEntry(gateway.Central, gateway.FragA, "tt1"))
	require.NoError(t, err)

	engine.cycle(make(chan struct{}))

	// The row reached fragA and the entry is terminal.
	assert.NotNil(t, fake.TitleRow(gateway.FragA, "tt1"))
	logs := fake.LogRows(gateway.Central)
	require.Len(t, logs, 1)
	assert.Equal(t, "SUCCESS", logs[0]["status"])
	assert.Equal(t, int64(1), logs[0]["retry_count"])
}

func TestOfflineTargetSkippedWithoutBurningRetry(t *testing.T) {
	fake := gatewaytest.NewFake()
	rl := replog.New(fake, 5)
	engine := New(fake, rl, time.Hour)
	ctx := context.Background()

	_, err := rl.Append(ctx, insertEntry(gateway.Central, gateway.FragA, "tt1"))
	require.NoError(t, err)
	fake.SetDown(gateway.FragA, true)

	engine.cycle(make(chan struct{}))
	engine.cycle(make(chan struct{}))

	logs := fake.LogRows(gateway.Central)
	require.Len(t, logs, 1)
	assert.Equal(t, "PENDING", logs[0]["status"])
	assert.Equal(t, int64(0), logs[0]["retry_count"])
}

func TestDuplicateKeyOnReplayCountsAsSuccess(t *testing.T) {
	fake := gatewaytest.NewFake()
	rl := replog.New(fake, 5)
	engine := New(fake, rl, time.Hour)
	ctx := context.Background()

	// The target already holds the row — the replayed INSERT will collide.
	fake.SeedTitle([]gateway.Node{gateway.Central, gateway.FragA}, map[string]any{
		"id": "tt1", "kind": "movie", "title": "A",
	})
	_, err := rl.Append(ctx, insertEntry(gateway.Central, gateway.FragA, "tt1"))
	require.NoError(t, err)

	engine.cycle(make(chan struct{}))

	logs := fake.LogRows(gateway.Central)
	require.Len(t, logs, 1)
	assert.Equal(t, "SUCCESS", logs[0]["status"])
	assert.Contains(t, logs[0]["last_error"], "duplicate")
}

func TestEntryFailsPermanentlyAtRetryCap(t *testing.T) {
	fake := gatewaytest.NewFake()
	rl := replog.New(fake, 5)
	engine := New(fake, rl, time.Hour)
	ctx := context.Background()

	e := insertEntry(gateway.Central, gateway.FragA, "tt1")
	e.MaxRetries = 1
	_, err := rl.Append(ctx, e)
	require.NoError(t, err)

	// Target is reachable but the statement itself fails.
	fake.FailNext(gateway.FragA, errors.New("table titles is corrupted"))
	engine.cycle(make(chan struct{}))

	logs := fake.LogRows(gateway.Central)
	require.Len(t, logs, 1)
	assert.Equal(t, "FAILED", logs[0]["status"])
	assert.Contains(t, logs[0]["last_error"], "max retries")

	// FAILED entries are never picked up again.
	engine.cycle(make(chan struct{}))
	assert.Equal(t, int64(1), fake.LogRows(gateway.Central)[0]["retry_count"])
}

func TestRecoverNodeRefusesWhileOffline(t *testing.T) {
	fake := gatewaytest.NewFake()
	rl := replog.New(fake, 5)
	engine := New(fake, rl, time.Hour)
	ctx := context.Background()

	_, err := rl.Append(ctx, insertEntry(gateway.Central, gateway.FragA, "tt1"))
	require.NoError(t, err)
	fake.SetDown(gateway.FragA, true)

	res, err := engine.RecoverNode(ctx, gateway.FragA)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Recovered)
	assert.Equal(t, 0, res.Failed)
	assert.Contains(t, res.Message, "offline")

	// Nothing was mutated.
	assert.Equal(t, "PENDING", fake.LogRows(gateway.Central)[0]["status"])
	assert.Equal(t, int64(0), fake.LogRows(gateway.Central)[0]["retry_count"])
}

func TestRecoverNodeReplaysFromAllSources(t *testing.T) {
	fake := gatewaytest.NewFake()
	rl := replog.New(fake, 5)
	engine := New(fake, rl, time.Hour)
	ctx := context.Background()

	// Two debts owed to central, one from each fragment.
	_, err := rl.Append(ctx, insertEntry(gateway.FragA, gateway.Central, "tt1"))
	require.NoError(t, err)
	_, err = rl.Append(ctx, insertEntry(gateway.FragB, gateway.Central, "tt2"))
	require.NoError(t, err)

	res, err := engine.RecoverNode(ctx, gateway.Central)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Recovered)
	assert.Equal(t, 0, res.Failed)

	assert.NotNil(t, fake.TitleRow(gateway.Central, "tt1"))
	assert.NotNil(t, fake.TitleRow(gateway.Central, "tt2"))
	assert.Equal(t, "SUCCESS", fake.LogRows(gateway.FragA)[0]["status"])
	assert.Equal(t, "SUCCESS", fake.LogRows(gateway.FragB)[0]["status"])

	// Idempotent: a second run finds nothing to do.
	res, err = engine.RecoverNode(ctx, gateway.Central)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Recovered)
	assert.Equal(t, 0, res.Failed)
}

func TestStartIsIdempotentAndStopTerminates(t *testing.T) {
	fake := gatewaytest.NewFake()
	engine := New(fake, replog.New(fake, 5), 10*time.Millisecond)

	engine.Start()
	engine.Start() // no-op
	assert.True(t, engine.Running())

	time.Sleep(30 * time.Millisecond)
	engine.Stop()
	assert.False(t, engine.Running())

	// Stop on a stopped engine is safe.
	engine.Stop()
}

func TestBackgroundLoopDrainsPendingEntry(t *testing.T) {
	fake := gatewaytest.NewFake()
	rl := replog.New(fake, 5)
	engine := New(fake, rl, 10*time.Millisecond)
	ctx := context.Background()

	fake.SeedTitle([]gateway.Node{gateway.Central}, map[string]any{
		"id": "tt1", "kind": "movie", "title": "A",
	})
	_, err := rl.Append(ctx, insertEntry(gateway.Central, gateway.FragA, "tt1"))
	require.NoError(t, err)

	engine.Start()
	defer engine.Stop()

	require.Eventually(t, func() bool {
		return fake.TitleRow(gateway.FragA, "tt1") != nil
	}, time.Second, 5*time.Millisecond)
}

func TestPendingSummary(t *testing.T) {
	fake := gatewaytest.NewFake()
	rl := replog.New(fake, 5)
	engine := New(fake, rl, 10*time.Second)
	ctx := context.Background()

	_, err := rl.Append(ctx, insertEntry(gateway.Central, gateway.FragA, "tt1"))
	require.NoError(t, err)
	_, err = rl.Append(ctx, insertEntry(gateway.FragA, gateway.Central, "tt2"))
	require.NoError(t, err)
	fake.SetDown(gateway.FragB, true)

	summary := engine.PendingSummary(ctx)

	assert.Equal(t, 2, summary.TotalPending)
	assert.Equal(t, 10, summary.RetryIntervalSeconds)
	assert.False(t, summary.AutomaticRetryActive)

	assert.Equal(t, "online", summary.BySource["central"].Status)
	assert.Equal(t, 1, summary.BySource["central"].PendingCount)
	assert.Equal(t, map[string]int{"fragA": 1}, summary.BySource["central"].PendingByTarget)
	assert.Equal(t, "offline", summary.BySource["fragB"].Status)
}
