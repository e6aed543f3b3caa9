package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distributed-titledb/internal/gateway"
	"distributed-titledb/internal/gateway/gatewaytest"
	"distributed-titledb/internal/replog"
)

func intp(v int) *int { return &v }

func newCoordinator(fake *gatewaytest.Fake) *Coordinator {
	return New(fake, replog.New(fake, 5), gateway.ReadCommitted)
}

func movieTitle(id string) Title {
	return Title{ID: id, Kind: "movie", Title: "A", Year: intp(2020), Runtime: intp(90), Genres: "Drama"}
}

func TestInsertHappyPath(t *testing.T) {
	fake := gatewaytest.NewFake()
	coord := newCoordinator(fake)
	ctx := context.Background()

	res, err := coord.InsertTitle(ctx, movieTitle("tt1"))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, gateway.FragA, res.PrimaryNode)
	assert.Equal(t, gateway.Central, res.ReplicatedTo)
	assert.Empty(t, res.PendingReplication)
	assert.NotEmpty(t, res.TxnID)

	// Row on both required nodes, nothing on the other fragment.
	assert.NotNil(t, fake.TitleRow(gateway.FragA, "tt1"))
	assert.NotNil(t, fake.TitleRow(gateway.Central, "tt1"))
	assert.Nil(t, fake.TitleRow(gateway.FragB, "tt1"))

	// One audit entry on the source, already SUCCESS.
	logs := fake.LogRows(gateway.FragA)
	require.Len(t, logs, 1)
	assert.Equal(t, "SUCCESS", logs[0]["status"])
	assert.Equal(t, "INSERT", logs[0]["operation_type"])
	assert.Equal(t, "central", logs[0]["target_node"])
}

func TestInsertNonMovieRoutesToFragB(t *testing.T) {
	fake := gatewaytest.NewFake()
	coord := newCoordinator(fake)

	res, err := coord.InsertTitle(context.Background(),
		Title{ID: "tt9", Kind: "series", Title: "S"})
	require.NoError(t, err)

	assert.Equal(t, gateway.FragB, res.PrimaryNode)
	assert.NotNil(t, fake.TitleRow(gateway.FragB, "tt9"))
	assert.Nil(t, fake.TitleRow(gateway.FragA, "tt9"))
}

func TestInsertFallbackWhenFragmentDown(t *testing.T) {
	fake := gatewaytest.NewFake()
	coord := newCoordinator(fake)
	ctx := context.Background()

	fake.SetDown(gateway.FragA, true)

	res, err := coord.InsertTitle(ctx, movieTitle("tt2"))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, gateway.Central, res.PrimaryNode)
	assert.Equal(t, gateway.FragA, res.PendingReplication)
	assert.NotEmpty(t, res.TxnID)

	// Row on central only; the debt is logged on central targeting fragA.
	assert.NotNil(t, fake.TitleRow(gateway.Central, "tt2"))
	assert.Nil(t, fake.TitleRow(gateway.FragA, "tt2"))

	logs := fake.LogRows(gateway.Central)
	require.Len(t, logs, 1)
	assert.Equal(t, "PENDING", logs[0]["status"])
	assert.Equal(t, "fragA", logs[0]["target_node"])
	assert.Equal(t, "central", logs[0]["source_node"])
}

func TestUpdatePeerFailureQueuesReplication(t *testing.T) {
	fake := gatewaytest.NewFake()
	coord := newCoordinator(fake)
	ctx := context.Background()

	fake.SeedTitle([]gateway.Node{gateway.Central, gateway.FragA}, map[string]any{
		"id": "tt1", "kind": "movie", "title": "A",
		"year": int64(2020), "runtime": int64(90), "genres": "Drama",
	})
	fake.SetDown(gateway.Central, true)

	res, err := coord.UpdateTitle(ctx, "tt1", map[string]any{"runtime": 95}, "")
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, gateway.FragA, res.PrimaryNode)
	assert.Equal(t, gateway.Central, res.PendingReplication)

	// The fragment applied the update; central still has the old value.
	assert.Equal(t, int64(95), fake.TitleRow(gateway.FragA, "tt1")["runtime"])

	logs := fake.LogRows(gateway.FragA)
	require.Len(t, logs, 1)
	assert.Equal(t, "PENDING", logs[0]["status"])
	assert.Equal(t, "UPDATE", logs[0]["operation_type"])
	assert.Equal(t, "central", logs[0]["target_node"])
}

func TestWriteFailsCleanlyWhenBothNodesDown(t *testing.T) {
	fake := gatewaytest.NewFake()
	coord := newCoordinator(fake)
	ctx := context.Background()

	fake.SetDown(gateway.FragA, true)
	fake.SetDown(gateway.Central, true)

	res, err := coord.InsertTitle(ctx, movieTitle("tt3"))
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, gateway.KindAllNodes, gateway.KindOf(err))

	// No copy anywhere, and no log entry was created.
	for _, node := range gateway.AllNodes() {
		assert.Nil(t, fake.TitleRow(node, "tt3"))
		assert.Empty(t, fake.LogRows(node))
	}
}

func TestInsertDuplicateSurfacesConstraint(t *testing.T) {
	fake := gatewaytest.NewFake()
	coord := newCoordinator(fake)
	ctx := context.Background()

	_, err := coord.InsertTitle(ctx, movieTitle("tt1"))
	require.NoError(t, err)

	res, err := coord.InsertTitle(ctx, movieTitle("tt1"))
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, gateway.KindConstraint, gateway.KindOf(err))
}

func TestUpdateMissingRowIsNotFound(t *testing.T) {
	fake := gatewaytest.NewFake()
	coord := newCoordinator(fake)

	res, err := coord.UpdateTitle(context.Background(), "ttX",
		map[string]any{"runtime": 95}, "")
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, gateway.KindNotFound, gateway.KindOf(err))
}

func TestUpdateRejectsKindChange(t *testing.T) {
	fake := gatewaytest.NewFake()
	coord := newCoordinator(fake)

	fake.SeedTitle([]gateway.Node{gateway.Central, gateway.FragA}, map[string]any{
		"id": "tt1", "kind": "movie", "title": "A",
	})

	res, err := coord.UpdateTitle(context.Background(), "tt1",
		map[string]any{"kind": "series"}, "")
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "immutable")
}

func TestUpdateResolvesKindFromFragmentWhenCentralDown(t *testing.T) {
	fake := gatewaytest.NewFake()
	coord := newCoordinator(fake)
	ctx := context.Background()

	fake.SeedTitle([]gateway.Node{gateway.Central, gateway.FragB}, map[string]any{
		"id": "tt7", "kind": "series", "title": "S",
	})
	fake.SetDown(gateway.Central, true)

	res, err := coord.UpdateTitle(ctx, "tt7", map[string]any{"title": "S2"}, "")
	require.NoError(t, err)
	assert.Equal(t, gateway.FragB, res.PrimaryNode)
	assert.Equal(t, gateway.Central, res.PendingReplication)
	assert.Equal(t, "S2", fake.TitleRow(gateway.FragB, "tt7")["title"])
}

func TestDeleteHappyPath(t *testing.T) {
	fake := gatewaytest.NewFake()
	coord := newCoordinator(fake)
	ctx := context.Background()

	_, err := coord.InsertTitle(ctx, movieTitle("tt1"))
	require.NoError(t, err)

	res, err := coord.DeleteTitle(ctx, "tt1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, gateway.FragA, res.PrimaryNode)
	assert.Equal(t, gateway.Central, res.ReplicatedTo)

	// Row gone from both nodes; both log entries terminal.
	assert.Nil(t, fake.TitleRow(gateway.FragA, "tt1"))
	assert.Nil(t, fake.TitleRow(gateway.Central, "tt1"))
	for _, row := range fake.LogRows(gateway.FragA) {
		assert.NotEqual(t, "PENDING", row["status"])
	}
}

func TestGetTitleFallsBackToFragment(t *testing.T) {
	fake := gatewaytest.NewFake()
	coord := newCoordinator(fake)
	ctx := context.Background()

	fake.SeedTitle([]gateway.Node{gateway.Central, gateway.FragA}, map[string]any{
		"id": "tt1", "kind": "movie", "title": "A",
	})
	fake.SetDown(gateway.Central, true)

	row, err := coord.GetTitle(ctx, "tt1")
	require.NoError(t, err)
	assert.Equal(t, "A", row["title"])

	_, err = coord.GetTitle(ctx, "nope")
	assert.Equal(t, gateway.KindNotFound, gateway.KindOf(err))
}
