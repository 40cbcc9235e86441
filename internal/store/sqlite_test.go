package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnw-tools/raidscout/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func sampleNations() []model.Nation {
	return []model.Nation{
		{
			ID: 7, Name: "Zeta", Leader: "Z", Score: 1200.5, Cities: 12,
			AllianceID: 3, AllianceName: "Rose", AlliancePosition: model.PositionMember,
			Color: "beige", BeigeTurns: 4, Military: model.Military{Soldiers: 1000, Nukes: 2},
			LastActive: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
		{ID: 2, Name: "Alpha", Score: 800, Cities: 8, Color: "blue", VacationTurns: 3},
	}
}

// --- Nations ---

func TestSQLite_ReplaceNations_PreservesOrder(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceNations(ctx, "2026-03-01", sampleNations()))

	got, err := st.LoadNations(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 7, got[0].ID)
	assert.Equal(t, 2, got[1].ID)
	assert.Equal(t, sampleNations()[0], got[0])
	assert.True(t, got[1].InVacationMode())

	dates, err := st.SnapshotDates(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01", dates[DatasetNations])
}

func TestSQLite_ReplaceNations_CopiesYesterday(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceNations(ctx, "2026-03-01", sampleNations()))
	prev, err := st.LoadPreviousNations(ctx)
	require.NoError(t, err)
	assert.Empty(t, prev, "nothing to copy on first ingest")

	today := []model.Nation{{ID: 9, Name: "New", Score: 50, Cities: 1}}
	require.NoError(t, st.ReplaceNations(ctx, "2026-03-02", today))

	prev, err = st.LoadPreviousNations(ctx)
	require.NoError(t, err)
	require.Len(t, prev, 2)
	assert.Equal(t, 7, prev[0].ID)

	cur, err := st.LoadNations(ctx)
	require.NoError(t, err)
	require.Len(t, cur, 1)
	assert.Equal(t, 9, cur[0].ID)
}

func TestSQLite_ReplaceNations_SameDateKeepsYesterday(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceNations(ctx, "2026-03-01", sampleNations()))
	require.NoError(t, st.ReplaceNations(ctx, "2026-03-02", []model.Nation{{ID: 9}}))
	require.NoError(t, st.ReplaceNations(ctx, "2026-03-02", []model.Nation{{ID: 10}}))

	prev, err := st.LoadPreviousNations(ctx)
	require.NoError(t, err)
	require.Len(t, prev, 2, "re-ingesting the same date must not overwrite yesterday")
}

func TestSQLite_ReplaceNations_FailureLeavesPriorState(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.ReplaceNations(ctx, "2026-03-01", sampleNations()))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, st.ReplaceNations(cancelled, "2026-03-02", []model.Nation{{ID: 1}}))

	cur, err := st.LoadNations(ctx)
	require.NoError(t, err)
	assert.Len(t, cur, 2)
	dates, err := st.SnapshotDates(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01", dates[DatasetNations])
}

// --- Cities, alliances, wars ---

func TestSQLite_ReplaceCities(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	cities := []model.City{
		{ID: 11, NationID: 7, Name: "Capital", Infrastructure: 1500, Land: 2000, Powered: true,
			Buildings: model.Buildings{model.Bank: 5, model.CoalMine: 3}},
		{ID: 12, NationID: 7, Infrastructure: 900},
	}
	require.NoError(t, st.ReplaceCities(ctx, "2026-03-01", cities))
	require.NoError(t, st.ReplaceCities(ctx, "2026-03-01", cities[:1]))

	got, err := st.LoadCities(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, cities[0], got[0])
}

func TestSQLite_ReplaceAlliancesAndWars(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.ReplaceAlliances(ctx, "2026-03-01", []model.Alliance{
		{ID: 3, Name: "Rose", Score: 90000, Rank: 1},
		{ID: 4, Name: "Thorn", Score: 100, Rank: 80},
	}))
	require.NoError(t, st.ReplaceWars(ctx, "2026-02-28", []model.War{
		{ID: 100, AttackerID: 2, DefenderID: 7, Type: "RAID", TurnsLeft: 10},
	}))

	alliances, err := st.LoadAlliances(ctx)
	require.NoError(t, err)
	require.Len(t, alliances, 2)
	assert.Equal(t, "Rose", alliances[0].Name)
	assert.Equal(t, 80, alliances[1].Rank)

	wars, err := st.LoadWars(ctx)
	require.NoError(t, err)
	require.Len(t, wars, 1)
	assert.Equal(t, 7, wars[0].DefenderID)
	assert.True(t, wars[0].Active())

	dates, err := st.SnapshotDates(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-02-28", dates[DatasetWars])
	assert.Equal(t, "2026-03-01", dates[DatasetAlliances])
}

// --- Ingest log ---

func TestSQLite_IngestLog(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, st.RecordIngest(ctx, IngestEntry{Dataset: DatasetNations, Date: "2026-02-20", Status: IngestComplete, Rows: 5, FinishedAt: base.AddDate(0, 0, -9)}))
	require.NoError(t, st.RecordIngest(ctx, IngestEntry{Dataset: DatasetNations, Date: "2026-03-01", Status: IngestComplete, Rows: 10, FinishedAt: base}))
	require.NoError(t, st.RecordIngest(ctx, IngestEntry{Dataset: DatasetNations, Date: "2026-03-02", Status: IngestFailed, Error: "404", FinishedAt: base.Add(time.Hour)}))
	require.NoError(t, st.RecordIngest(ctx, IngestEntry{Dataset: DatasetWars, Date: "2026-03-01", Status: IngestComplete, FinishedAt: base}))

	last, err := st.LastIngest(ctx, DatasetNations)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "2026-03-01", last.Date)
	assert.Equal(t, 10, last.Rows)
	assert.Equal(t, base, last.FinishedAt)
	assert.NotEmpty(t, last.ID)

	none, err := st.LastIngest(ctx, DatasetCities)
	require.NoError(t, err)
	assert.Nil(t, none)

	nations, err := st.ListIngests(ctx, IngestFilter{Dataset: DatasetNations})
	require.NoError(t, err)
	require.Len(t, nations, 3)
	assert.Equal(t, IngestFailed, nations[0].Status)

	recent, err := st.ListIngests(ctx, IngestFilter{FinishedAfter: base, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, recent, 3)

	pruned, err := st.PruneIngests(ctx, base.AddDate(0, 0, -7))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
}

// --- Runs ---

func TestSQLite_Runs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.SaveRun(ctx, RunRecord{
		RequesterScore: 1000, AllianceID: 3, Initial: 500, Returned: 4, Estimated: 1,
		Counts:    map[string]int{"score_range": 400, "low_loot": 2},
		StartedAt: start, FinishedAt: start.Add(2 * time.Minute),
	}))
	require.NoError(t, st.SaveRun(ctx, RunRecord{
		ID: "fixed-id", RequesterScore: 2000, Counts: map[string]int{},
		StartedAt: start.Add(time.Hour), FinishedAt: start.Add(time.Hour),
	}))

	runs, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "fixed-id", runs[0].ID)
	assert.Equal(t, 400, runs[1].Counts["score_range"])
	assert.Equal(t, 4, runs[1].Returned)

	recent, err := st.ListRuns(ctx, RunFilter{CreatedAfter: start.Add(30 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}
