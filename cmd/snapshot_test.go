package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"

	"github.com/pnw-tools/raidscout/internal/model"
	"github.com/pnw-tools/raidscout/internal/snapshot"
	"github.com/pnw-tools/raidscout/internal/store"
)

func TestFormatIngestResult(t *testing.T) {
	res := &snapshot.Result{Datasets: []snapshot.DatasetResult{
		{Dataset: store.DatasetNations, Date: "2026-10-14", Rows: 9000, Elapsed: 1500 * time.Millisecond},
		{Dataset: store.DatasetCities, Date: "2026-10-13", Rows: 120000, FellBack: true},
		{Dataset: store.DatasetWars, Err: eris.New("fetcher: status 404")},
	}}

	var buf bytes.Buffer
	formatIngestResult(&buf, res)

	output := buf.String()
	assert.Contains(t, output, "DATASET")
	assert.Contains(t, output, "9000")
	assert.Contains(t, output, "1.5s")
	assert.Contains(t, output, "ok (previous day)")
	assert.Contains(t, output, "failed: fetcher: status 404")
}

func TestFormatIngestResult_Nil(t *testing.T) {
	var buf bytes.Buffer
	formatIngestResult(&buf, nil)
	assert.Contains(t, buf.String(), "DATASET")
}

func TestFormatSnapshotStatus(t *testing.T) {
	dates := map[string]string{
		store.DatasetNations: "2026-10-14",
		store.DatasetCities:  "2026-10-14",
	}
	entries := []store.IngestEntry{
		{Dataset: store.DatasetNations, Date: "2026-10-14", Status: store.IngestComplete, Rows: 9000, FinishedAt: time.Now()},
		{Dataset: store.DatasetWars, Date: "2026-10-14", Status: store.IngestFailed, Error: "fetcher: unexpected status 503 from politicsandwar.com"},
	}

	var buf bytes.Buffer
	formatSnapshotStatus(&buf, dates, entries)

	output := buf.String()
	assert.Contains(t, output, "nations:")
	assert.Contains(t, output, "2026-10-14")
	assert.Contains(t, output, "(none)")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "failed")
	assert.Contains(t, output, "...")
}

func TestFormatNationDiff(t *testing.T) {
	prev := []model.Nation{
		{ID: 1, Name: "Rohan", AllianceID: 7, AllianceName: "Rangers", Cities: 10},
		{ID: 2, Name: "Gondor", Cities: 12},
	}
	cur := []model.Nation{
		{ID: 1, Name: "Rohan", AllianceID: 0, Cities: 11},
		{ID: 3, Name: "Arnor", Cities: 1},
	}

	var buf bytes.Buffer
	formatNationDiff(&buf, snapshot.DiffNations(prev, cur))

	output := buf.String()
	assert.Contains(t, output, "Joined:")
	assert.Contains(t, output, "Left:")
	assert.Contains(t, output, "Rohan (1)")
	assert.Contains(t, output, "Rangers")
	assert.Contains(t, output, "none")
}

func TestFormatNationDiff_Empty(t *testing.T) {
	var buf bytes.Buffer
	formatNationDiff(&buf, snapshot.NationDiff{})
	assert.Equal(t, "No changes.\n", buf.String())
}
