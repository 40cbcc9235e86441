// Package store persists the latest snapshot generation, the ingest log and
// raid run history.
package store

import (
	"context"
	"time"

	"github.com/pnw-tools/raidscout/internal/model"
)

// Dataset names.
const (
	DatasetNations   = "nations"
	DatasetCities    = "cities"
	DatasetAlliances = "alliances"
	DatasetWars      = "wars"
)

// IngestEntry is one row of the ingest log.
type IngestEntry struct {
	ID         string    `json:"id"`
	Dataset    string    `json:"dataset"`
	Date       string    `json:"date"`
	Status     string    `json:"status"`
	Rows       int       `json:"rows"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Ingest statuses.
const (
	IngestComplete = "complete"
	IngestFailed   = "failed"
)

// IngestFilter specifies criteria for listing ingest log rows.
type IngestFilter struct {
	Dataset       string
	FinishedAfter time.Time
	Limit         int
}

// RunRecord summarises one raid pipeline run.
type RunRecord struct {
	ID             string         `json:"id"`
	RequesterID    int            `json:"requester_id,omitempty"`
	RequesterScore float64        `json:"requester_score"`
	AllianceID     int            `json:"alliance_id,omitempty"`
	Initial        int            `json:"initial"`
	Returned       int            `json:"returned"`
	Estimated      int            `json:"estimated"`
	Counts         map[string]int `json:"counts"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     time.Time      `json:"finished_at"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	CreatedAfter time.Time
	Limit        int
}

// SnapshotWriter replaces whole datasets. Each call is atomic. date is the
// export date (YYYY-MM-DD) the rows came from.
type SnapshotWriter interface {
	// ReplaceNations copies the current nations into the previous-day slot
	// and then replaces them, in one transaction. The copy is skipped when
	// the stored nations already came from date.
	ReplaceNations(ctx context.Context, date string, nations []model.Nation) error
	ReplaceCities(ctx context.Context, date string, cities []model.City) error
	ReplaceAlliances(ctx context.Context, date string, alliances []model.Alliance) error
	ReplaceWars(ctx context.Context, date string, wars []model.War) error
}

// SnapshotReader loads the stored generation.
type SnapshotReader interface {
	LoadNations(ctx context.Context) ([]model.Nation, error)
	LoadPreviousNations(ctx context.Context) ([]model.Nation, error)
	LoadCities(ctx context.Context) ([]model.City, error)
	LoadAlliances(ctx context.Context) ([]model.Alliance, error)
	LoadWars(ctx context.Context) ([]model.War, error)
	// SnapshotDates returns dataset -> export date of the stored rows.
	SnapshotDates(ctx context.Context) (map[string]string, error)
}

// IngestLog records snapshot ingestion attempts.
type IngestLog interface {
	RecordIngest(ctx context.Context, entry IngestEntry) error
	// LastIngest returns the newest complete entry for dataset, or nil.
	// Failed attempts are only visible through ListIngests.
	LastIngest(ctx context.Context, dataset string) (*IngestEntry, error)
	ListIngests(ctx context.Context, filter IngestFilter) ([]IngestEntry, error)
	PruneIngests(ctx context.Context, before time.Time) (int, error)
}

// RunLog records raid pipeline runs.
type RunLog interface {
	SaveRun(ctx context.Context, run RunRecord) error
	ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error)
}

// Store is the full persistence interface.
type Store interface {
	SnapshotWriter
	SnapshotReader
	IngestLog
	RunLog

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
