package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/pnw-tools/raidscout/internal/keypool"
	"github.com/pnw-tools/raidscout/internal/resilience"
	"github.com/pnw-tools/raidscout/internal/store"
)

// StatusSnapshot holds a point-in-time view of system health.
type StatusSnapshot struct {
	// Snapshot ingestion.
	SnapshotValid    bool                         `json:"snapshot_valid"`
	SnapshotDates    map[string]string            `json:"snapshot_dates,omitempty"`
	LastIngest       map[string]store.IngestEntry `json:"last_ingest,omitempty"`
	SnapshotAgeHours float64                      `json:"snapshot_age_hours"`
	IngestComplete   int                          `json:"ingest_complete"`
	IngestFailed     int                          `json:"ingest_failed"`

	// Raid runs (within lookback window).
	RunsTotal     int     `json:"runs_total"`
	RunsReturned  float64 `json:"runs_avg_returned"`
	EstimatedRate float64 `json:"estimated_rate"`

	// Credentials and breakers.
	KeysTotal       int                `json:"keys_total"`
	KeysQuarantined int                `json:"keys_quarantined"`
	Keys            []keypool.KeyStats `json:"keys,omitempty"`
	Breakers        map[string]string  `json:"breakers,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// StatusStore is the part of the store the collector reads.
type StatusStore interface {
	store.IngestLog
	store.RunLog
}

// KeyStatser reports credential state.
type KeyStatser interface {
	Stats() []keypool.KeyStats
}

// BreakerReporter reports circuit breaker state.
type BreakerReporter interface {
	BreakerStates() map[string]resilience.CircuitState
}

// SnapshotStatus reports reference view freshness and dates.
type SnapshotStatus interface {
	IsValid() bool
	Dates() map[string]string
}

// Sources groups the optional inputs of a Collector. Nil fields are
// skipped.
type Sources struct {
	Keys     KeyStatser
	Breakers BreakerReporter
	Snapshot SnapshotStatus
}

// Collector gathers status from the store and the running services.
type Collector struct {
	store   StatusStore
	sources Sources
	nowFunc func() time.Time
}

// NewCollector creates a new status collector.
func NewCollector(st StatusStore, sources Sources) *Collector {
	return &Collector{store: st, sources: sources, nowFunc: time.Now}
}

// Collect gathers a status snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*StatusSnapshot, error) {
	now := c.nowFunc().UTC()
	snap := &StatusSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
		LastIngest:    make(map[string]store.IngestEntry),
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	// Latest successful ingest per dataset drives snapshot age.
	var oldest time.Time
	for _, ds := range []string{store.DatasetNations, store.DatasetCities, store.DatasetAlliances, store.DatasetWars} {
		entry, err := c.store.LastIngest(ctx, ds)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: last ingest %s", ds)
		}
		if entry == nil {
			continue
		}
		snap.LastIngest[ds] = *entry
		if oldest.IsZero() || entry.FinishedAt.Before(oldest) {
			oldest = entry.FinishedAt
		}
	}
	if len(snap.LastIngest) == 4 {
		snap.SnapshotAgeHours = now.Sub(oldest).Hours()
	} else {
		snap.SnapshotAgeHours = -1
	}

	ingests, err := c.store.ListIngests(ctx, store.IngestFilter{FinishedAfter: cutoff, Limit: 1000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list ingests")
	}
	for _, e := range ingests {
		switch e.Status {
		case store.IngestComplete:
			snap.IngestComplete++
		case store.IngestFailed:
			snap.IngestFailed++
		}
	}

	runs, err := c.store.ListRuns(ctx, store.RunFilter{CreatedAfter: cutoff, Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	snap.RunsTotal = len(runs)
	var returned, estimated int
	for _, r := range runs {
		returned += r.Returned
		estimated += r.Estimated
	}
	if snap.RunsTotal > 0 {
		snap.RunsReturned = float64(returned) / float64(snap.RunsTotal)
	}
	if returned > 0 {
		snap.EstimatedRate = float64(estimated) / float64(returned)
	}

	if c.sources.Keys != nil {
		snap.Keys = c.sources.Keys.Stats()
		snap.KeysTotal = len(snap.Keys)
		for _, k := range snap.Keys {
			if k.Health == keypool.Quarantined {
				snap.KeysQuarantined++
			}
		}
	}
	if c.sources.Breakers != nil {
		snap.Breakers = make(map[string]string)
		for name, state := range c.sources.Breakers.BreakerStates() {
			snap.Breakers[name] = state.String()
		}
	}
	if c.sources.Snapshot != nil {
		snap.SnapshotValid = c.sources.Snapshot.IsValid()
		snap.SnapshotDates = c.sources.Snapshot.Dates()
	}

	return snap, nil
}
