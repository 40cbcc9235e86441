package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pnw-tools/raidscout/internal/config"
	"github.com/pnw-tools/raidscout/internal/enrich"
	"github.com/pnw-tools/raidscout/internal/fetcher"
	"github.com/pnw-tools/raidscout/internal/keypool"
	"github.com/pnw-tools/raidscout/internal/loot"
	"github.com/pnw-tools/raidscout/internal/monitoring"
	"github.com/pnw-tools/raidscout/internal/raid"
	"github.com/pnw-tools/raidscout/internal/resilience"
	"github.com/pnw-tools/raidscout/internal/snapshot"
	"github.com/pnw-tools/raidscout/internal/store"
	"github.com/pnw-tools/raidscout/pkg/pnw"
)

// appEnv holds every service the raid, snapshot and serve commands share.
type appEnv struct {
	Store     *store.SQLiteStore
	Metrics   *monitoring.Metrics
	Keys      *keypool.Pool
	Enricher  *enrich.Client
	Reference *snapshot.Reference
	Ingestor  *snapshot.Ingestor
	Pipeline  *raid.Pipeline
	Collector *monitoring.Collector
	Location  *time.Location
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the snapshot database.
func initStore(ctx context.Context) (*store.SQLiteStore, error) {
	st, err := store.NewSQLite(cfg.Store.Path)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv validates the configuration for mode and builds the service
// graph. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	scorer, err := initScorer(cfg.Loot)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(cfg.Snapshot.ScheduleZone)
	if err != nil {
		return nil, eris.Wrapf(err, "load schedule zone %q", cfg.Snapshot.ScheduleZone)
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	metrics := monitoring.NewMetrics()

	keys := keypool.New(cfg.Keys, keypool.Options{
		HourlyQuota: cfg.KeyPool.HourlyQuota,
		Quarantine:  cfg.KeyPool.QuarantineDuration(),
		Observer:    metrics,
	})

	api := pnw.NewClient(
		pnw.WithBaseURL(cfg.API.GraphQLURL),
		pnw.WithUserAgent(cfg.Snapshot.UserAgent),
		pnw.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.API.TimeoutSecs) * time.Second,
		}),
	)

	breaker := resilience.BreakerSettings(
		cfg.API.BreakerFailures,
		time.Duration(cfg.API.BreakerResetSecs)*time.Second,
		metrics.BreakerStateChanged,
	)

	enricher := enrich.NewClient(api, keys, enrich.Options{
		AllianceScope: cfg.Enrichment.AllianceScope,
		CityScope:     cfg.Enrichment.CityScope,
		PriceScope:    cfg.Enrichment.PriceScope,
		Alliances:     batchOptions(cfg.Enrichment.Alliances),
		Cities:        batchOptions(cfg.Enrichment.Cities),
		CityTTL:       cfg.Enrichment.CityCacheTTL(),
		PriceTTL:      cfg.Enrichment.PriceTTL(),
		Breaker:       breaker,
		Observer:      metrics,
	})

	ref := snapshot.NewReference(st, cfg.Snapshot.Freshness())

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent: cfg.Snapshot.UserAgent,
		Timeout:   time.Duration(cfg.Snapshot.DownloadTimeoutSecs) * time.Second,
	})
	ingestor := snapshot.NewIngestor(f, st, snapshot.IngestorOptions{
		BaseURL:   cfg.Snapshot.BaseURL,
		TempDir:   cfg.Snapshot.TempDir,
		Retention: time.Duration(cfg.Snapshot.RetentionDays) * 24 * time.Hour,
		Location:  loc,
		Observer:  metrics,
	})

	pipeline := raid.New(ref, enricher, scorer, st, raid.Options{
		MinScoreRatio:    cfg.Raid.MinScoreRatio,
		MaxScoreRatio:    cfg.Raid.MaxScoreRatio,
		MinLoot:          cfg.Raid.MinLoot,
		MaxDefensiveWars: cfg.Raid.MaxDefensiveWars,
		TopAllianceRank:  cfg.Raid.TopAllianceRank,
		OwnAllianceID:    cfg.Raid.OwnAllianceID,
		AllianceScope:    cfg.Enrichment.AllianceScope,
		PurgeMaxCities:   cfg.Raid.PurgeMaxCities,
		Timeout:          time.Duration(cfg.Raid.TimeoutSecs) * time.Second,
		NotifyBuffer:     cfg.Raid.NotifyBuffer,
		RecordRuns:       cfg.Raid.RecordRuns,
		Observer:         metrics,
	})

	collector := monitoring.NewCollector(st, monitoring.Sources{
		Keys:     keys,
		Breakers: enricher,
		Snapshot: ref,
	})

	zap.L().Info("environment ready",
		zap.String("store", cfg.Store.Path),
		zap.Strings("scopes", keys.Scopes()),
		zap.String("schedule_zone", loc.String()),
	)

	return &appEnv{
		Store:     st,
		Metrics:   metrics,
		Keys:      keys,
		Enricher:  enricher,
		Reference: ref,
		Ingestor:  ingestor,
		Pipeline:  pipeline,
		Collector: collector,
		Location:  loc,
	}, nil
}

// initScorer loads the loot value tables, falling back to the built-in
// defaults when no file is configured.
func initScorer(c config.LootConfig) (*loot.Scorer, error) {
	if c.ValuesFile == "" {
		return loot.NewScorer(loot.DefaultValues()), nil
	}
	v, err := loot.LoadValues(c.ValuesFile)
	if err != nil {
		return nil, err
	}
	zap.L().Info("loot values loaded", zap.String("file", c.ValuesFile))
	return loot.NewScorer(v), nil
}

func batchOptions(c config.BatchConfig) enrich.BatchOptions {
	return enrich.BatchOptions{
		ChunkSize:  c.ChunkSize,
		ChunkDelay: c.ChunkDelay(),
		MaxRetries: c.MaxRetries,
		RetryDelay: c.RetryDelay(),
	}
}

// runIngest downloads the current exports and republishes the reference
// view when at least one dataset changed.
func runIngest(ctx context.Context, env *appEnv, date time.Time) *snapshot.Result {
	log := zap.L().With(zap.String("component", "ingest"))

	var res *snapshot.Result
	if date.IsZero() {
		res = env.Ingestor.Ingest(ctx)
	} else {
		res = env.Ingestor.IngestDate(ctx, date)
	}
	if res == nil {
		return res
	}
	if failed := res.Failed(); len(failed) > 0 {
		log.Warn("ingest incomplete", zap.Strings("failed", failed))
	}
	if len(res.Failed()) == len(res.Datasets) {
		return res
	}

	env.Enricher.InvalidateCities()
	if _, err := env.Reference.Reload(ctx); err != nil {
		log.Error("reload reference after ingest", zap.Error(err))
	}
	return res
}
