// Package snapshot ingests the daily bulk exports and serves the loaded
// generation to the raid pipeline.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pnw-tools/raidscout/internal/fetcher"
	"github.com/pnw-tools/raidscout/internal/store"
)

// DateLayout is the date format used in export file names.
const DateLayout = "2006-01-02"

// IngestStore is the persistence the ingestor needs.
type IngestStore interface {
	store.SnapshotWriter
	store.IngestLog
}

// IngestObserver receives per-dataset outcomes, typically for metrics.
type IngestObserver interface {
	DatasetIngested(dataset string, ok bool, rows int, elapsed time.Duration)
}

// IngestorOptions configures an Ingestor.
type IngestorOptions struct {
	BaseURL   string
	TempDir   string
	Retention time.Duration
	Location  *time.Location
	Observer  IngestObserver
	Datasets  []Dataset
}

// Ingestor downloads the four exports and replaces the stored generation.
type Ingestor struct {
	fetcher fetcher.Fetcher
	store   IngestStore
	opts    IngestorOptions
	nowFunc func() time.Time
	mu      sync.Mutex // one ingest at a time
}

// DatasetResult is the outcome for one export.
type DatasetResult struct {
	Dataset  string        `json:"dataset"`
	Date     string        `json:"date,omitempty"`
	Rows     int           `json:"rows"`
	FellBack bool          `json:"fell_back,omitempty"`
	Elapsed  time.Duration `json:"elapsed"`
	Err      error         `json:"-"`
}

// OK reports whether the dataset was replaced.
func (r DatasetResult) OK() bool { return r.Err == nil }

// Result is the outcome of one ingest pass.
type Result struct {
	Datasets []DatasetResult `json:"datasets"`
}

// OK is true only when every dataset succeeded.
func (r *Result) OK() bool {
	if r == nil || len(r.Datasets) == 0 {
		return false
	}
	for _, d := range r.Datasets {
		if !d.OK() {
			return false
		}
	}
	return true
}

// Failed returns the names of the datasets that were not replaced.
func (r *Result) Failed() []string {
	var out []string
	for _, d := range r.Datasets {
		if !d.OK() {
			out = append(out, d.Dataset)
		}
	}
	return out
}

// NewIngestor creates an Ingestor.
func NewIngestor(f fetcher.Fetcher, s IngestStore, opts IngestorOptions) *Ingestor {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://politicsandwar.com/data"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.TempDir == "" {
		opts.TempDir = filepath.Join(os.TempDir(), "raidscout")
	}
	if opts.Retention == 0 {
		opts.Retention = 7 * 24 * time.Hour
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if len(opts.Datasets) == 0 {
		opts.Datasets = Datasets()
	}
	return &Ingestor{
		fetcher: f,
		store:   s,
		opts:    opts,
		nowFunc: time.Now,
	}
}

// ExportURL builds the download URL for a dataset and date.
func ExportURL(baseURL, dataset, date string) string {
	return fmt.Sprintf("%s/%s/%s-%s.csv.zip", strings.TrimRight(baseURL, "/"), dataset, dataset, date)
}

// Ingest fetches every dataset for today's date in the configured zone,
// falling back one day per dataset when today's export is missing.
// Failures are logged and reported in the Result; stored data for a failed
// dataset is left as it was.
func (in *Ingestor) Ingest(ctx context.Context) *Result {
	return in.IngestDate(ctx, in.nowFunc().In(in.opts.Location))
}

// IngestDate is Ingest for an explicit target date.
func (in *Ingestor) IngestDate(ctx context.Context, target time.Time) *Result {
	in.mu.Lock()
	defer in.mu.Unlock()

	log := zap.L().With(zap.String("component", "snapshot.ingest"), zap.String("date", target.Format(DateLayout)))
	start := in.nowFunc()

	if err := os.MkdirAll(in.opts.TempDir, 0o755); err != nil {
		log.Error("create temp dir", zap.Error(err))
	}

	// Datasets succeed or fail independently: a failure is reported in its
	// result and never cancels the others, so the group is only a fan-out.
	results := make([]DatasetResult, len(in.opts.Datasets))
	var g errgroup.Group
	for i, ds := range in.opts.Datasets {
		g.Go(func() error {
			results[i] = in.ingestDataset(ctx, ds, target)
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{Datasets: results}
	for _, r := range results {
		in.recordIngest(ctx, r)
	}
	in.prune(ctx)

	if res.OK() {
		log.Info("snapshot ingest complete", zap.Duration("elapsed", in.nowFunc().Sub(start)))
	} else {
		log.Error("snapshot ingest incomplete",
			zap.Strings("failed", res.Failed()),
			zap.Duration("elapsed", in.nowFunc().Sub(start)),
		)
	}
	return res
}

func (in *Ingestor) ingestDataset(ctx context.Context, ds Dataset, target time.Time) DatasetResult {
	log := zap.L().With(zap.String("component", "snapshot.ingest"), zap.String("dataset", ds.Name()))
	start := in.nowFunc()
	res := DatasetResult{Dataset: ds.Name()}

	date := target.Format(DateLayout)
	path, err := in.download(ctx, ds.Name(), date)
	if fetcher.IsNotFound(err) {
		fallback := target.AddDate(0, 0, -1).Format(DateLayout)
		log.Warn("export not published yet, trying previous day",
			zap.String("date", date),
			zap.String("fallback", fallback),
		)
		date = fallback
		res.FellBack = true
		path, err = in.download(ctx, ds.Name(), date)
	}
	res.Date = date

	if err == nil {
		res.Rows, err = in.load(ctx, ds, path, date)
	}
	res.Err = err
	res.Elapsed = in.nowFunc().Sub(start)

	if in.opts.Observer != nil {
		in.opts.Observer.DatasetIngested(ds.Name(), err == nil, res.Rows, res.Elapsed)
	}
	if err != nil {
		log.Error("dataset ingest failed", zap.String("date", date), zap.Error(err))
		return res
	}
	log.Info("dataset ingested",
		zap.String("date", date),
		zap.Int("rows", res.Rows),
		zap.Duration("elapsed", res.Elapsed),
	)
	return res
}

func (in *Ingestor) download(ctx context.Context, dataset, date string) (string, error) {
	url := ExportURL(in.opts.BaseURL, dataset, date)
	path := filepath.Join(in.opts.TempDir, fmt.Sprintf("%s-%s-%s.csv.zip", dataset, date, uuid.NewString()[:8]))

	if _, err := in.fetcher.DownloadToFile(ctx, url, path); err != nil {
		_ = os.Remove(path)
		return "", eris.Wrapf(err, "snapshot: download %s", url)
	}
	return path, nil
}

func (in *Ingestor) load(ctx context.Context, ds Dataset, path, date string) (int, error) {
	rc, name, err := fetcher.OpenFirstEntry(path)
	if err != nil {
		return 0, eris.Wrapf(err, "snapshot: open %s export", ds.Name())
	}
	defer rc.Close() //nolint:errcheck

	zap.L().Debug("parsing export", zap.String("dataset", ds.Name()), zap.String("entry", name))
	n, err := ds.Load(ctx, rc, date, in.store)
	if err != nil {
		return 0, eris.Wrapf(err, "snapshot: load %s", ds.Name())
	}
	return n, nil
}

func (in *Ingestor) recordIngest(ctx context.Context, r DatasetResult) {
	entry := store.IngestEntry{
		ID:         uuid.NewString(),
		Dataset:    r.Dataset,
		Date:       r.Date,
		Status:     store.IngestComplete,
		Rows:       r.Rows,
		FinishedAt: in.nowFunc().UTC(),
	}
	if r.Err != nil {
		entry.Status = store.IngestFailed
		entry.Error = r.Err.Error()
	}
	if err := in.store.RecordIngest(ctx, entry); err != nil {
		zap.L().Error("record ingest", zap.String("dataset", r.Dataset), zap.Error(err))
	}
}

// prune drops ingest log rows and temp downloads older than the retention
// window.
func (in *Ingestor) prune(ctx context.Context) {
	cutoff := in.nowFunc().Add(-in.opts.Retention)
	log := zap.L().With(zap.String("component", "snapshot.ingest"))

	n, err := in.store.PruneIngests(ctx, cutoff)
	if err != nil {
		log.Warn("prune ingest log", zap.Error(err))
	} else if n > 0 {
		log.Info("pruned ingest log", zap.Int("rows", n))
	}

	entries, err := os.ReadDir(in.opts.TempDir)
	if err != nil {
		return
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".csv.zip") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(in.opts.TempDir, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		log.Info("pruned temp downloads", zap.Int("files", removed))
	}
}
