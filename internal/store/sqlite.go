package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/pnw-tools/raidscout/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite through sqlx.
type SQLiteStore struct {
	db *sqlx.DB

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection: pragmas stick, and concurrent dataset replaces queue
	// instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, nowFunc: time.Now}, nil
}

const nationColumns = `
	id                INTEGER PRIMARY KEY,
	seq               INTEGER NOT NULL,
	name              TEXT NOT NULL DEFAULT '',
	leader            TEXT NOT NULL DEFAULT '',
	score             REAL NOT NULL DEFAULT 0,
	cities            INTEGER NOT NULL DEFAULT 0,
	alliance_id       INTEGER NOT NULL DEFAULT 0,
	alliance_name     TEXT NOT NULL DEFAULT '',
	alliance_position TEXT NOT NULL DEFAULT '',
	color             TEXT NOT NULL DEFAULT '',
	vacation_turns    INTEGER NOT NULL DEFAULT 0,
	beige_turns       INTEGER NOT NULL DEFAULT 0,
	soldiers          INTEGER NOT NULL DEFAULT 0,
	tanks             INTEGER NOT NULL DEFAULT 0,
	aircraft          INTEGER NOT NULL DEFAULT 0,
	ships             INTEGER NOT NULL DEFAULT 0,
	spies             INTEGER NOT NULL DEFAULT 0,
	missiles          INTEGER NOT NULL DEFAULT 0,
	nukes             INTEGER NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL DEFAULT '',
	last_active       INTEGER NOT NULL DEFAULT 0
`

var sqliteMigration = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS nations (%[1]s);
CREATE TABLE IF NOT EXISTS nations_yesterday (%[1]s);

CREATE TABLE IF NOT EXISTS cities (
	id             INTEGER PRIMARY KEY,
	seq            INTEGER NOT NULL,
	nation_id      INTEGER NOT NULL,
	name           TEXT NOT NULL DEFAULT '',
	infrastructure REAL NOT NULL DEFAULT 0,
	land           REAL NOT NULL DEFAULT 0,
	powered        INTEGER NOT NULL DEFAULT 0,
	buildings      TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS alliances (
	id    INTEGER PRIMARY KEY,
	seq   INTEGER NOT NULL,
	name  TEXT NOT NULL DEFAULT '',
	score REAL NOT NULL DEFAULT 0,
	rank  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS wars (
	id          INTEGER PRIMARY KEY,
	seq         INTEGER NOT NULL,
	attacker_id INTEGER NOT NULL,
	defender_id INTEGER NOT NULL,
	type        TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	turns_left  INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS snapshot_meta (
	dataset   TEXT PRIMARY KEY,
	date      TEXT NOT NULL,
	loaded_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ingest_log (
	id          TEXT PRIMARY KEY,
	dataset     TEXT NOT NULL,
	date        TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	row_count   INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	finished_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS raid_runs (
	id              TEXT PRIMARY KEY,
	requester_id    INTEGER NOT NULL DEFAULT 0,
	requester_score REAL NOT NULL,
	alliance_id     INTEGER NOT NULL DEFAULT 0,
	initial         INTEGER NOT NULL DEFAULT 0,
	returned        INTEGER NOT NULL DEFAULT 0,
	estimated       INTEGER NOT NULL DEFAULT 0,
	counts          TEXT NOT NULL DEFAULT '{}',
	started_at      INTEGER NOT NULL,
	finished_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cities_nation_id ON cities(nation_id);
CREATE INDEX IF NOT EXISTS idx_wars_defender_id ON wars(defender_id);
CREATE INDEX IF NOT EXISTS idx_ingest_log_dataset ON ingest_log(dataset, finished_at);
CREATE INDEX IF NOT EXISTS idx_raid_runs_finished_at ON raid_runs(finished_at);
`, nationColumns)

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Snapshot rows ---

type nationRow struct {
	ID               int     `db:"id"`
	Seq              int     `db:"seq"`
	Name             string  `db:"name"`
	Leader           string  `db:"leader"`
	Score            float64 `db:"score"`
	Cities           int     `db:"cities"`
	AllianceID       int     `db:"alliance_id"`
	AllianceName     string  `db:"alliance_name"`
	AlliancePosition string  `db:"alliance_position"`
	Color            string  `db:"color"`
	VacationTurns    int     `db:"vacation_turns"`
	BeigeTurns       int     `db:"beige_turns"`
	Soldiers         int     `db:"soldiers"`
	Tanks            int     `db:"tanks"`
	Aircraft         int     `db:"aircraft"`
	Ships            int     `db:"ships"`
	Spies            int     `db:"spies"`
	Missiles         int     `db:"missiles"`
	Nukes            int     `db:"nukes"`
	CreatedAt        string  `db:"created_at"`
	LastActive       int64   `db:"last_active"`
}

func toNationRow(seq int, n model.Nation) nationRow {
	r := nationRow{
		ID:               n.ID,
		Seq:              seq,
		Name:             n.Name,
		Leader:           n.Leader,
		Score:            n.Score,
		Cities:           n.Cities,
		AllianceID:       n.AllianceID,
		AllianceName:     n.AllianceName,
		AlliancePosition: n.AlliancePosition,
		Color:            n.Color,
		VacationTurns:    n.VacationTurns,
		BeigeTurns:       n.BeigeTurns,
		Soldiers:         n.Military.Soldiers,
		Tanks:            n.Military.Tanks,
		Aircraft:         n.Military.Aircraft,
		Ships:            n.Military.Ships,
		Spies:            n.Military.Spies,
		Missiles:         n.Military.Missiles,
		Nukes:            n.Military.Nukes,
		CreatedAt:        n.CreatedAt,
	}
	if !n.LastActive.IsZero() {
		r.LastActive = n.LastActive.Unix()
	}
	return r
}

func (r nationRow) toModel() model.Nation {
	n := model.Nation{
		ID:               r.ID,
		Name:             r.Name,
		Leader:           r.Leader,
		Score:            r.Score,
		Cities:           r.Cities,
		AllianceID:       r.AllianceID,
		AllianceName:     r.AllianceName,
		AlliancePosition: r.AlliancePosition,
		Color:            r.Color,
		VacationTurns:    r.VacationTurns,
		BeigeTurns:       r.BeigeTurns,
		Military: model.Military{
			Soldiers: r.Soldiers,
			Tanks:    r.Tanks,
			Aircraft: r.Aircraft,
			Ships:    r.Ships,
			Spies:    r.Spies,
			Missiles: r.Missiles,
			Nukes:    r.Nukes,
		},
		CreatedAt: r.CreatedAt,
	}
	if r.LastActive > 0 {
		n.LastActive = time.Unix(r.LastActive, 0).UTC()
	}
	return n
}

type cityRow struct {
	ID             int     `db:"id"`
	Seq            int     `db:"seq"`
	NationID       int     `db:"nation_id"`
	Name           string  `db:"name"`
	Infrastructure float64 `db:"infrastructure"`
	Land           float64 `db:"land"`
	Powered        bool    `db:"powered"`
	Buildings      string  `db:"buildings"`
}

type allianceRow struct {
	ID    int     `db:"id"`
	Seq   int     `db:"seq"`
	Name  string  `db:"name"`
	Score float64 `db:"score"`
	Rank  int     `db:"rank"`
}

type warRow struct {
	ID         int    `db:"id"`
	Seq        int    `db:"seq"`
	AttackerID int    `db:"attacker_id"`
	DefenderID int    `db:"defender_id"`
	Type       string `db:"type"`
	Reason     string `db:"reason"`
	TurnsLeft  int    `db:"turns_left"`
	Status     string `db:"status"`
}

const insertNation = `INSERT OR REPLACE INTO nations (
	id, seq, name, leader, score, cities, alliance_id, alliance_name, alliance_position,
	color, vacation_turns, beige_turns, soldiers, tanks, aircraft, ships, spies,
	missiles, nukes, created_at, last_active
) VALUES (
	:id, :seq, :name, :leader, :score, :cities, :alliance_id, :alliance_name, :alliance_position,
	:color, :vacation_turns, :beige_turns, :soldiers, :tanks, :aircraft, :ships, :spies,
	:missiles, :nukes, :created_at, :last_active
)`

// ReplaceNations implements SnapshotWriter.
func (s *SQLiteStore) ReplaceNations(ctx context.Context, date string, nations []model.Nation) error {
	return s.inTx(ctx, "nations", func(tx *sqlx.Tx) error {
		var current string
		err := tx.GetContext(ctx, &current, `SELECT date FROM snapshot_meta WHERE dataset = ?`, DatasetNations)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return eris.Wrap(err, "read nations date")
		}
		if current != date {
			var count int
			if err := tx.GetContext(ctx, &count, `SELECT COUNT(*) FROM nations`); err != nil {
				return eris.Wrap(err, "count nations")
			}
			if count > 0 {
				if _, err := tx.ExecContext(ctx, `DELETE FROM nations_yesterday`); err != nil {
					return eris.Wrap(err, "clear yesterday")
				}
				if _, err := tx.ExecContext(ctx, `INSERT INTO nations_yesterday SELECT * FROM nations`); err != nil {
					return eris.Wrap(err, "copy yesterday")
				}
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM nations`); err != nil {
			return eris.Wrap(err, "clear nations")
		}
		stmt, err := tx.PrepareNamedContext(ctx, insertNation)
		if err != nil {
			return eris.Wrap(err, "prepare insert")
		}
		defer stmt.Close() //nolint:errcheck
		for i, n := range nations {
			if _, err := stmt.ExecContext(ctx, toNationRow(i, n)); err != nil {
				return eris.Wrapf(err, "insert nation %d", n.ID)
			}
		}
		return s.setDate(ctx, tx, DatasetNations, date)
	})
}

// ReplaceCities implements SnapshotWriter.
func (s *SQLiteStore) ReplaceCities(ctx context.Context, date string, cities []model.City) error {
	return s.inTx(ctx, "cities", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cities`); err != nil {
			return eris.Wrap(err, "clear cities")
		}
		stmt, err := tx.PrepareNamedContext(ctx, `INSERT OR REPLACE INTO cities
			(id, seq, nation_id, name, infrastructure, land, powered, buildings)
			VALUES (:id, :seq, :nation_id, :name, :infrastructure, :land, :powered, :buildings)`)
		if err != nil {
			return eris.Wrap(err, "prepare insert")
		}
		defer stmt.Close() //nolint:errcheck
		for i, c := range cities {
			buildings, err := json.Marshal(c.Buildings)
			if err != nil {
				return eris.Wrapf(err, "marshal buildings for city %d", c.ID)
			}
			row := cityRow{
				ID:             c.ID,
				Seq:            i,
				NationID:       c.NationID,
				Name:           c.Name,
				Infrastructure: c.Infrastructure,
				Land:           c.Land,
				Powered:        c.Powered,
				Buildings:      string(buildings),
			}
			if _, err := stmt.ExecContext(ctx, row); err != nil {
				return eris.Wrapf(err, "insert city %d", c.ID)
			}
		}
		return s.setDate(ctx, tx, DatasetCities, date)
	})
}

// ReplaceAlliances implements SnapshotWriter.
func (s *SQLiteStore) ReplaceAlliances(ctx context.Context, date string, alliances []model.Alliance) error {
	return s.inTx(ctx, "alliances", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM alliances`); err != nil {
			return eris.Wrap(err, "clear alliances")
		}
		stmt, err := tx.PrepareNamedContext(ctx, `INSERT OR REPLACE INTO alliances
			(id, seq, name, score, rank) VALUES (:id, :seq, :name, :score, :rank)`)
		if err != nil {
			return eris.Wrap(err, "prepare insert")
		}
		defer stmt.Close() //nolint:errcheck
		for i, a := range alliances {
			row := allianceRow{ID: a.ID, Seq: i, Name: a.Name, Score: a.Score, Rank: a.Rank}
			if _, err := stmt.ExecContext(ctx, row); err != nil {
				return eris.Wrapf(err, "insert alliance %d", a.ID)
			}
		}
		return s.setDate(ctx, tx, DatasetAlliances, date)
	})
}

// ReplaceWars implements SnapshotWriter.
func (s *SQLiteStore) ReplaceWars(ctx context.Context, date string, wars []model.War) error {
	return s.inTx(ctx, "wars", func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM wars`); err != nil {
			return eris.Wrap(err, "clear wars")
		}
		stmt, err := tx.PrepareNamedContext(ctx, `INSERT OR REPLACE INTO wars
			(id, seq, attacker_id, defender_id, type, reason, turns_left, status)
			VALUES (:id, :seq, :attacker_id, :defender_id, :type, :reason, :turns_left, :status)`)
		if err != nil {
			return eris.Wrap(err, "prepare insert")
		}
		defer stmt.Close() //nolint:errcheck
		for i, w := range wars {
			row := warRow{
				ID:         w.ID,
				Seq:        i,
				AttackerID: w.AttackerID,
				DefenderID: w.DefenderID,
				Type:       w.Type,
				Reason:     w.Reason,
				TurnsLeft:  w.TurnsLeft,
				Status:     w.Status,
			}
			if _, err := stmt.ExecContext(ctx, row); err != nil {
				return eris.Wrapf(err, "insert war %d", w.ID)
			}
		}
		return s.setDate(ctx, tx, DatasetWars, date)
	})
}

func (s *SQLiteStore) setDate(ctx context.Context, tx *sqlx.Tx, dataset, date string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO snapshot_meta (dataset, date, loaded_at) VALUES (?, ?, ?)
		 ON CONFLICT(dataset) DO UPDATE SET date = excluded.date, loaded_at = excluded.loaded_at`,
		dataset, date, s.nowFunc().UTC().Unix(),
	)
	return eris.Wrap(err, "record snapshot date")
}

// inTx runs fn in a transaction that is rolled back on any error, so a
// failed replace leaves the previous rows untouched.
func (s *SQLiteStore) inTx(ctx context.Context, dataset string, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return eris.Wrapf(err, "sqlite: begin replace %s", dataset)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return eris.Wrapf(err, "sqlite: replace %s", dataset)
	}
	return eris.Wrapf(tx.Commit(), "sqlite: commit replace %s", dataset)
}

// LoadNations implements SnapshotReader.
func (s *SQLiteStore) LoadNations(ctx context.Context) ([]model.Nation, error) {
	return s.loadNations(ctx, "nations")
}

// LoadPreviousNations implements SnapshotReader.
func (s *SQLiteStore) LoadPreviousNations(ctx context.Context) ([]model.Nation, error) {
	return s.loadNations(ctx, "nations_yesterday")
}

func (s *SQLiteStore) loadNations(ctx context.Context, table string) ([]model.Nation, error) {
	var rows []nationRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM `+table+` ORDER BY seq`); err != nil {
		return nil, eris.Wrapf(err, "sqlite: load %s", table)
	}
	out := make([]model.Nation, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out, nil
}

// LoadCities implements SnapshotReader.
func (s *SQLiteStore) LoadCities(ctx context.Context) ([]model.City, error) {
	var rows []cityRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM cities ORDER BY seq`); err != nil {
		return nil, eris.Wrap(err, "sqlite: load cities")
	}
	out := make([]model.City, len(rows))
	for i, r := range rows {
		var b model.Buildings
		if r.Buildings != "" {
			if err := json.Unmarshal([]byte(r.Buildings), &b); err != nil {
				return nil, eris.Wrapf(err, "sqlite: decode buildings for city %d", r.ID)
			}
		}
		out[i] = model.City{
			ID:             r.ID,
			NationID:       r.NationID,
			Name:           r.Name,
			Infrastructure: r.Infrastructure,
			Land:           r.Land,
			Powered:        r.Powered,
			Buildings:      b,
		}
	}
	return out, nil
}

// LoadAlliances implements SnapshotReader.
func (s *SQLiteStore) LoadAlliances(ctx context.Context) ([]model.Alliance, error) {
	var rows []allianceRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM alliances ORDER BY seq`); err != nil {
		return nil, eris.Wrap(err, "sqlite: load alliances")
	}
	out := make([]model.Alliance, len(rows))
	for i, r := range rows {
		out[i] = model.Alliance{ID: r.ID, Name: r.Name, Score: r.Score, Rank: r.Rank}
	}
	return out, nil
}

// LoadWars implements SnapshotReader.
func (s *SQLiteStore) LoadWars(ctx context.Context) ([]model.War, error) {
	var rows []warRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM wars ORDER BY seq`); err != nil {
		return nil, eris.Wrap(err, "sqlite: load wars")
	}
	out := make([]model.War, len(rows))
	for i, r := range rows {
		out[i] = model.War{
			ID:         r.ID,
			AttackerID: r.AttackerID,
			DefenderID: r.DefenderID,
			Type:       r.Type,
			Reason:     r.Reason,
			TurnsLeft:  r.TurnsLeft,
			Status:     r.Status,
		}
	}
	return out, nil
}

// SnapshotDates implements SnapshotReader.
func (s *SQLiteStore) SnapshotDates(ctx context.Context) (map[string]string, error) {
	var rows []struct {
		Dataset string `db:"dataset"`
		Date    string `db:"date"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT dataset, date FROM snapshot_meta`); err != nil {
		return nil, eris.Wrap(err, "sqlite: load snapshot dates")
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Dataset] = r.Date
	}
	return out, nil
}

// --- Ingest log ---

type ingestRow struct {
	ID         string `db:"id"`
	Dataset    string `db:"dataset"`
	Date       string `db:"date"`
	Status     string `db:"status"`
	Rows       int    `db:"row_count"`
	Error      string `db:"error"`
	FinishedAt int64  `db:"finished_at"`
}

func (r ingestRow) toEntry() IngestEntry {
	return IngestEntry{
		ID:         r.ID,
		Dataset:    r.Dataset,
		Date:       r.Date,
		Status:     r.Status,
		Rows:       r.Rows,
		Error:      r.Error,
		FinishedAt: time.Unix(r.FinishedAt, 0).UTC(),
	}
}

// RecordIngest implements IngestLog. Missing ID and FinishedAt are filled in.
func (s *SQLiteStore) RecordIngest(ctx context.Context, entry IngestEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.FinishedAt.IsZero() {
		entry.FinishedAt = s.nowFunc()
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO ingest_log (id, dataset, date, status, row_count, error, finished_at)
		 VALUES (:id, :dataset, :date, :status, :row_count, :error, :finished_at)`,
		ingestRow{
			ID:         entry.ID,
			Dataset:    entry.Dataset,
			Date:       entry.Date,
			Status:     entry.Status,
			Rows:       entry.Rows,
			Error:      entry.Error,
			FinishedAt: entry.FinishedAt.UTC().Unix(),
		},
	)
	return eris.Wrapf(err, "sqlite: record ingest %s", entry.Dataset)
}

// LastIngest returns the most recent successful ingest of dataset, or nil.
func (s *SQLiteStore) LastIngest(ctx context.Context, dataset string) (*IngestEntry, error) {
	var row ingestRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM ingest_log WHERE dataset = ? AND status = ?
		 ORDER BY finished_at DESC LIMIT 1`,
		dataset, IngestComplete,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: last ingest %s", dataset)
	}
	e := row.toEntry()
	return &e, nil
}

// ListIngests implements IngestLog, newest first.
func (s *SQLiteStore) ListIngests(ctx context.Context, filter IngestFilter) ([]IngestEntry, error) {
	query := `SELECT * FROM ingest_log WHERE finished_at >= ?`
	args := []any{filter.FinishedAfter.UTC().Unix()}
	if filter.FinishedAfter.IsZero() {
		args[0] = int64(0)
	}
	if filter.Dataset != "" {
		query += ` AND dataset = ?`
		args = append(args, filter.Dataset)
	}
	query += ` ORDER BY finished_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var rows []ingestRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, eris.Wrap(err, "sqlite: list ingests")
	}
	out := make([]IngestEntry, len(rows))
	for i, r := range rows {
		out[i] = r.toEntry()
	}
	return out, nil
}

// PruneIngests deletes ingest log rows finished before the cutoff.
func (s *SQLiteStore) PruneIngests(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ingest_log WHERE finished_at < ?`, before.UTC().Unix())
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune ingests")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "rows affected")
	}
	return int(n), nil
}

// --- Raid runs ---

type runRow struct {
	ID             string  `db:"id"`
	RequesterID    int     `db:"requester_id"`
	RequesterScore float64 `db:"requester_score"`
	AllianceID     int     `db:"alliance_id"`
	Initial        int     `db:"initial"`
	Returned       int     `db:"returned"`
	Estimated      int     `db:"estimated"`
	Counts         string  `db:"counts"`
	StartedAt      int64   `db:"started_at"`
	FinishedAt     int64   `db:"finished_at"`
}

// SaveRun implements RunLog.
func (s *SQLiteStore) SaveRun(ctx context.Context, run RunRecord) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	counts, err := json.Marshal(run.Counts)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run counts")
	}
	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO raid_runs (id, requester_id, requester_score, alliance_id, initial, returned,
			estimated, counts, started_at, finished_at)
		 VALUES (:id, :requester_id, :requester_score, :alliance_id, :initial, :returned,
			:estimated, :counts, :started_at, :finished_at)`,
		runRow{
			ID:             run.ID,
			RequesterID:    run.RequesterID,
			RequesterScore: run.RequesterScore,
			AllianceID:     run.AllianceID,
			Initial:        run.Initial,
			Returned:       run.Returned,
			Estimated:      run.Estimated,
			Counts:         string(counts),
			StartedAt:      run.StartedAt.UTC().Unix(),
			FinishedAt:     run.FinishedAt.UTC().Unix(),
		},
	)
	return eris.Wrapf(err, "sqlite: save run %s", run.ID)
}

// ListRuns implements RunLog, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error) {
	after := int64(0)
	if !filter.CreatedAfter.IsZero() {
		after = filter.CreatedAfter.UTC().Unix()
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM raid_runs WHERE finished_at >= ? ORDER BY finished_at DESC LIMIT ?`,
		after, limit,
	); err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}

	out := make([]RunRecord, len(rows))
	for i, r := range rows {
		var counts map[string]int
		if err := json.Unmarshal([]byte(r.Counts), &counts); err != nil {
			return nil, eris.Wrapf(err, "sqlite: decode counts for run %s", r.ID)
		}
		out[i] = RunRecord{
			ID:             r.ID,
			RequesterID:    r.RequesterID,
			RequesterScore: r.RequesterScore,
			AllianceID:     r.AllianceID,
			Initial:        r.Initial,
			Returned:       r.Returned,
			Estimated:      r.Estimated,
			Counts:         counts,
			StartedAt:      time.Unix(r.StartedAt, 0).UTC(),
			FinishedAt:     time.Unix(r.FinishedAt, 0).UTC(),
		}
	}
	return out, nil
}

var _ Store = (*SQLiteStore)(nil)
