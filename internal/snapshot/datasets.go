package snapshot

import (
	"context"
	"io"
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/pnw-tools/raidscout/internal/fetcher"
	"github.com/pnw-tools/raidscout/internal/model"
	"github.com/pnw-tools/raidscout/internal/store"
)

// Dataset is one daily bulk export.
type Dataset interface {
	// Name is the dataset name used in the export URL and the ingest log.
	Name() string

	// Load parses the CSV in r and replaces the stored dataset with it.
	// Returns the number of rows written.
	Load(ctx context.Context, r io.Reader, date string, w store.SnapshotWriter) (int, error)
}

// Datasets returns the four exports in ingest order.
func Datasets() []Dataset {
	return []Dataset{nationsDataset{}, citiesDataset{}, alliancesDataset{}, warsDataset{}}
}

type nationsDataset struct{}

func (nationsDataset) Name() string { return store.DatasetNations }

func (nationsDataset) Load(ctx context.Context, r io.Reader, date string, w store.SnapshotWriter) (int, error) {
	nations, err := ParseNations(ctx, r)
	if err != nil {
		return 0, err
	}
	if err := w.ReplaceNations(ctx, date, nations); err != nil {
		return 0, err
	}
	return len(nations), nil
}

type citiesDataset struct{}

func (citiesDataset) Name() string { return store.DatasetCities }

func (citiesDataset) Load(ctx context.Context, r io.Reader, date string, w store.SnapshotWriter) (int, error) {
	cities, err := ParseCities(ctx, r)
	if err != nil {
		return 0, err
	}
	if err := w.ReplaceCities(ctx, date, cities); err != nil {
		return 0, err
	}
	return len(cities), nil
}

type alliancesDataset struct{}

func (alliancesDataset) Name() string { return store.DatasetAlliances }

func (alliancesDataset) Load(ctx context.Context, r io.Reader, date string, w store.SnapshotWriter) (int, error) {
	alliances, err := ParseAlliances(ctx, r)
	if err != nil {
		return 0, err
	}
	if err := w.ReplaceAlliances(ctx, date, alliances); err != nil {
		return 0, err
	}
	return len(alliances), nil
}

type warsDataset struct{}

func (warsDataset) Name() string { return store.DatasetWars }

func (warsDataset) Load(ctx context.Context, r io.Reader, date string, w store.SnapshotWriter) (int, error) {
	wars, err := ParseWars(ctx, r)
	if err != nil {
		return 0, err
	}
	if err := w.ReplaceWars(ctx, date, wars); err != nil {
		return 0, err
	}
	return len(wars), nil
}

func requireColumns(h fetcher.Header, dataset string, cols ...string) error {
	for _, c := range cols {
		if !h.Has(c) {
			return eris.Errorf("snapshot: %s export missing column %q", dataset, c)
		}
	}
	return nil
}

// ParseNations reads the nations export. Rows without a nation id are skipped.
func ParseNations(ctx context.Context, r io.Reader) ([]model.Nation, error) {
	var out []model.Nation
	checked := false
	err := fetcher.ForEachRecord(ctx, r, func(h fetcher.Header, row []string) error {
		if !checked {
			if err := requireColumns(h, store.DatasetNations, "nation_id", "score"); err != nil {
				return err
			}
			checked = true
		}
		id := parseIntOr(h.Get(row, "nation_id"), 0)
		if id == 0 {
			return nil
		}
		out = append(out, model.Nation{
			ID:               id,
			Name:             h.Get(row, "nation_name"),
			Leader:           h.Get(row, "leader_name"),
			Score:            parseFloat64Or(h.Get(row, "score"), 0),
			Cities:           parseIntOr(h.Get(row, "cities"), 0),
			AllianceID:       parseIntOr(h.Get(row, "alliance_id"), 0),
			AllianceName:     parseAllianceName(h.Get(row, "alliance")),
			AlliancePosition: strings.ToUpper(h.Get(row, "alliance_position")),
			AllianceRank:     model.UnknownRank,
			Color:            strings.ToLower(h.Get(row, "color")),
			VacationTurns:    parseIntOr(h.Get(row, "vm_turns"), 0),
			BeigeTurns:       parseIntOr(h.Get(row, "beige_turns_remaining"), 0),
			Military: model.Military{
				Soldiers: parseIntOr(h.Get(row, "soldiers"), 0),
				Tanks:    parseIntOr(h.Get(row, "tanks"), 0),
				Aircraft: parseIntOr(h.Get(row, "aircraft"), 0),
				Ships:    parseIntOr(h.Get(row, "ships"), 0),
				Spies:    parseIntOr(h.Get(row, "spies"), 0),
				Missiles: parseIntOr(h.Get(row, "missiles"), 0),
				Nukes:    parseIntOr(h.Get(row, "nukes"), 0),
			},
			CreatedAt:  h.Get(row, "date_created"),
			LastActive: parseTime(h.Get(row, "last_active")),
		})
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: parse nations")
	}
	return out, nil
}

// ParseCities reads the cities export. Building columns that are absent
// count as zero.
func ParseCities(ctx context.Context, r io.Reader) ([]model.City, error) {
	var (
		out     []model.City
		columns map[string]string // building -> export column
	)
	err := fetcher.ForEachRecord(ctx, r, func(h fetcher.Header, row []string) error {
		if columns == nil {
			if err := requireColumns(h, store.DatasetCities, "city_id", "nation_id"); err != nil {
				return err
			}
			columns = make(map[string]string, len(model.BuildingNames))
			for _, b := range model.BuildingNames {
				for _, col := range buildingColumns(b) {
					if h.Has(col) {
						columns[b] = col
						break
					}
				}
			}
		}

		id := parseIntOr(h.Get(row, "city_id"), 0)
		nationID := parseIntOr(h.Get(row, "nation_id"), 0)
		if id == 0 || nationID == 0 {
			return nil
		}

		buildings := make(model.Buildings, len(columns))
		for b, col := range columns {
			if n := parseIntOr(h.Get(row, col), 0); n > 0 {
				buildings[b] = n
			}
		}

		out = append(out, model.City{
			ID:             id,
			NationID:       nationID,
			Name:           h.Get(row, "name"),
			Infrastructure: parseFloat64Or(h.Get(row, "infrastructure"), 0),
			Land:           parseFloat64Or(h.Get(row, "land"), 0),
			Powered:        parseBool(h.Get(row, "powered")),
			Buildings:      buildings,
		})
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: parse cities")
	}
	return out, nil
}

// ParseAlliances reads the alliances export. When the export has no rank
// column, ranks are assigned by descending score starting at 1.
func ParseAlliances(ctx context.Context, r io.Reader) ([]model.Alliance, error) {
	var (
		out     []model.Alliance
		hasRank bool
		checked bool
	)
	err := fetcher.ForEachRecord(ctx, r, func(h fetcher.Header, row []string) error {
		if !checked {
			if err := requireColumns(h, store.DatasetAlliances, "alliance_id"); err != nil {
				return err
			}
			hasRank = h.Has("rank")
			checked = true
		}
		id := parseIntOr(h.Get(row, "alliance_id"), 0)
		if id == 0 {
			return nil
		}
		name := h.Get(row, "name")
		if name == "" {
			name = h.Get(row, "alliance_name")
		}
		out = append(out, model.Alliance{
			ID:    id,
			Name:  name,
			Score: parseFloat64Or(h.Get(row, "score"), 0),
			Rank:  parseIntOr(h.Get(row, "rank"), 0),
		})
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: parse alliances")
	}
	if !hasRank {
		assignRanks(out)
	}
	return out, nil
}

// assignRanks sets Rank from descending score. Ties keep export order.
func assignRanks(alliances []model.Alliance) {
	idx := make([]int, len(alliances))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		sa, sb := alliances[a].Score, alliances[b].Score
		switch {
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		default:
			return 0
		}
	})
	for rank, i := range idx {
		alliances[i].Rank = rank + 1
	}
}

// ParseWars reads the wars export.
func ParseWars(ctx context.Context, r io.Reader) ([]model.War, error) {
	var out []model.War
	checked := false
	err := fetcher.ForEachRecord(ctx, r, func(h fetcher.Header, row []string) error {
		if !checked {
			if err := requireColumns(h, store.DatasetWars, "war_id", "aggressor_nation_id", "defender_nation_id"); err != nil {
				return err
			}
			checked = true
		}
		id := parseIntOr(h.Get(row, "war_id"), 0)
		if id == 0 {
			return nil
		}
		out = append(out, model.War{
			ID:         id,
			AttackerID: parseIntOr(h.Get(row, "aggressor_nation_id"), 0),
			DefenderID: parseIntOr(h.Get(row, "defender_nation_id"), 0),
			Type:       h.Get(row, "war_type"),
			Reason:     h.Get(row, "reason"),
			TurnsLeft:  parseIntOr(h.Get(row, "turns_left"), 0),
			Status:     strings.ToLower(h.Get(row, "status")),
		})
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: parse wars")
	}
	return out, nil
}
