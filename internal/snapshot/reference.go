package snapshot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pnw-tools/raidscout/internal/model"
	"github.com/pnw-tools/raidscout/internal/store"
)

// View is one immutable, fully built snapshot generation. Callers must not
// modify the slices or maps it returns.
type View struct {
	nations   []model.Nation
	previous  []model.Nation
	cities    map[int][]model.City
	alliances map[int]model.Alliance
	wars      map[int]model.WarCounts
	dates     map[string]string
	loadedAt  time.Time
}

// Nations returns every nation in export order.
func (v *View) Nations() []model.Nation {
	if v == nil {
		return nil
	}
	return v.nations
}

// PreviousDayNations returns the generation before this one.
func (v *View) PreviousDayNations() []model.Nation {
	if v == nil {
		return nil
	}
	return v.previous
}

// CitiesFor returns the cities of a nation, or nil when it has none.
func (v *View) CitiesFor(nationID int) []model.City {
	if v == nil {
		return nil
	}
	return v.cities[nationID]
}

// AlliancesByID returns alliances keyed by id.
func (v *View) AlliancesByID() map[int]model.Alliance {
	if v == nil {
		return nil
	}
	return v.alliances
}

// WarsByNation returns active war counts keyed by nation id. Nations
// without active wars are absent.
func (v *View) WarsByNation() map[int]model.WarCounts {
	if v == nil {
		return nil
	}
	return v.wars
}

// Wars returns the active war counts for one nation.
func (v *View) Wars(nationID int) model.WarCounts {
	if v == nil {
		return model.WarCounts{}
	}
	return v.wars[nationID]
}

// Dates returns dataset -> export date for this generation.
func (v *View) Dates() map[string]string {
	if v == nil {
		return nil
	}
	return v.dates
}

// LoadedAt is when the view was built.
func (v *View) LoadedAt() time.Time {
	if v == nil {
		return time.Time{}
	}
	return v.loadedAt
}

// BuildView assembles a view from raw datasets. Nations get their alliance
// name and rank from the alliances dataset, cities of unknown nations are
// dropped, and only active wars are counted.
func BuildView(nations, previous []model.Nation, cities []model.City, alliances []model.Alliance, wars []model.War) *View {
	v := &View{
		nations:   make([]model.Nation, len(nations)),
		previous:  previous,
		cities:    make(map[int][]model.City),
		alliances: make(map[int]model.Alliance, len(alliances)),
		wars:      make(map[int]model.WarCounts),
	}

	for _, a := range alliances {
		v.alliances[a.ID] = a
	}

	known := make(map[int]struct{}, len(nations))
	for i, n := range nations {
		n.AllianceRank = model.UnknownRank
		if a, ok := v.alliances[n.AllianceID]; ok && n.AllianceID != 0 {
			if a.Rank > 0 {
				n.AllianceRank = a.Rank
			}
			if n.AllianceName == "" {
				n.AllianceName = a.Name
			}
		}
		v.nations[i] = n
		known[n.ID] = struct{}{}
	}

	dropped := 0
	for _, c := range cities {
		if _, ok := known[c.NationID]; !ok {
			dropped++
			continue
		}
		v.cities[c.NationID] = append(v.cities[c.NationID], c)
	}
	if dropped > 0 {
		zap.L().Debug("dropped cities of unknown nations", zap.Int("cities", dropped))
	}

	for _, w := range wars {
		if !w.Active() {
			continue
		}
		if w.DefenderID != 0 {
			c := v.wars[w.DefenderID]
			c.Defensive++
			v.wars[w.DefenderID] = c
		}
		if w.AttackerID != 0 {
			c := v.wars[w.AttackerID]
			c.Offensive++
			v.wars[w.AttackerID] = c
		}
	}
	return v
}

// Reference publishes the current View. Readers never block on a reload.
type Reference struct {
	store     store.SnapshotReader
	freshness time.Duration
	nowFunc   func() time.Time

	current  atomic.Pointer[View]
	reloadMu sync.Mutex
}

// NewReference creates a Reference over the store. freshness defaults to
// five minutes.
func NewReference(s store.SnapshotReader, freshness time.Duration) *Reference {
	if freshness <= 0 {
		freshness = 5 * time.Minute
	}
	return &Reference{store: s, freshness: freshness, nowFunc: time.Now}
}

// Current returns the published view, or nil before the first load.
func (r *Reference) Current() *View {
	return r.current.Load()
}

// Nations returns the nations of the current view.
func (r *Reference) Nations() []model.Nation { return r.Current().Nations() }

// CitiesFor returns the cities of a nation in the current view.
func (r *Reference) CitiesFor(nationID int) []model.City { return r.Current().CitiesFor(nationID) }

// AlliancesByID returns the alliances of the current view.
func (r *Reference) AlliancesByID() map[int]model.Alliance { return r.Current().AlliancesByID() }

// WarsByNation returns the active war counts of the current view.
func (r *Reference) WarsByNation() map[int]model.WarCounts { return r.Current().WarsByNation() }

// PreviousDayNations returns the previous-day nations of the current view.
func (r *Reference) PreviousDayNations() []model.Nation { return r.Current().PreviousDayNations() }

// Dates returns the export date of each dataset in the current view.
func (r *Reference) Dates() map[string]string { return r.Current().Dates() }

// IsValid reports whether a view is loaded and younger than the freshness
// window.
func (r *Reference) IsValid() bool {
	v := r.Current()
	if v == nil {
		return false
	}
	return r.nowFunc().Sub(v.loadedAt) < r.freshness
}

// Reload rebuilds the view from the store and publishes it. On error the
// previous view stays published.
func (r *Reference) Reload(ctx context.Context) (*View, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	nations, err := r.store.LoadNations(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "reference: load nations")
	}
	previous, err := r.store.LoadPreviousNations(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "reference: load previous nations")
	}
	cities, err := r.store.LoadCities(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "reference: load cities")
	}
	alliances, err := r.store.LoadAlliances(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "reference: load alliances")
	}
	wars, err := r.store.LoadWars(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "reference: load wars")
	}
	dates, err := r.store.SnapshotDates(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "reference: load snapshot dates")
	}

	v := BuildView(nations, previous, cities, alliances, wars)
	v.dates = dates
	v.loadedAt = r.nowFunc()
	r.current.Store(v)

	zap.L().Info("reference view loaded",
		zap.Int("nations", len(v.nations)),
		zap.Int("previous", len(previous)),
		zap.Int("cities", len(cities)),
		zap.Int("alliances", len(alliances)),
		zap.Int("wars", len(wars)),
	)
	return v, nil
}

// Ensure returns the current view, reloading it first when it is missing
// or stale.
func (r *Reference) Ensure(ctx context.Context) (*View, error) {
	if r.IsValid() {
		return r.Current(), nil
	}
	return r.Reload(ctx)
}
