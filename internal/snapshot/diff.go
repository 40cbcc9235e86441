package snapshot

import (
	"sort"

	"github.com/pnw-tools/raidscout/internal/model"
)

// AllianceChange records a nation moving between alliances.
type AllianceChange struct {
	NationID int    `json:"nation_id"`
	Name     string `json:"name"`
	From     int    `json:"from"`
	To       int    `json:"to"`
	FromName string `json:"from_name,omitempty"`
	ToName   string `json:"to_name,omitempty"`
}

// CityChange records a change in city count.
type CityChange struct {
	NationID int    `json:"nation_id"`
	Name     string `json:"name"`
	From     int    `json:"from"`
	To       int    `json:"to"`
}

// NationDiff is the day-over-day difference between two generations.
type NationDiff struct {
	Joined          []model.Nation   `json:"joined"`
	Left            []model.Nation   `json:"left"`
	AllianceChanges []AllianceChange `json:"alliance_changes"`
	CityChanges     []CityChange     `json:"city_changes"`
}

// Empty reports whether nothing changed.
func (d NationDiff) Empty() bool {
	return len(d.Joined) == 0 && len(d.Left) == 0 && len(d.AllianceChanges) == 0 && len(d.CityChanges) == 0
}

// DiffNations compares prev to cur by nation id. Every slice is sorted by
// nation id.
func DiffNations(prev, cur []model.Nation) NationDiff {
	before := make(map[int]model.Nation, len(prev))
	for _, n := range prev {
		before[n.ID] = n
	}

	var d NationDiff
	seen := make(map[int]struct{}, len(cur))
	for _, n := range cur {
		seen[n.ID] = struct{}{}
		old, ok := before[n.ID]
		if !ok {
			d.Joined = append(d.Joined, n)
			continue
		}
		if old.AllianceID != n.AllianceID {
			d.AllianceChanges = append(d.AllianceChanges, AllianceChange{
				NationID: n.ID,
				Name:     n.Name,
				From:     old.AllianceID,
				To:       n.AllianceID,
				FromName: old.AllianceName,
				ToName:   n.AllianceName,
			})
		}
		if old.Cities != n.Cities {
			d.CityChanges = append(d.CityChanges, CityChange{
				NationID: n.ID,
				Name:     n.Name,
				From:     old.Cities,
				To:       n.Cities,
			})
		}
	}
	for _, n := range prev {
		if _, ok := seen[n.ID]; !ok {
			d.Left = append(d.Left, n)
		}
	}

	sort.Slice(d.Joined, func(i, j int) bool { return d.Joined[i].ID < d.Joined[j].ID })
	sort.Slice(d.Left, func(i, j int) bool { return d.Left[i].ID < d.Left[j].ID })
	sort.Slice(d.AllianceChanges, func(i, j int) bool { return d.AllianceChanges[i].NationID < d.AllianceChanges[j].NationID })
	sort.Slice(d.CityChanges, func(i, j int) bool { return d.CityChanges[i].NationID < d.CityChanges[j].NationID })
	return d
}
