package raid

import (
	"time"

	"github.com/pnw-tools/raidscout/internal/enrich"
	"github.com/pnw-tools/raidscout/internal/loot"
	"github.com/pnw-tools/raidscout/internal/model"
)

// Stage names, used as keys of Result.Counts.
const (
	StageScoreRange     = "score_range"
	StageVacation       = "vmode"
	StageBeige          = "beige_turns"
	StageDefensiveWars  = "defensive_wars"
	StageNoCities       = "no_cities"
	StageOwnAlliance    = "own_alliance"
	StageAllianceMember = "alliance_member"
	StageLowLoot        = "low_loot"
)

// StageNames lists the counted stages in pipeline order.
var StageNames = []string{
	StageScoreRange,
	StageVacation,
	StageBeige,
	StageDefensiveWars,
	StageNoCities,
	StageOwnAlliance,
	StageAllianceMember,
	StageLowLoot,
}

// Confidence reports the data quality behind a candidate.
type Confidence string

const (
	// ConfidenceExact means live alliance and city data were used.
	ConfidenceExact Confidence = "exact"
	// ConfidenceEstimated means at least one lookup fell back to snapshot
	// or assumed data.
	ConfidenceEstimated Confidence = "estimated"
)

// Data sources recorded on a candidate.
const (
	SourceLive     = "live"
	SourceSnapshot = "snapshot"
	SourceAssumed  = "assumed"
)

// Candidate is one surviving target.
type Candidate struct {
	Nation         model.Nation         `json:"nation"`
	Cities         []model.City         `json:"cities"`
	Alliance       enrich.AllianceFacts `json:"alliance"`
	Wars           model.WarCounts      `json:"wars"`
	Loot           loot.Breakdown       `json:"loot"`
	AllianceSource string               `json:"alliance_source"`
	CitySource     string               `json:"city_source"`
	Confidence     Confidence           `json:"confidence"`

	order int
}

// LootPotential returns the final loot estimate.
func (c Candidate) LootPotential() float64 {
	return c.Loot.Total
}

// Requester identifies who a run is for.
type Requester struct {
	NationID   int     `json:"nation_id,omitempty"`
	Score      float64 `json:"score"`
	AllianceID int     `json:"alliance_id,omitempty"`
}

// Result is the ranked output of one run.
type Result struct {
	RunID      string           `json:"run_id"`
	Requester  Requester        `json:"requester"`
	MinScore   float64          `json:"min_score"`
	MaxScore   float64          `json:"max_score"`
	Initial    int              `json:"initial"`
	Counts     map[string]int   `json:"counts"`
	Candidates []Candidate      `json:"candidates"`
	Prices     model.PriceTable `json:"prices"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Removed sums the per-stage removals.
func (r *Result) Removed() int {
	total := 0
	for _, n := range r.Counts {
		total += n
	}
	return total
}

// Estimated counts candidates with estimated confidence.
func (r *Result) Estimated() int {
	total := 0
	for _, c := range r.Candidates {
		if c.Confidence == ConfidenceEstimated {
			total++
		}
	}
	return total
}

// Top returns page page (zero based) of size candidates. Out of range
// pages are empty.
func (r *Result) Top(size, page int) []Candidate {
	if size <= 0 || page < 0 {
		return nil
	}
	start := page * size
	if start >= len(r.Candidates) {
		return nil
	}
	end := start + size
	if end > len(r.Candidates) {
		end = len(r.Candidates)
	}
	return r.Candidates[start:end]
}

// Pages returns how many pages of size the result spans.
func (r *Result) Pages(size int) int {
	if size <= 0 {
		return 0
	}
	return (len(r.Candidates) + size - 1) / size
}

func newCounts() map[string]int {
	counts := make(map[string]int, len(StageNames))
	for _, s := range StageNames {
		counts[s] = 0
	}
	return counts
}
