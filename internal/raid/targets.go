package raid

import (
	"context"
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/pnw-tools/raidscout/internal/model"
)

// Counter is an alliance member able to declare on a given attacker.
type Counter struct {
	Nation   model.Nation `json:"nation"`
	Distance float64      `json:"distance"`
}

// CounterTargets returns members of allianceID whose score is within the
// war range of the attacker, closest score first. Applicants are skipped.
func (p *Pipeline) CounterTargets(ctx context.Context, attackerID, allianceID int) ([]Counter, error) {
	view, err := p.ref.Ensure(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "raid: load snapshot")
	}
	var attacker *model.Nation
	nations := view.Nations()
	for i := range nations {
		if nations[i].ID == attackerID {
			attacker = &nations[i]
			break
		}
	}
	if attacker == nil {
		return nil, eris.Wrapf(ErrRequesterUnknown, "attacker %d", attackerID)
	}

	minScore := attacker.Score * p.opts.MinScoreRatio
	maxScore := attacker.Score * p.opts.MaxScoreRatio
	var out []Counter
	for _, n := range nations {
		if n.AllianceID != allianceID || n.AlliancePosition == model.PositionApplicant {
			continue
		}
		if n.Score < minScore || n.Score > maxScore {
			continue
		}
		out = append(out, Counter{Nation: n, Distance: math.Abs(n.Score - attacker.Score)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Distance < out[j].Distance
	})
	return out, nil
}

// PurgeRequest selects purple nations to clear from the color bloc.
type PurgeRequest struct {
	Requester Requester
	// MaxScore caps target score when positive.
	MaxScore float64
}

// PurgeTargets returns purple nations outside the requester's alliance and
// outside top ranked alliances, with fewer than PurgeMaxCities cities and
// within the requester's war range. Highest score first.
func (p *Pipeline) PurgeTargets(ctx context.Context, req PurgeRequest) ([]model.Nation, error) {
	view, err := p.ref.Ensure(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "raid: load snapshot")
	}
	r := req.Requester
	if r.Score > 0 || r.NationID != 0 {
		if r, err = p.resolveRequester(view, r); err != nil {
			return nil, err
		}
	} else if r.AllianceID == 0 {
		r.AllianceID = p.opts.OwnAllianceID
	}

	minScore, maxScore := 0.0, math.Inf(1)
	if r.Score > 0 {
		minScore = r.Score * p.opts.MinScoreRatio
		maxScore = r.Score * p.opts.MaxScoreRatio
	}
	if req.MaxScore > 0 && req.MaxScore < maxScore {
		maxScore = req.MaxScore
	}

	var out []model.Nation
	for _, n := range view.Nations() {
		if n.Color != "purple" || n.InVacationMode() {
			continue
		}
		if n.Cities >= p.opts.PurgeMaxCities {
			continue
		}
		if r.AllianceID != 0 && n.AllianceID == r.AllianceID {
			continue
		}
		if n.AllianceID != 0 && n.AllianceRank > 0 && n.AllianceRank <= p.opts.TopAllianceRank {
			continue
		}
		if n.Score < minScore || n.Score > maxScore {
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out, nil
}
