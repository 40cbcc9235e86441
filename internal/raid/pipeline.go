// Package raid turns the daily snapshot into a ranked list of raid targets.
package raid

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pnw-tools/raidscout/internal/enrich"
	"github.com/pnw-tools/raidscout/internal/loot"
	"github.com/pnw-tools/raidscout/internal/model"
	"github.com/pnw-tools/raidscout/internal/resilience"
	"github.com/pnw-tools/raidscout/internal/snapshot"
	"github.com/pnw-tools/raidscout/internal/store"
)

// ViewSource supplies a fresh snapshot view.
type ViewSource interface {
	Ensure(ctx context.Context) (*snapshot.View, error)
}

// Enricher issues the live lookups the pipeline needs.
type Enricher interface {
	FetchAllianceBatch(ctx context.Context, ids []int, scope string) (map[int]enrich.AllianceFacts, error)
	FetchCityImprovementsBatch(ctx context.Context, ids []int) (map[int][]model.City, error)
	FetchMarketPrices(ctx context.Context) (model.PriceTable, error)
}

var _ Enricher = (*enrich.Client)(nil)

// StageObserver is told how many nations entered and left each stage.
type StageObserver interface {
	StageFinished(stage string, in, out int, elapsed time.Duration)
	RunFinished(candidates, estimated int, elapsed time.Duration)
}

// Options configures the pipeline.
type Options struct {
	MinScoreRatio    float64
	MaxScoreRatio    float64
	MinLoot          float64
	MaxDefensiveWars int
	TopAllianceRank  int
	// OwnAllianceID applies when a request names no alliance and its
	// nation is unknown.
	OwnAllianceID  int
	AllianceScope  string
	PurgeMaxCities int
	Timeout        time.Duration
	NotifyBuffer   int
	RecordRuns     bool
	Observer       StageObserver
}

// DefaultOptions returns the standard thresholds.
func DefaultOptions() Options {
	return Options{
		MinScoreRatio:    0.75,
		MaxScoreRatio:    1.25,
		MinLoot:          100_000,
		MaxDefensiveWars: 3,
		TopAllianceRank:  65,
		PurgeMaxCities:   15,
		NotifyBuffer:     16,
	}
}

// Request describes one run.
type Request struct {
	Requester Requester
	// Ratios override Options when positive.
	MinScoreRatio float64
	MaxScoreRatio float64
	// Notify receives progress messages. It may be nil.
	Notify func(string)
}

// ErrRequesterUnknown is returned when the requester has no usable score.
var ErrRequesterUnknown = eris.New("raid: requester score unknown")

// Pipeline runs the staged target search.
type Pipeline struct {
	ref     ViewSource
	enrich  Enricher
	scorer  *loot.Scorer
	runs    store.RunLog
	opts    Options
	nowFunc func() time.Time
}

// New creates a Pipeline. runs may be nil.
func New(ref ViewSource, enricher Enricher, scorer *loot.Scorer, runs store.RunLog, opts Options) *Pipeline {
	def := DefaultOptions()
	if opts.MinScoreRatio <= 0 {
		opts.MinScoreRatio = def.MinScoreRatio
	}
	if opts.MaxScoreRatio <= 0 {
		opts.MaxScoreRatio = def.MaxScoreRatio
	}
	if opts.MaxDefensiveWars <= 0 {
		opts.MaxDefensiveWars = def.MaxDefensiveWars
	}
	if opts.PurgeMaxCities <= 0 {
		opts.PurgeMaxCities = def.PurgeMaxCities
	}
	if opts.NotifyBuffer <= 0 {
		opts.NotifyBuffer = def.NotifyBuffer
	}
	return &Pipeline{
		ref:     ref,
		enrich:  enricher,
		scorer:  scorer,
		runs:    runs,
		opts:    opts,
		nowFunc: time.Now,
	}
}

// Options returns the effective options.
func (p *Pipeline) Options() Options {
	return p.opts
}

// resolveRequester fills the score and alliance from the snapshot when the
// request names a nation.
func (p *Pipeline) resolveRequester(v *snapshot.View, r Requester) (Requester, error) {
	if r.NationID != 0 {
		for _, n := range v.Nations() {
			if n.ID != r.NationID {
				continue
			}
			if r.Score <= 0 {
				r.Score = n.Score
			}
			if r.AllianceID == 0 {
				r.AllianceID = n.AllianceID
			}
			break
		}
	}
	if r.AllianceID == 0 {
		r.AllianceID = p.opts.OwnAllianceID
	}
	if r.Score <= 0 {
		return r, eris.Wrapf(ErrRequesterUnknown, "nation %d", r.NationID)
	}
	return r, nil
}

// Run executes every stage and returns the ranked result. Network trouble
// degrades the result rather than failing it; only snapshot, requester and
// configuration errors are returned.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Result, error) {
	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	notifier := NewNotifier(req.Notify, p.opts.NotifyBuffer)
	defer notifier.Close()

	start := p.nowFunc()
	view, err := p.ref.Ensure(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "raid: load snapshot")
	}
	requester, err := p.resolveRequester(view, req.Requester)
	if err != nil {
		return nil, err
	}

	minRatio, maxRatio := p.opts.MinScoreRatio, p.opts.MaxScoreRatio
	if req.MinScoreRatio > 0 {
		minRatio = req.MinScoreRatio
	}
	if req.MaxScoreRatio > 0 {
		maxRatio = req.MaxScoreRatio
	}
	if minRatio > maxRatio {
		return nil, resilience.NewConfigurationError(fmt.Sprintf("raid: min ratio %.2f above max ratio %.2f", minRatio, maxRatio))
	}

	res := &Result{
		RunID:     uuid.NewString(),
		Requester: requester,
		MinScore:  requester.Score * minRatio,
		MaxScore:  requester.Score * maxRatio,
		Counts:    newCounts(),
		StartedAt: start,
	}
	log := zap.L().With(
		zap.String("component", "raid"),
		zap.String("run_id", res.RunID),
		zap.Float64("requester_score", requester.Score),
	)

	all := view.Nations()
	res.Initial = len(all)
	notifier.Notify(fmt.Sprintf("Searching %d nations in score range %.0f-%.0f", len(all), res.MinScore, res.MaxScore))

	candidates := make([]Candidate, 0, len(all))
	p.track(log, "local", len(all), func() int {
		candidates = p.localFilter(view, all, requester, res)
		return len(candidates)
	})
	notifier.Notify(fmt.Sprintf("%d nations passed the local filters", len(candidates)))

	if len(candidates) > 0 {
		var gateErr error
		p.track(log, "alliance", len(candidates), func() int {
			candidates, gateErr = p.allianceGate(ctx, candidates, requester, res)
			return len(candidates)
		})
		if gateErr != nil {
			return nil, gateErr
		}
		notifier.Notify(fmt.Sprintf("%d nations passed the alliance check", len(candidates)))
	}

	if len(candidates) > 0 {
		var enrichErr error
		p.track(log, "enrichment", len(candidates), func() int {
			enrichErr = p.enrichCities(ctx, view, candidates)
			return len(candidates)
		})
		if enrichErr != nil {
			return nil, enrichErr
		}
		notifier.Notify(fmt.Sprintf("Loaded city data for %d nations", len(candidates)))

		prices, err := p.enrich.FetchMarketPrices(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "raid: market prices")
		}
		res.Prices = prices

		p.track(log, "loot", len(candidates), func() int {
			candidates = p.scoreLoot(candidates, prices, res)
			return len(candidates)
		})
	}

	rank(candidates)
	res.Candidates = candidates
	res.FinishedAt = p.nowFunc()
	notifier.Notify(fmt.Sprintf("Found %d raid targets", len(candidates)))

	elapsed := res.FinishedAt.Sub(res.StartedAt)
	if p.opts.Observer != nil {
		p.opts.Observer.RunFinished(len(candidates), res.Estimated(), elapsed)
	}
	log.Info("raid search complete",
		zap.Int("initial", res.Initial),
		zap.Int("candidates", len(candidates)),
		zap.Int("estimated", res.Estimated()),
		zap.Any("counts", res.Counts),
		zap.Duration("elapsed", elapsed),
	)
	p.saveRun(ctx, res)
	return res, nil
}

func (p *Pipeline) track(log *zap.Logger, stage string, in int, fn func() int) {
	start := time.Now()
	out := fn()
	elapsed := time.Since(start)
	if p.opts.Observer != nil {
		p.opts.Observer.StageFinished(stage, in, out, elapsed)
	}
	log.Debug("raid stage complete",
		zap.String("stage", stage),
		zap.Int("in", in),
		zap.Int("out", out),
		zap.Duration("elapsed", elapsed),
	)
}

// localFilter applies the score window and the snapshot-only status checks.
// Each removed nation is counted under the first check it fails.
func (p *Pipeline) localFilter(v *snapshot.View, nations []model.Nation, r Requester, res *Result) []Candidate {
	out := make([]Candidate, 0, len(nations))
	for i, n := range nations {
		if n.Score < res.MinScore || n.Score > res.MaxScore {
			res.Counts[StageScoreRange]++
			continue
		}
		if r.NationID != 0 && n.ID == r.NationID {
			// The requester is never their own target.
			res.Counts[StageOwnAlliance]++
			continue
		}
		if n.InVacationMode() {
			res.Counts[StageVacation]++
			continue
		}
		if n.BeigeTurns > 0 {
			res.Counts[StageBeige]++
			continue
		}
		wars := v.Wars(n.ID)
		if wars.Defensive >= p.opts.MaxDefensiveWars {
			res.Counts[StageDefensiveWars]++
			continue
		}
		if n.Cities <= 0 {
			res.Counts[StageNoCities]++
			continue
		}
		out = append(out, Candidate{Nation: n, Wars: wars, order: i})
	}
	return out
}

// allianceGate drops own-alliance nations and full members of top ranked
// alliances. Nations whose live facts are assumed are judged on their
// snapshot alliance instead.
func (p *Pipeline) allianceGate(ctx context.Context, in []Candidate, r Requester, res *Result) ([]Candidate, error) {
	ids := make([]int, len(in))
	for i, c := range in {
		ids[i] = c.Nation.ID
	}
	facts, err := p.enrich.FetchAllianceBatch(ctx, ids, p.opts.AllianceScope)
	if err != nil {
		return nil, eris.Wrap(err, "raid: alliance lookup")
	}

	out := in[:0]
	for _, c := range in {
		f, ok := facts[c.Nation.ID]
		if !ok {
			f = enrich.AllianceFacts{Rank: model.UnknownRank, Assumed: true}
		}
		c.Alliance = f
		c.AllianceSource = SourceLive
		if f.Assumed {
			c.AllianceSource = SourceAssumed
			f = snapshotFacts(c.Nation)
		}

		if r.AllianceID != 0 && (c.Nation.AllianceID == r.AllianceID || f.AllianceID == r.AllianceID) {
			res.Counts[StageOwnAlliance]++
			continue
		}
		if p.isProtectedMember(f) {
			res.Counts[StageAllianceMember]++
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func snapshotFacts(n model.Nation) enrich.AllianceFacts {
	rank := n.AllianceRank
	if rank <= 0 {
		rank = model.UnknownRank
	}
	return enrich.AllianceFacts{
		AllianceID:   n.AllianceID,
		AllianceName: n.AllianceName,
		Position:     n.AlliancePosition,
		Rank:         rank,
		Assumed:      true,
	}
}

// isProtectedMember reports whether the nation is a full member of an
// alliance ranked at or above the threshold. Applicants and nations with
// no alliance stay eligible.
func (p *Pipeline) isProtectedMember(f enrich.AllianceFacts) bool {
	if f.AllianceID == 0 || f.Rank <= 0 {
		return false
	}
	return f.Rank <= p.opts.TopAllianceRank && model.IsMemberPosition(f.Position)
}

// enrichCities attaches live cities where available and snapshot cities
// otherwise.
func (p *Pipeline) enrichCities(ctx context.Context, v *snapshot.View, cs []Candidate) error {
	ids := make([]int, len(cs))
	for i, c := range cs {
		ids[i] = c.Nation.ID
	}
	live, err := p.enrich.FetchCityImprovementsBatch(ctx, ids)
	if err != nil {
		return eris.Wrap(err, "raid: city lookup")
	}
	for i := range cs {
		c := &cs[i]
		if cities, ok := live[c.Nation.ID]; ok && len(cities) > 0 {
			c.Cities = cities
			c.CitySource = SourceLive
		} else {
			c.Cities = v.CitiesFor(c.Nation.ID)
			c.CitySource = SourceSnapshot
		}
		c.Confidence = ConfidenceExact
		if c.CitySource != SourceLive || c.AllianceSource != SourceLive {
			c.Confidence = ConfidenceEstimated
		}
	}
	return nil
}

func (p *Pipeline) scoreLoot(in []Candidate, prices model.PriceTable, res *Result) []Candidate {
	out := in[:0]
	for _, c := range in {
		c.Loot = p.scorer.Score(c.Nation, c.Cities, prices)
		if c.Loot.Total < p.opts.MinLoot {
			res.Counts[StageLowLoot]++
			continue
		}
		out = append(out, c)
	}
	return out
}

// rank sorts by loot descending. Equal loot keeps snapshot order.
func rank(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Loot.Total != cs[j].Loot.Total {
			return cs[i].Loot.Total > cs[j].Loot.Total
		}
		return cs[i].order < cs[j].order
	})
}

func (p *Pipeline) saveRun(ctx context.Context, res *Result) {
	if !p.opts.RecordRuns || p.runs == nil {
		return
	}
	rec := store.RunRecord{
		ID:             res.RunID,
		RequesterID:    res.Requester.NationID,
		RequesterScore: res.Requester.Score,
		AllianceID:     res.Requester.AllianceID,
		Initial:        res.Initial,
		Returned:       len(res.Candidates),
		Estimated:      res.Estimated(),
		Counts:         res.Counts,
		StartedAt:      res.StartedAt,
		FinishedAt:     res.FinishedAt,
	}
	// The run context may already be past its deadline.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.runs.SaveRun(saveCtx, rec); err != nil {
		zap.L().Warn("raid: failed to record run", zap.String("run_id", res.RunID), zap.Error(err))
	}
}
