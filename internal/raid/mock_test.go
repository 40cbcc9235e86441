package raid

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/pnw-tools/raidscout/internal/enrich"
	"github.com/pnw-tools/raidscout/internal/model"
	"github.com/pnw-tools/raidscout/internal/snapshot"
	"github.com/pnw-tools/raidscout/internal/store"
)

type mockEnricher struct {
	mock.Mock
}

func (m *mockEnricher) FetchAllianceBatch(ctx context.Context, ids []int, scope string) (map[int]enrich.AllianceFacts, error) {
	args := m.Called(ctx, ids, scope)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[int]enrich.AllianceFacts), args.Error(1)
}

func (m *mockEnricher) FetchCityImprovementsBatch(ctx context.Context, ids []int) (map[int][]model.City, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[int][]model.City), args.Error(1)
}

func (m *mockEnricher) FetchMarketPrices(ctx context.Context) (model.PriceTable, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(model.PriceTable), args.Error(1)
}

type staticView struct {
	view *snapshot.View
	err  error
}

func (s staticView) Ensure(context.Context) (*snapshot.View, error) {
	return s.view, s.err
}

type mockRunLog struct {
	mock.Mock
}

func (m *mockRunLog) SaveRun(ctx context.Context, run store.RunRecord) error {
	return m.Called(ctx, run).Error(0)
}

func (m *mockRunLog) ListRuns(ctx context.Context, filter store.RunFilter) ([]store.RunRecord, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]store.RunRecord), args.Error(1)
}

type recordingStages struct {
	mu     sync.Mutex
	stages []string
	runs   int
}

func (r *recordingStages) StageFinished(stage string, _, _ int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
}

func (r *recordingStages) RunFinished(int, int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
}
