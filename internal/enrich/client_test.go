package enrich

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pnw-tools/raidscout/internal/keypool"
	"github.com/pnw-tools/raidscout/internal/model"
	"github.com/pnw-tools/raidscout/internal/resilience"
	"github.com/pnw-tools/raidscout/pkg/pnw"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) NationAlliances(ctx context.Context, apiKey string, ids []int) ([]pnw.NationAlliance, error) {
	args := m.Called(ctx, apiKey, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]pnw.NationAlliance), args.Error(1)
}

func (m *mockAPI) NationCities(ctx context.Context, apiKey string, ids []int) ([]pnw.NationCities, error) {
	args := m.Called(ctx, apiKey, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]pnw.NationCities), args.Error(1)
}

func (m *mockAPI) TradePrices(ctx context.Context, apiKey string) (*pnw.TradePrices, error) {
	args := m.Called(ctx, apiKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pnw.TradePrices), args.Error(1)
}

type recordingObserver struct {
	mu     sync.Mutex
	chunks map[string][]bool
	hits   map[string]int
	misses map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{chunks: map[string][]bool{}, hits: map[string]int{}, misses: map[string]int{}}
}

func (o *recordingObserver) ChunkFinished(kind string, ok bool, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.chunks[kind] = append(o.chunks[kind], ok)
}

func (o *recordingObserver) CacheLookup(kind string, hits, misses int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hits[kind] += hits
	o.misses[kind] += misses
}

func testOptions() Options {
	return Options{
		Alliances: BatchOptions{ChunkSize: 50, MaxRetries: 2},
		Cities:    BatchOptions{ChunkSize: 25, MaxRetries: 3},
		Breaker:   resilience.CircuitBreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute},
	}
}

func newTestClient(t *testing.T, api pnw.Client, opts Options) (*Client, *keypool.Pool) {
	t.Helper()
	pool := keypool.New(map[string][]string{
		"everything": {"key-aaaa-1111", "key-bbbb-2222"},
	}, keypool.Options{})
	return NewClient(api, pool, opts), pool
}

func idRange(from, to int) []int {
	var ids []int
	for i := from; i <= to; i++ {
		ids = append(ids, i)
	}
	return ids
}

func allianceRows(ids []int, allianceID, rank int) []pnw.NationAlliance {
	rows := make([]pnw.NationAlliance, len(ids))
	for i, id := range ids {
		rows[i] = pnw.NationAlliance{
			ID:               pnw.ID(id),
			AllianceID:       pnw.ID(allianceID),
			AlliancePosition: model.PositionMember,
			Alliance:         &pnw.AllianceRef{ID: pnw.ID(allianceID), Name: "Rose", Rank: rank},
		}
	}
	return rows
}

func TestFetchAllianceBatch_Chunks(t *testing.T) {
	api := &mockAPI{}
	ids := idRange(1, 120)
	api.On("NationAlliances", mock.Anything, mock.Anything, ids[0:50]).Return(allianceRows(ids[0:50], 5, 3), nil).Once()
	api.On("NationAlliances", mock.Anything, mock.Anything, ids[50:100]).Return(allianceRows(ids[50:100], 5, 3), nil).Once()
	api.On("NationAlliances", mock.Anything, mock.Anything, ids[100:120]).Return(allianceRows(ids[100:120], 0, 0), nil).Once()

	obs := newRecordingObserver()
	opts := testOptions()
	opts.Observer = obs
	c, _ := newTestClient(t, api, opts)

	facts, err := c.FetchAllianceBatch(context.Background(), ids, "")
	require.NoError(t, err)
	require.Len(t, facts, 120)

	assert.Equal(t, AllianceFacts{AllianceID: 5, AllianceName: "Rose", Position: model.PositionMember, Rank: 3}, facts[1])
	assert.Equal(t, model.UnknownRank, facts[110].Rank, "zero rank becomes unknown")
	assert.False(t, facts[110].Assumed)
	assert.Equal(t, []bool{true, true, true}, obs.chunks[KindAlliances])
	api.AssertExpectations(t)
}

func TestFetchAllianceBatch_ExhaustedChunkIsAssumed(t *testing.T) {
	api := &mockAPI{}
	ids := idRange(1, 60)
	api.On("NationAlliances", mock.Anything, mock.Anything, ids[0:50]).
		Return(nil, &pnw.StatusError{StatusCode: http.StatusBadGateway}).Times(3)
	api.On("NationAlliances", mock.Anything, mock.Anything, ids[50:60]).Return(allianceRows(ids[50:60], 9, 80), nil).Once()

	c, _ := newTestClient(t, api, testOptions())
	facts, err := c.FetchAllianceBatch(context.Background(), ids, "everything")
	require.NoError(t, err)
	require.Len(t, facts, 60)

	assert.True(t, facts[1].Assumed)
	assert.True(t, facts[50].Assumed)
	assert.False(t, facts[51].Assumed)
	assert.Equal(t, 80, facts[51].Rank)
	api.AssertExpectations(t)
}

func TestFetchAllianceBatch_RateLimitRotatesKey(t *testing.T) {
	api := &mockAPI{}
	ids := []int{1, 2}
	var usedKeys []string
	record := func(args mock.Arguments) { usedKeys = append(usedKeys, args.String(1)) }

	api.On("NationAlliances", mock.Anything, mock.Anything, ids).
		Return(nil, &pnw.StatusError{StatusCode: http.StatusTooManyRequests}).Run(record).Once()
	api.On("NationAlliances", mock.Anything, mock.Anything, ids).
		Return(allianceRows(ids, 0, 0), nil).Run(record).Once()

	c, pool := newTestClient(t, api, testOptions())
	facts, err := c.FetchAllianceBatch(context.Background(), ids, "")
	require.NoError(t, err)
	assert.False(t, facts[1].Assumed)

	require.Len(t, usedKeys, 2)
	assert.NotEqual(t, usedKeys[0], usedKeys[1], "retry uses a fresh key")
	assert.False(t, pool.IsHealthy(usedKeys[0]))
	assert.True(t, pool.IsHealthy(usedKeys[1]))
	api.AssertExpectations(t)
}

func TestFetchAllianceBatch_FailedAttemptsUseNoQuota(t *testing.T) {
	api := &mockAPI{}
	ids := []int{1, 2}
	api.On("NationAlliances", mock.Anything, mock.Anything, ids).
		Return(nil, &pnw.StatusError{StatusCode: http.StatusTooManyRequests}).Once()
	api.On("NationAlliances", mock.Anything, mock.Anything, ids).
		Return(nil, &pnw.StatusError{StatusCode: http.StatusServiceUnavailable}).Once()
	api.On("NationAlliances", mock.Anything, mock.Anything, ids).
		Return(allianceRows(ids, 5, 10), nil).Once()

	c, pool := newTestClient(t, api, testOptions())
	facts, err := c.FetchAllianceBatch(context.Background(), ids, "")
	require.NoError(t, err)
	assert.False(t, facts[1].Assumed)
	api.AssertExpectations(t)

	var used int
	var total int64
	for _, s := range pool.Stats() {
		used += s.CallsThisWindow
		total += s.TotalCalls
	}
	assert.Equal(t, 1, used, "only the successful call counts")
	assert.Equal(t, int64(1), total)
}

func TestFetchAllianceBatch_SpentKeyFallsBackToQuarantined(t *testing.T) {
	api := &mockAPI{}
	api.On("NationAlliances", mock.Anything, "key-bbbb-2222", []int{1}).
		Return(allianceRows([]int{1}, 5, 10), nil).Once()

	pool := keypool.New(map[string][]string{
		"everything": {"key-aaaa-1111", "key-bbbb-2222"},
	}, keypool.Options{HourlyQuota: 1})
	pool.RecordUse("key-aaaa-1111")
	pool.Quarantine("key-bbbb-2222", "http 429")

	c := NewClient(api, pool, testOptions())
	facts, err := c.FetchAllianceBatch(context.Background(), []int{1}, "")
	require.NoError(t, err)
	assert.Equal(t, AllianceFacts{AllianceID: 5, AllianceName: "Rose", Position: model.PositionMember, Rank: 10}, facts[1])
	api.AssertExpectations(t)
}

func TestFetchAllianceBatch_PositionUpperCased(t *testing.T) {
	api := &mockAPI{}
	rows := allianceRows([]int{1, 2}, 5, 10)
	rows[0].AlliancePosition = "member"
	rows[1].AlliancePosition = "applicant"
	api.On("NationAlliances", mock.Anything, mock.Anything, []int{1, 2}).Return(rows, nil).Once()

	c, _ := newTestClient(t, api, testOptions())
	facts, err := c.FetchAllianceBatch(context.Background(), []int{1, 2}, "")
	require.NoError(t, err)
	assert.Equal(t, model.PositionMember, facts[1].Position)
	assert.True(t, model.IsMemberPosition(facts[1].Position))
	assert.Equal(t, model.PositionApplicant, facts[2].Position)
	assert.False(t, model.IsMemberPosition(facts[2].Position))
}

func TestFetchAllianceBatch_RateLimitBounded(t *testing.T) {
	api := &mockAPI{}
	ids := []int{1}
	api.On("NationAlliances", mock.Anything, mock.Anything, ids).
		Return(nil, &pnw.StatusError{StatusCode: http.StatusTooManyRequests})

	c, _ := newTestClient(t, api, testOptions())
	facts, err := c.FetchAllianceBatch(context.Background(), ids, "")
	require.NoError(t, err)
	assert.True(t, facts[1].Assumed)
	api.AssertNumberOfCalls(t, "NationAlliances", 3)
}

func TestFetchAllianceBatch_EmptyResponseRetried(t *testing.T) {
	api := &mockAPI{}
	ids := []int{1}
	api.On("NationAlliances", mock.Anything, mock.Anything, ids).Return([]pnw.NationAlliance{}, nil).Once()
	api.On("NationAlliances", mock.Anything, mock.Anything, ids).Return(allianceRows(ids, 5, 10), nil).Once()

	c, _ := newTestClient(t, api, testOptions())
	facts, err := c.FetchAllianceBatch(context.Background(), ids, "")
	require.NoError(t, err)
	assert.Equal(t, 10, facts[1].Rank)
	api.AssertExpectations(t)
}

func TestFetchAllianceBatch_MissingIDAssumed(t *testing.T) {
	api := &mockAPI{}
	ids := []int{1, 2}
	api.On("NationAlliances", mock.Anything, mock.Anything, ids).Return(allianceRows([]int{1}, 5, 10), nil).Once()

	c, _ := newTestClient(t, api, testOptions())
	facts, err := c.FetchAllianceBatch(context.Background(), ids, "")
	require.NoError(t, err)
	assert.False(t, facts[1].Assumed)
	assert.True(t, facts[2].Assumed)
}

func TestFetchAllianceBatch_UnknownScope(t *testing.T) {
	api := &mockAPI{}
	c, _ := newTestClient(t, api, testOptions())

	_, err := c.FetchAllianceBatch(context.Background(), []int{1}, "missing")
	require.Error(t, err)
	assert.True(t, resilience.IsConfiguration(err))
	api.AssertNotCalled(t, "NationAlliances", mock.Anything, mock.Anything, mock.Anything)
}

func TestFetchAllianceBatch_NoIDs(t *testing.T) {
	api := &mockAPI{}
	c, _ := newTestClient(t, api, testOptions())

	facts, err := c.FetchAllianceBatch(context.Background(), nil, "")
	require.NoError(t, err)
	assert.Empty(t, facts)
	api.AssertNotCalled(t, "NationAlliances", mock.Anything, mock.Anything, mock.Anything)
}

func TestFetchAllianceBatch_OpenBreakerDegrades(t *testing.T) {
	api := &mockAPI{}
	ids := idRange(1, 100)
	api.On("NationAlliances", mock.Anything, mock.Anything, ids[0:50]).
		Return(nil, &pnw.StatusError{StatusCode: http.StatusServiceUnavailable}).Once()

	opts := testOptions()
	opts.Alliances.MaxRetries = 0
	opts.Breaker = resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour}
	c, _ := newTestClient(t, api, opts)

	facts, err := c.FetchAllianceBatch(context.Background(), ids, "")
	require.NoError(t, err)
	assert.True(t, facts[1].Assumed)
	assert.True(t, facts[100].Assumed)
	api.AssertNumberOfCalls(t, "NationAlliances", 1)
	assert.Equal(t, resilience.CircuitOpen, c.BreakerStates()[KindAlliances])
}

func TestFetchAllianceBatch_RateLimitDoesNotTripBreaker(t *testing.T) {
	api := &mockAPI{}
	api.On("NationAlliances", mock.Anything, mock.Anything, []int{1}).
		Return(nil, &pnw.StatusError{StatusCode: http.StatusTooManyRequests})

	opts := testOptions()
	opts.Breaker = resilience.CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour}
	c, _ := newTestClient(t, api, opts)

	_, err := c.FetchAllianceBatch(context.Background(), []int{1}, "")
	require.NoError(t, err)
	assert.Equal(t, resilience.CircuitClosed, c.BreakerStates()[KindAlliances])
}

func cityRows(nationID int, infra float64) []pnw.NationCities {
	return []pnw.NationCities{{
		ID: pnw.ID(nationID),
		Cities: []pnw.City{{
			ID: pnw.ID(nationID * 10), Name: "Cap", Infrastructure: infra, Land: 500,
			Buildings: map[string]int{"coal_mine": 2},
		}},
	}}
}

func TestFetchCityImprovementsBatch_Cache(t *testing.T) {
	api := &mockAPI{}
	api.On("NationCities", mock.Anything, mock.Anything, []int{7}).Return(cityRows(7, 1500), nil).Once()

	obs := newRecordingObserver()
	opts := testOptions()
	opts.Observer = obs
	opts.CityTTL = time.Hour
	c, _ := newTestClient(t, api, opts)
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	c.nowFunc = func() time.Time { return now }

	got, err := c.FetchCityImprovementsBatch(context.Background(), []int{7})
	require.NoError(t, err)
	require.Len(t, got[7], 1)
	assert.Equal(t, 7, got[7][0].NationID)
	assert.Equal(t, 2, got[7][0].Buildings.Count(model.CoalMine))

	now = now.Add(59 * time.Minute)
	got, err = c.FetchCityImprovementsBatch(context.Background(), []int{7})
	require.NoError(t, err)
	assert.Len(t, got[7], 1)
	api.AssertNumberOfCalls(t, "NationCities", 1)
	assert.Equal(t, 1, obs.hits[KindCities])
	assert.Equal(t, 1, obs.misses[KindCities])

	api.On("NationCities", mock.Anything, mock.Anything, []int{7}).Return(cityRows(7, 1800), nil).Once()
	now = now.Add(time.Minute)
	got, err = c.FetchCityImprovementsBatch(context.Background(), []int{7})
	require.NoError(t, err)
	assert.InDelta(t, 1800, got[7][0].Infrastructure, 0.001)
	api.AssertNumberOfCalls(t, "NationCities", 2)
	assert.Equal(t, 1, c.CachedCityNations())
}

func TestFetchCityImprovementsBatch_FailedChunkAbsent(t *testing.T) {
	api := &mockAPI{}
	ids := idRange(1, 30)
	api.On("NationCities", mock.Anything, mock.Anything, ids[0:25]).
		Return(nil, errors.New("connection reset by peer")).Times(4)
	api.On("NationCities", mock.Anything, mock.Anything, ids[25:30]).Return(cityRows(26, 900), nil).Once()

	c, _ := newTestClient(t, api, testOptions())
	got, err := c.FetchCityImprovementsBatch(context.Background(), ids)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, 26)
	api.AssertExpectations(t)

	c.InvalidateCities()
	assert.Zero(t, c.CachedCityNations())
}

func TestFetchMarketPrices(t *testing.T) {
	api := &mockAPI{}
	api.On("TradePrices", mock.Anything, mock.Anything).
		Return(&pnw.TradePrices{Coal: 60, Oil: 120, Food: -1}, nil).Once()

	c, _ := newTestClient(t, api, testOptions())
	prices, err := c.FetchMarketPrices(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 60, prices.Price(model.Coal), 0.001)
	assert.InDelta(t, 120, prices.Price(model.Oil), 0.001)
	assert.InDelta(t, 25, prices.Price(model.Food), 0.001, "non-positive keeps default")
	assert.InDelta(t, 2000, prices.Price(model.Uranium), 0.001, "missing keeps default")

	prices[model.Coal] = 1
	again, err := c.FetchMarketPrices(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 60, again.Price(model.Coal), 0.001, "cache returns a copy")
	api.AssertNumberOfCalls(t, "TradePrices", 1)
}

func TestFetchMarketPrices_FailureUsesDefaults(t *testing.T) {
	api := &mockAPI{}
	api.On("TradePrices", mock.Anything, mock.Anything).Return(nil, &pnw.StatusError{StatusCode: 500}).Times(2)
	api.On("TradePrices", mock.Anything, mock.Anything).Return(&pnw.TradePrices{Coal: 70}, nil).Once()

	c, _ := newTestClient(t, api, testOptions())
	prices, err := c.FetchMarketPrices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.DefaultPrices(), prices)

	prices, err = c.FetchMarketPrices(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 70, prices.Price(model.Coal), 0.001, "defaults are not cached")
}

// stubAPI answers every id so overlapping callers can ask for anything.
type stubAPI struct {
	cityCalls  atomic.Int32
	priceCalls atomic.Int32
}

func (s *stubAPI) NationAlliances(_ context.Context, _ string, ids []int) ([]pnw.NationAlliance, error) {
	return allianceRows(ids, 5, 10), nil
}

func (s *stubAPI) NationCities(_ context.Context, _ string, ids []int) ([]pnw.NationCities, error) {
	s.cityCalls.Add(1)
	var out []pnw.NationCities
	for _, id := range ids {
		out = append(out, cityRows(id, 1000)...)
	}
	return out, nil
}

func (s *stubAPI) TradePrices(_ context.Context, _ string) (*pnw.TradePrices, error) {
	s.priceCalls.Add(1)
	return &pnw.TradePrices{Coal: 60}, nil
}

func TestClient_ConcurrentCallers(t *testing.T) {
	api := &stubAPI{}
	opts := testOptions()
	opts.Observer = newRecordingObserver()
	c, pool := newTestClient(t, api, opts)
	ids := idRange(1, 60)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				cities, err := c.FetchCityImprovementsBatch(context.Background(), ids)
				if err != nil {
					t.Error(err)
					return
				}
				if len(cities) != len(ids) {
					t.Errorf("goroutine %d: got %d nations, want %d", g, len(cities), len(ids))
				}
				prices, err := c.FetchMarketPrices(context.Background())
				if err != nil {
					t.Error(err)
					return
				}
				prices[model.Coal] = float64(g)
				if g%2 == 0 {
					c.InvalidateCities()
				}
				_ = c.CachedCityNations()
			}
		}(g)
	}
	wg.Wait()

	prices, err := c.FetchMarketPrices(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 60, prices.Price(model.Coal), 0.001, "callers only ever mutate copies")
	assert.Equal(t, int32(1), api.priceCalls.Load())

	var used int
	for _, s := range pool.Stats() {
		used += s.CallsThisWindow
	}
	assert.Equal(t, int(api.cityCalls.Load()+api.priceCalls.Load()), used, "one recorded use per request")
}

func TestClassify(t *testing.T) {
	c, pool := newTestClient(t, &mockAPI{}, testOptions())
	key := "key-aaaa-1111"

	err := c.classify(&pnw.StatusError{StatusCode: 429}, key)
	assert.True(t, resilience.IsRateLimited(err))
	assert.False(t, pool.IsHealthy(key))

	assert.True(t, resilience.IsTransient(c.classify(&pnw.StatusError{StatusCode: 503}, key)))
	assert.True(t, resilience.IsMalformed(c.classify(pnw.ErrMalformed, key)))
	assert.True(t, resilience.IsTransient(c.classify(errors.New("dial tcp: i/o timeout"), key)))
	assert.False(t, resilience.IsRetryable(c.classify(&pnw.StatusError{StatusCode: 400}, key)))
	assert.NoError(t, c.classify(nil, key))
}

func TestChunk(t *testing.T) {
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, chunk([]int{1, 2, 3, 4, 5}, 2))
	assert.Nil(t, chunk(nil, 2))
}
