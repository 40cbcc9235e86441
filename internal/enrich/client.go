// Package enrich runs the chunked, retried live queries that refine
// snapshot candidates: alliance membership, city buildings and market prices.
package enrich

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/pnw-tools/raidscout/internal/keypool"
	"github.com/pnw-tools/raidscout/internal/model"
	"github.com/pnw-tools/raidscout/internal/resilience"
	"github.com/pnw-tools/raidscout/pkg/pnw"
)

// Query kinds. Each kind has its own circuit breaker.
const (
	KindAlliances = "alliances"
	KindCities    = "cities"
	KindPrices    = "prices"
)

var (
	errNoData        = eris.New("enrich: empty response")
	errQuotaExceeded = eris.New("enrich: key quota exhausted")
)

// KeySource hands out credentials. *keypool.Pool implements it.
type KeySource interface {
	Acquire(scope string) (string, error)
	CheckWindow(credential string) bool
	RecordUse(credential string)
	Quarantine(credential, reason string)
}

var _ KeySource = (*keypool.Pool)(nil)

// Observer receives chunk and cache outcomes, typically for metrics.
type Observer interface {
	ChunkFinished(kind string, ok bool, attempts int)
	CacheLookup(kind string, hits, misses int)
}

// BatchOptions shapes one chunked query.
type BatchOptions struct {
	ChunkSize  int
	ChunkDelay time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// Options configures a Client.
type Options struct {
	AllianceScope string
	CityScope     string
	PriceScope    string
	Alliances     BatchOptions
	Cities        BatchOptions
	CityTTL       time.Duration
	PriceTTL      time.Duration
	Breaker       resilience.CircuitBreakerConfig
	Observer      Observer
}

// DefaultOptions mirrors the upstream limits the pipeline was tuned for.
func DefaultOptions() Options {
	return Options{
		AllianceScope: "everything",
		CityScope:     "everything",
		PriceScope:    "everything",
		Alliances:     BatchOptions{ChunkSize: 50, ChunkDelay: 500 * time.Millisecond, MaxRetries: 2, RetryDelay: time.Second},
		Cities:        BatchOptions{ChunkSize: 25, ChunkDelay: 300 * time.Millisecond, MaxRetries: 3, RetryDelay: time.Second},
		CityTTL:       time.Hour,
		PriceTTL:      time.Hour,
		Breaker:       resilience.DefaultCircuitBreakerConfig(),
	}
}

// AllianceFacts is the live alliance membership of one nation. Assumed is
// set when the facts could not be fetched and the nation is presumed
// eligible.
type AllianceFacts struct {
	AllianceID   int    `json:"alliance_id"`
	AllianceName string `json:"alliance_name,omitempty"`
	Position     string `json:"position,omitempty"`
	Rank         int    `json:"rank"`
	Assumed      bool   `json:"assumed,omitempty"`
}

type cityEntry struct {
	cities    []model.City
	fetchedAt time.Time
}

// Client issues enrichment queries through a key pool.
type Client struct {
	api      pnw.Client
	keys     KeySource
	opts     Options
	breakers *resilience.BreakerSet

	cityMu    sync.Mutex
	cityCache map[int]cityEntry

	priceMu  sync.Mutex
	prices   model.PriceTable
	pricesAt time.Time

	nowFunc func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Client. Empty scopes, chunk sizes and TTLs take
// DefaultOptions values.
func NewClient(api pnw.Client, keys KeySource, opts Options) *Client {
	def := DefaultOptions()
	if opts.AllianceScope == "" {
		opts.AllianceScope = def.AllianceScope
	}
	if opts.CityScope == "" {
		opts.CityScope = def.CityScope
	}
	if opts.PriceScope == "" {
		opts.PriceScope = def.PriceScope
	}
	opts.Alliances = withBatchDefaults(opts.Alliances, def.Alliances)
	opts.Cities = withBatchDefaults(opts.Cities, def.Cities)
	if opts.CityTTL <= 0 {
		opts.CityTTL = def.CityTTL
	}
	if opts.PriceTTL <= 0 {
		opts.PriceTTL = def.PriceTTL
	}

	bc := opts.Breaker
	bc.ShouldTrip = tripsBreaker

	return &Client{
		api:       api,
		keys:      keys,
		opts:      opts,
		breakers:  resilience.NewBreakerSet(bc),
		cityCache: make(map[int]cityEntry),
		nowFunc:   time.Now,
		sleep:     sleepCtx,
	}
}

func withBatchDefaults(b, def BatchOptions) BatchOptions {
	if b.ChunkSize <= 0 {
		b.ChunkSize = def.ChunkSize
	}
	if b.ChunkDelay < 0 {
		b.ChunkDelay = 0
	}
	if b.MaxRetries < 0 {
		b.MaxRetries = 0
	}
	if b.RetryDelay < 0 {
		b.RetryDelay = 0
	}
	return b
}

// tripsBreaker counts outages, not key problems or empty answers.
func tripsBreaker(err error) bool {
	if resilience.IsConfiguration(err) || resilience.IsRateLimited(err) {
		return false
	}
	if errors.Is(err, errNoData) || errors.Is(err, errQuotaExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

func shouldRetry(err error) bool {
	if errors.Is(err, errNoData) || errors.Is(err, resilience.ErrCircuitOpen) {
		return true
	}
	return resilience.IsRetryable(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// BreakerStates returns the state of each query kind's breaker.
func (c *Client) BreakerStates() map[string]resilience.CircuitState {
	return c.breakers.States()
}

// call runs one request with a freshly acquired key. Only a successful
// reply counts against the key's quota. A 429 quarantines the key so the
// next attempt picks another one.
func (c *Client) call(ctx context.Context, kind, scope string, fn func(ctx context.Context, key string) error) error {
	key, err := c.keys.Acquire(scope)
	if err != nil {
		return err
	}
	if !c.keys.CheckWindow(key) {
		return eris.Wrapf(errQuotaExceeded, "scope %s key %s", scope, keypool.Mask(key))
	}

	return c.breakers.Get(kind).Execute(ctx, func(ctx context.Context) error {
		err := fn(ctx, key)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil || errors.Is(err, errNoData) {
			c.keys.RecordUse(key)
		}
		return c.classify(err, key)
	})
}

func (c *Client) classify(err error, key string) error {
	if err == nil || errors.Is(err, errNoData) {
		return err
	}
	switch code := pnw.StatusCode(err); {
	case code == http.StatusTooManyRequests:
		c.keys.Quarantine(key, "http 429")
		return &resilience.RateLimitedError{Err: err, Credential: key}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		c.keys.Quarantine(key, http.StatusText(code))
		return resilience.NewTransientError(err, code)
	case resilience.IsTransientHTTPStatus(code) || code >= 500:
		return resilience.NewTransientError(err, code)
	case code != 0:
		return err
	}
	if pnw.IsMalformed(err) {
		return &resilience.MalformedResponseError{Err: err}
	}
	return resilience.NewTransientError(err, 0)
}

func (c *Client) retryConfig(b BatchOptions, kind string) resilience.RetryConfig {
	rc := resilience.LinearRetryConfig(b.MaxRetries, b.RetryDelay)
	rc.ShouldRetry = shouldRetry
	rc.OnRetry = resilience.RetryLogger("pnw", kind)
	return rc
}

func chunk(ids []int, size int) [][]int {
	var out [][]int
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		out = append(out, ids[start:end])
	}
	return out
}

// FetchAllianceBatch returns live alliance facts for every id. Chunks that
// exhaust their retries yield Assumed facts. Only a ConfigurationError is
// returned.
func (c *Client) FetchAllianceBatch(ctx context.Context, ids []int, scope string) (map[int]AllianceFacts, error) {
	if scope == "" {
		scope = c.opts.AllianceScope
	}
	log := zap.L().With(zap.String("component", "enrich.alliances"), zap.String("scope", scope))
	out := make(map[int]AllianceFacts, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	chunks := chunk(ids, c.opts.Alliances.ChunkSize)
	log.Info("fetching alliance facts", zap.Int("nations", len(ids)), zap.Int("chunks", len(chunks)))

	for i, ids := range chunks {
		if i > 0 {
			if err := c.sleep(ctx, c.opts.Alliances.ChunkDelay); err != nil {
				assumeAll(out, ids)
				continue
			}
		}
		if ctx.Err() != nil {
			assumeAll(out, ids)
			continue
		}

		attempts := 0
		facts, err := resilience.DoVal(ctx, c.retryConfig(c.opts.Alliances, KindAlliances), func(ctx context.Context) (map[int]AllianceFacts, error) {
			attempts = resilience.AttemptFrom(ctx)
			return c.allianceChunk(ctx, scope, ids)
		})
		if resilience.IsConfiguration(err) {
			return nil, err
		}
		if c.opts.Observer != nil {
			c.opts.Observer.ChunkFinished(KindAlliances, err == nil, attempts)
		}
		if err != nil {
			log.Warn("alliance chunk exhausted retries, assuming eligible",
				zap.Int("chunk", i+1),
				zap.Int("nations", len(ids)),
				zap.Error(err),
			)
			assumeAll(out, ids)
			continue
		}
		for _, id := range ids {
			f, ok := facts[id]
			if !ok {
				f = AllianceFacts{Rank: model.UnknownRank, Assumed: true}
			}
			out[id] = f
		}
	}
	return out, nil
}

func assumeAll(out map[int]AllianceFacts, ids []int) {
	for _, id := range ids {
		out[id] = AllianceFacts{Rank: model.UnknownRank, Assumed: true}
	}
}

func (c *Client) allianceChunk(ctx context.Context, scope string, ids []int) (map[int]AllianceFacts, error) {
	var rows []pnw.NationAlliance
	err := c.call(ctx, KindAlliances, scope, func(ctx context.Context, key string) error {
		var err error
		rows, err = c.api.NationAlliances(ctx, key, ids)
		if err == nil && len(rows) == 0 {
			return errNoData
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	facts := make(map[int]AllianceFacts, len(rows))
	for _, r := range rows {
		f := AllianceFacts{
			AllianceID: r.AllianceID.Int(),
			Position:   strings.ToUpper(r.AlliancePosition),
			Rank:       model.UnknownRank,
		}
		if r.Alliance != nil {
			f.AllianceName = r.Alliance.Name
			if r.Alliance.Rank > 0 {
				f.Rank = r.Alliance.Rank
			}
		}
		facts[r.ID.Int()] = f
	}
	return facts, nil
}

// FetchCityImprovementsBatch returns live cities for the ids it could
// resolve. Fresh cache entries are served without a request. Ids from a
// failed chunk are absent from the result.
func (c *Client) FetchCityImprovementsBatch(ctx context.Context, ids []int) (map[int][]model.City, error) {
	log := zap.L().With(zap.String("component", "enrich.cities"), zap.String("scope", c.opts.CityScope))
	out := make(map[int][]model.City, len(ids))

	var missing []int
	now := c.nowFunc()
	c.cityMu.Lock()
	for _, id := range ids {
		if e, ok := c.cityCache[id]; ok && now.Sub(e.fetchedAt) < c.opts.CityTTL {
			out[id] = e.cities
			continue
		}
		missing = append(missing, id)
	}
	c.cityMu.Unlock()

	if c.opts.Observer != nil {
		c.opts.Observer.CacheLookup(KindCities, len(ids)-len(missing), len(missing))
	}
	if len(missing) == 0 {
		return out, nil
	}

	chunks := chunk(missing, c.opts.Cities.ChunkSize)
	log.Info("fetching city improvements",
		zap.Int("cached", len(ids)-len(missing)),
		zap.Int("missing", len(missing)),
		zap.Int("chunks", len(chunks)),
	)

	for i, ids := range chunks {
		if i > 0 {
			if err := c.sleep(ctx, c.opts.Cities.ChunkDelay); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}

		attempts := 0
		cities, err := resilience.DoVal(ctx, c.retryConfig(c.opts.Cities, KindCities), func(ctx context.Context) (map[int][]model.City, error) {
			attempts = resilience.AttemptFrom(ctx)
			return c.cityChunk(ctx, ids)
		})
		if resilience.IsConfiguration(err) {
			return nil, err
		}
		if c.opts.Observer != nil {
			c.opts.Observer.ChunkFinished(KindCities, err == nil, attempts)
		}
		if err != nil {
			log.Warn("city chunk exhausted retries, using snapshot cities",
				zap.Int("chunk", i+1),
				zap.Int("nations", len(ids)),
				zap.Error(err),
			)
			continue
		}

		fetchedAt := c.nowFunc()
		c.cityMu.Lock()
		for id, list := range cities {
			c.cityCache[id] = cityEntry{cities: list, fetchedAt: fetchedAt}
			out[id] = list
		}
		c.cityMu.Unlock()
	}
	return out, nil
}

func (c *Client) cityChunk(ctx context.Context, ids []int) (map[int][]model.City, error) {
	var rows []pnw.NationCities
	err := c.call(ctx, KindCities, c.opts.CityScope, func(ctx context.Context, key string) error {
		var err error
		rows, err = c.api.NationCities(ctx, key, ids)
		if err == nil && len(rows) == 0 {
			return errNoData
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make(map[int][]model.City, len(rows))
	for _, r := range rows {
		nationID := r.ID.Int()
		list := make([]model.City, 0, len(r.Cities))
		for _, pc := range r.Cities {
			list = append(list, model.City{
				ID:             pc.ID.Int(),
				NationID:       nationID,
				Name:           pc.Name,
				Infrastructure: pc.Infrastructure,
				Land:           pc.Land,
				Powered:        pc.Powered,
				Buildings:      model.Buildings(pc.Buildings),
			})
		}
		out[nationID] = list
	}
	return out, nil
}

// FetchMarketPrices returns current prices, cached for PriceTTL. Any
// failure yields the default table, which is not cached. Only a
// ConfigurationError is returned.
func (c *Client) FetchMarketPrices(ctx context.Context) (model.PriceTable, error) {
	c.priceMu.Lock()
	defer c.priceMu.Unlock()

	if c.prices != nil && c.nowFunc().Sub(c.pricesAt) < c.opts.PriceTTL {
		if c.opts.Observer != nil {
			c.opts.Observer.CacheLookup(KindPrices, 1, 0)
		}
		return c.prices.Clone(), nil
	}
	if c.opts.Observer != nil {
		c.opts.Observer.CacheLookup(KindPrices, 0, 1)
	}

	rc := resilience.LinearRetryConfig(1, c.opts.Cities.RetryDelay)
	rc.ShouldRetry = shouldRetry
	var live *pnw.TradePrices
	err := resilience.Do(ctx, rc, func(ctx context.Context) error {
		return c.call(ctx, KindPrices, c.opts.PriceScope, func(ctx context.Context, key string) error {
			var err error
			live, err = c.api.TradePrices(ctx, key)
			if err == nil && live == nil {
				return errNoData
			}
			return err
		})
	})
	if resilience.IsConfiguration(err) {
		return nil, err
	}

	table := model.DefaultPrices()
	if err != nil {
		zap.L().Warn("market prices unavailable, using defaults", zap.Error(err))
		return table, nil
	}
	for resource, price := range live.Map() {
		if price > 0 {
			table[resource] = price
		}
	}
	c.prices = table
	c.pricesAt = c.nowFunc()
	return table.Clone(), nil
}

// InvalidateCities drops every cached city entry.
func (c *Client) InvalidateCities() {
	c.cityMu.Lock()
	defer c.cityMu.Unlock()
	c.cityCache = make(map[int]cityEntry)
}

// CachedCityNations returns how many nations have a cache entry.
func (c *Client) CachedCityNations() int {
	c.cityMu.Lock()
	defer c.cityMu.Unlock()
	return len(c.cityCache)
}
