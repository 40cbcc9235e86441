package loot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnw-tools/raidscout/internal/model"
)

func testNation(score float64, cities int) model.Nation {
	return model.Nation{ID: 1, Score: score, Cities: cities}
}

func TestScore_InfrastructureOnly(t *testing.T) {
	s := NewScorer(DefaultValues())
	cities := []model.City{{ID: 1, Infrastructure: 10_000}}

	b := s.Score(testNation(150, 1), cities, model.DefaultPrices())

	assert.InDelta(t, 1_000_000, b.Infrastructure, 0.001)
	assert.Zero(t, b.Buildings)
	assert.Zero(t, b.Commerce)
	assert.Zero(t, b.Land)
	assert.Zero(t, b.Military)
	assert.Zero(t, b.Production)
	assert.InDelta(t, 1.0, b.Multiplier, 0.001)
	assert.InDelta(t, 1_000_000, b.Total, 0.001)
}

func TestScore_CommerceDeltaOnly(t *testing.T) {
	s := NewScorer(DefaultValues())
	base := []model.City{{ID: 1, Infrastructure: 10_000}}
	withShops := []model.City{{
		ID:             1,
		Infrastructure: 10_000,
		Buildings:      model.Buildings{model.Supermarket: 5},
	}}

	before := s.Score(testNation(150, 1), base, nil)
	after := s.Score(testNation(150, 1), withShops, nil)

	// 5 supermarkets at 3% each over 10,000 infra worth 1,000,000.
	assert.InDelta(t, 150_000, after.Commerce-before.Commerce, 0.001)
	assert.Equal(t, before.Infrastructure, after.Infrastructure)
	assert.Equal(t, before.Buildings, after.Buildings)
	assert.Equal(t, before.Production, after.Production)
	assert.InDelta(t, 150_000, after.Total-before.Total, 0.001)
}

func TestScore_CommerceRateCapped(t *testing.T) {
	s := NewScorer(DefaultValues())
	cities := []model.City{{
		ID:             1,
		Infrastructure: 1_000,
		Buildings:      model.Buildings{model.Stadium: 10},
	}}

	b := s.Score(testNation(150, 1), cities, nil)
	assert.InDelta(t, 100_000, b.Commerce, 0.001)
}

func TestScore_CommerceMixed(t *testing.T) {
	s := NewScorer(DefaultValues())
	cities := []model.City{{
		ID:             1,
		Infrastructure: 2_000,
		Buildings: model.Buildings{
			model.Supermarket:  1,
			model.Bank:         1,
			model.ShoppingMall: 1,
			model.Stadium:      1,
			model.Subway:       1,
		},
	}}

	b := s.Score(testNation(150, 1), cities, nil)
	// 3+5+9+12+8 = 37% of 200,000.
	assert.InDelta(t, 74_000, b.Commerce, 0.001)
	assert.Zero(t, b.Buildings)
}

func TestScore_BuildingsAndProduction(t *testing.T) {
	s := NewScorer(DefaultValues())
	cities := []model.City{{
		ID:   1,
		Land: 1_000,
		Buildings: model.Buildings{
			model.CoalMine: 2,
			model.Farm:     1,
			model.Hangar:   1,
		},
	}}
	prices := model.PriceTable{model.Coal: 50, model.Food: 25}

	b := s.Score(testNation(150, 1), cities, prices)

	assert.InDelta(t, 2*1_000+1_000+100_000, b.Buildings, 0.001)
	assert.InDelta(t, 50_000, b.Land, 0.001)
	// coal: 2 × 0.25 × 30 × 50; food: (1000/500) × 30 × 25.
	assert.InDelta(t, 750+1_500, b.Production, 0.001)
}

func TestScore_MissingPricesCountAsZero(t *testing.T) {
	s := NewScorer(DefaultValues())
	cities := []model.City{{ID: 1, Buildings: model.Buildings{model.UraniumMine: 3}}}

	b := s.Score(testNation(150, 1), cities, nil)
	assert.Zero(t, b.Production)
	assert.InDelta(t, 75_000, b.Buildings, 0.001)
}

func TestScore_Military(t *testing.T) {
	s := NewScorer(DefaultValues())
	n := testNation(150, 1)
	n.Military = model.Military{
		Soldiers: 1_000,
		Tanks:    10,
		Aircraft: 2,
		Ships:    1,
		Spies:    50,
		Missiles: 1,
		Nukes:    1,
	}

	b := s.Score(n, nil, nil)
	assert.InDelta(t, 1_250+500+1_000+3_375+10_000+100_000, b.Military, 0.001)
}

func TestScore_NeverNegative(t *testing.T) {
	s := NewScorer(DefaultValues())
	cities := []model.City{{ID: 1, Infrastructure: -500, Land: -10}}

	b := s.Score(testNation(150, 1), cities, nil)
	assert.Zero(t, b.Total)
}

func TestDevelopmentMultiplier(t *testing.T) {
	s := NewScorer(DefaultValues())
	tests := []struct {
		name   string
		score  float64
		cities int
		want   float64
	}{
		{"no cities", 500, 0, 0.1},
		{"very low", 40, 1, 0.5},
		{"at 50", 50, 1, 0.8},
		{"just under 100", 990, 10, 0.8},
		{"at 100", 1_000, 10, 1.0},
		{"mid", 2_500, 10, 1.2},
		{"at 300", 3_000, 10, 1.5},
		{"high", 10_000, 10, 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, s.DevelopmentMultiplier(tt.score, tt.cities), 0.001)
		})
	}
}

func TestScore_MultiplierApplied(t *testing.T) {
	s := NewScorer(DefaultValues())
	cities := []model.City{{ID: 1, Infrastructure: 1_000}}

	b := s.Score(testNation(40, 1), cities, nil)
	assert.InDelta(t, 50_000, b.Total, 0.001)
	assert.InDelta(t, 100_000, b.Subtotal(), 0.001)
}

func TestScore_AbsentBuildingsTolerated(t *testing.T) {
	s := NewScorer(DefaultValues())
	cities := []model.City{{ID: 1, Infrastructure: 100, Buildings: nil}}

	assert.NotPanics(t, func() {
		s.Score(testNation(150, 1), cities, nil)
	})
	assert.InDelta(t, 10_000, s.Loot(testNation(150, 1), cities, nil), 0.001)
}

func TestValidate_Defaults(t *testing.T) {
	require.NoError(t, Validate(DefaultValues()))
}

func TestValidate_Errors(t *testing.T) {
	v := DefaultValues()
	v.TurnsPerDay = 0
	v.Buildings[model.Factory] = -1
	v.Development = []DevelopmentTier{{Below: 0, Multiplier: 1}, {Below: 50, Multiplier: 2}}

	err := Validate(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "turns_per_day")
	assert.Contains(t, err.Error(), "buildings.factory")
	assert.Contains(t, err.Error(), "development[0] has no bound")
}

func TestValidate_TiersMustIncrease(t *testing.T) {
	v := DefaultValues()
	v.Development = []DevelopmentTier{{Below: 100, Multiplier: 1}, {Below: 50, Multiplier: 2}}

	err := Validate(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "development[1].below must increase")
}

func TestLoadValues_MergesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "values.yaml")
	content := `infrastructure_unit: 200
buildings:
  barracks: 1
military:
  nukes: 1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	v, err := LoadValues(path)
	require.NoError(t, err)

	assert.InDelta(t, 200, v.InfrastructureUnit, 0.001)
	assert.InDelta(t, 1, v.Buildings[model.Barracks], 0.001)
	assert.InDelta(t, 100_000, v.Buildings[model.Hangar], 0.001)
	assert.InDelta(t, 1, v.Military[UnitNukes], 0.001)
	assert.InDelta(t, 500, v.Military[UnitAircraft], 0.001)
	assert.Len(t, v.Development, 5)
}

func TestLoadValues_ReplacesTiers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "values.yaml")
	content := `development:
  - below: 0
    multiplier: 2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	v, err := LoadValues(path)
	require.NoError(t, err)
	require.Len(t, v.Development, 1)

	s := NewScorer(v)
	assert.InDelta(t, 2, s.DevelopmentMultiplier(10, 1), 0.001)
}

func TestLoadValues_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "values.yaml")
	require.NoError(t, os.WriteFile(path, []byte("turns_per_day: 0\n"), 0o644))

	_, err := LoadValues(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "turns_per_day")
}

func TestLoadValues_Missing(t *testing.T) {
	_, err := LoadValues(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read values file")
}

func TestLoadValues_BadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "values.yaml")
	require.NoError(t, os.WriteFile(path, []byte("buildings: [1, 2"), 0o644))

	_, err := LoadValues(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse values file")
}
