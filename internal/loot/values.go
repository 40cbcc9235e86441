// Package loot estimates how much a nation is worth raiding.
package loot

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/pnw-tools/raidscout/internal/model"
)

// ProductionRule values one building's daily output.
type ProductionRule struct {
	Resource string  `yaml:"resource"`
	PerTurn  float64 `yaml:"per_turn"`
	// LandDivisor, when set, replaces PerTurn with land / LandDivisor.
	LandDivisor float64 `yaml:"land_divisor,omitempty"`
}

// DevelopmentTier applies Multiplier when score per city is below Below.
// A zero Below matches everything and must come last.
type DevelopmentTier struct {
	Below      float64 `yaml:"below"`
	Multiplier float64 `yaml:"multiplier"`
}

// Values holds every scoring table. Commerce buildings are valued only
// through CommerceRates and have no entry in Buildings by default.
type Values struct {
	InfrastructureUnit float64                   `yaml:"infrastructure_unit"`
	LandUnit           float64                   `yaml:"land_unit"`
	Buildings          map[string]float64        `yaml:"buildings"`
	CommerceRates      map[string]float64        `yaml:"commerce_rates"`
	CommerceCap        float64                   `yaml:"commerce_cap"`
	Military           map[string]float64        `yaml:"military"`
	Production         map[string]ProductionRule `yaml:"production"`
	TurnsPerDay        float64                   `yaml:"turns_per_day"`
	Development        []DevelopmentTier         `yaml:"development"`
	NoCityMultiplier   float64                   `yaml:"no_city_multiplier"`
}

// Military unit names used as keys of Values.Military.
const (
	UnitSoldiers = "soldiers"
	UnitTanks    = "tanks"
	UnitAircraft = "aircraft"
	UnitShips    = "ships"
	UnitMissiles = "missiles"
	UnitNukes    = "nukes"
)

// DefaultValues returns the built-in tables.
func DefaultValues() Values {
	return Values{
		InfrastructureUnit: 100,
		LandUnit:           50,
		Buildings: map[string]float64{
			model.Barracks:         3_000,
			model.Factory:          15_000,
			model.Hangar:           100_000,
			model.Drydock:          250_000,
			model.PoliceStation:    75_000,
			model.Hospital:         100_000,
			model.RecyclingCenter:  125_000,
			model.CoalMine:         1_000,
			model.OilWell:          1_000,
			model.UraniumMine:      25_000,
			model.IronMine:         9_500,
			model.BauxiteMine:      1_000,
			model.LeadMine:         1_000,
			model.Farm:             1_000,
			model.OilRefinery:      45_000,
			model.SteelMill:        45_000,
			model.AluminumRefinery: 30_000,
			model.MunitionsFactory: 35_000,
			model.NuclearPower:     500_000,
			model.OilPower:         7_000,
			model.CoalPower:        5_000,
			model.WindPower:        30_000,
		},
		CommerceRates: map[string]float64{
			model.Supermarket:  3,
			model.Bank:         5,
			model.ShoppingMall: 9,
			model.Stadium:      12,
			model.Subway:       8,
		},
		CommerceCap: 100,
		Military: map[string]float64{
			UnitSoldiers: 1.25,
			UnitTanks:    50,
			UnitAircraft: 500,
			UnitShips:    3_375,
			UnitMissiles: 10_000,
			UnitNukes:    100_000,
		},
		Production: map[string]ProductionRule{
			model.CoalMine:         {Resource: model.Coal, PerTurn: 0.25},
			model.IronMine:         {Resource: model.Iron, PerTurn: 0.25},
			model.UraniumMine:      {Resource: model.Uranium, PerTurn: 0.25},
			model.OilWell:          {Resource: model.Oil, PerTurn: 0.25},
			model.BauxiteMine:      {Resource: model.Bauxite, PerTurn: 0.25},
			model.LeadMine:         {Resource: model.Lead, PerTurn: 0.25},
			model.Farm:             {Resource: model.Food, LandDivisor: 500},
			model.OilRefinery:      {Resource: model.Gasoline, PerTurn: 0.5},
			model.SteelMill:        {Resource: model.Steel, PerTurn: 0.75},
			model.AluminumRefinery: {Resource: model.Aluminum, PerTurn: 0.75},
			model.MunitionsFactory: {Resource: model.Munitions, PerTurn: 1.5},
		},
		TurnsPerDay: 30,
		Development: []DevelopmentTier{
			{Below: 50, Multiplier: 0.5},
			{Below: 100, Multiplier: 0.8},
			{Below: 200, Multiplier: 1.0},
			{Below: 300, Multiplier: 1.2},
			{Below: 0, Multiplier: 1.5},
		},
		NoCityMultiplier: 0.1,
	}
}

// LoadValues reads a YAML file on top of DefaultValues. Map entries in the
// file add to or replace the defaults; the development tiers are replaced
// as a whole when present.
func LoadValues(path string) (Values, error) {
	v := DefaultValues()
	data, err := os.ReadFile(path)
	if err != nil {
		return v, eris.Wrapf(err, "loot: read values file %s", path)
	}
	if err := yaml.Unmarshal(data, &v); err != nil {
		return v, eris.Wrapf(err, "loot: parse values file %s", path)
	}
	if err := Validate(v); err != nil {
		return v, err
	}
	return v, nil
}

// Validate checks that the tables are usable.
func Validate(v Values) error {
	var errs []string
	if v.InfrastructureUnit < 0 || v.LandUnit < 0 {
		errs = append(errs, "infrastructure_unit and land_unit must be >= 0")
	}
	if v.CommerceCap < 0 {
		errs = append(errs, "commerce_cap must be >= 0")
	}
	if v.TurnsPerDay <= 0 {
		errs = append(errs, "turns_per_day must be > 0")
	}
	for _, name := range sortedKeys(v.Buildings) {
		if v.Buildings[name] < 0 {
			errs = append(errs, fmt.Sprintf("buildings.%s must be >= 0", name))
		}
	}
	for _, name := range sortedKeys(v.Military) {
		if v.Military[name] < 0 {
			errs = append(errs, fmt.Sprintf("military.%s must be >= 0", name))
		}
	}
	if len(v.Development) == 0 {
		errs = append(errs, "development needs at least one tier")
	}
	for i, t := range v.Development {
		if t.Multiplier < 0 {
			errs = append(errs, fmt.Sprintf("development[%d].multiplier must be >= 0", i))
		}
		if t.Below == 0 && i != len(v.Development)-1 {
			errs = append(errs, fmt.Sprintf("development[%d] has no bound and must be last", i))
		}
		if i > 0 && t.Below != 0 && t.Below <= v.Development[i-1].Below {
			errs = append(errs, fmt.Sprintf("development[%d].below must increase", i))
		}
	}
	if len(errs) > 0 {
		return eris.Errorf("loot: invalid values: %s", strings.Join(errs, "; "))
	}
	return nil
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
