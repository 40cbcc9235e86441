package loot

import (
	"math"

	"github.com/pnw-tools/raidscout/internal/model"
)

// Breakdown is a loot estimate with its components. Total is the sum of
// the components scaled by Multiplier, floored at zero.
type Breakdown struct {
	Infrastructure float64 `json:"infrastructure"`
	Buildings      float64 `json:"buildings"`
	Commerce       float64 `json:"commerce"`
	Land           float64 `json:"land"`
	Military       float64 `json:"military"`
	Production     float64 `json:"production"`
	Multiplier     float64 `json:"multiplier"`
	Total          float64 `json:"total"`
}

// Subtotal is the unscaled component sum.
func (b Breakdown) Subtotal() float64 {
	return b.Infrastructure + b.Buildings + b.Commerce + b.Land + b.Military + b.Production
}

// Scorer computes loot estimates. It is safe for concurrent use.
type Scorer struct {
	values Values
}

// NewScorer creates a Scorer over the given tables.
func NewScorer(v Values) *Scorer {
	return &Scorer{values: v}
}

// Values returns the tables in use.
func (s *Scorer) Values() Values {
	return s.values
}

// Score estimates the loot of a nation from its cities and market prices.
// Missing prices count as zero.
func (s *Scorer) Score(n model.Nation, cities []model.City, prices model.PriceTable) Breakdown {
	v := s.values
	var b Breakdown

	for _, c := range cities {
		b.Infrastructure += c.Infrastructure * v.InfrastructureUnit
		b.Land += c.Land * v.LandUnit
		b.Buildings += s.buildingValue(c)
		b.Commerce += s.commerceUplift(c)
		b.Production += s.production(c, prices)
	}
	b.Military = s.military(n.Military)
	b.Multiplier = s.DevelopmentMultiplier(n.Score, n.Cities)
	b.Total = math.Max(0, b.Subtotal()*b.Multiplier)
	return b
}

// Loot is Score(...).Total.
func (s *Scorer) Loot(n model.Nation, cities []model.City, prices model.PriceTable) float64 {
	return s.Score(n, cities, prices).Total
}

func (s *Scorer) buildingValue(c model.City) float64 {
	var total float64
	for name, count := range c.Buildings {
		total += float64(count) * s.values.Buildings[name]
	}
	return total
}

// commerceUplift is the income added by commerce buildings on top of the
// base infrastructure value, with the commerce rate capped.
func (s *Scorer) commerceUplift(c model.City) float64 {
	var rate float64
	for name, pct := range s.values.CommerceRates {
		rate += float64(c.Buildings.Count(name)) * pct
	}
	rate = math.Min(rate, s.values.CommerceCap)
	return c.Infrastructure * s.values.InfrastructureUnit * rate / 100
}

func (s *Scorer) production(c model.City, prices model.PriceTable) float64 {
	var total float64
	for name, rule := range s.values.Production {
		count := c.Buildings.Count(name)
		if count == 0 {
			continue
		}
		perTurn := rule.PerTurn
		if rule.LandDivisor > 0 {
			perTurn = c.Land / rule.LandDivisor
		}
		total += float64(count) * perTurn * s.values.TurnsPerDay * prices.Price(rule.Resource)
	}
	return total
}

func (s *Scorer) military(m model.Military) float64 {
	mv := s.values.Military
	return float64(m.Soldiers)*mv[UnitSoldiers] +
		float64(m.Tanks)*mv[UnitTanks] +
		float64(m.Aircraft)*mv[UnitAircraft] +
		float64(m.Ships)*mv[UnitShips] +
		float64(m.Missiles)*mv[UnitMissiles] +
		float64(m.Nukes)*mv[UnitNukes]
}

// DevelopmentMultiplier scales loot by score per city.
func (s *Scorer) DevelopmentMultiplier(score float64, cities int) float64 {
	if cities <= 0 {
		return s.values.NoCityMultiplier
	}
	perCity := score / float64(cities)
	for _, t := range s.values.Development {
		if t.Below == 0 || perCity < t.Below {
			return t.Multiplier
		}
	}
	return 1
}
