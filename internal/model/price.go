package model

// Resource names used in the trade price table.
const (
	Coal      = "coal"
	Oil       = "oil"
	Uranium   = "uranium"
	Iron      = "iron"
	Bauxite   = "bauxite"
	Lead      = "lead"
	Gasoline  = "gasoline"
	Munitions = "munitions"
	Steel     = "steel"
	Aluminum  = "aluminum"
	Food      = "food"
	Credits   = "credits"
)

// PriceTable maps a resource name to its unit price.
type PriceTable map[string]float64

// DefaultPrices returns the fallback prices used when the live market
// lookup is unavailable.
func DefaultPrices() PriceTable {
	return PriceTable{
		Coal:      50,
		Oil:       100,
		Uranium:   2000,
		Iron:      75,
		Bauxite:   80,
		Lead:      90,
		Gasoline:  150,
		Munitions: 200,
		Steel:     300,
		Aluminum:  400,
		Food:      25,
		Credits:   1000,
	}
}

// Price returns the price for a resource, or 0 when unknown.
func (p PriceTable) Price(resource string) float64 {
	if p == nil {
		return 0
	}
	return p[resource]
}

// Clone returns a copy of the table.
func (p PriceTable) Clone() PriceTable {
	out := make(PriceTable, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
