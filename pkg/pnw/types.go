package pnw

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// ID decodes an id that the API may send as a JSON string or number.
type ID int

// UnmarshalJSON accepts "123", 123 and null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*id = 0
			return nil
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*id = ID(n)
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n)
	return nil
}

// Int returns the id as an int.
func (id ID) Int() int { return int(id) }

// AllianceRef is the nested alliance of a nation.
type AllianceRef struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
	Rank int    `json:"rank"`
}

// NationAlliance is one nation's alliance membership.
type NationAlliance struct {
	ID               ID           `json:"id"`
	AllianceID       ID           `json:"alliance_id"`
	AlliancePosition string       `json:"alliance_position"`
	Alliance         *AllianceRef `json:"alliance"`
}

// BuildingFields are the per-city building count fields requested from the
// API.
var BuildingFields = []string{
	"coal_power", "oil_power", "nuclear_power", "wind_power",
	"coal_mine", "oil_well", "uranium_mine", "iron_mine", "bauxite_mine", "lead_mine", "farm",
	"oil_refinery", "steel_mill", "aluminum_refinery", "munitions_factory",
	"police_station", "hospital", "recycling_center",
	"subway", "supermarket", "bank", "shopping_mall", "stadium",
	"barracks", "factory", "hangar", "drydock",
}

// City is one city with its building counts.
type City struct {
	ID             ID
	Name           string
	Infrastructure float64
	Land           float64
	Powered        bool
	Buildings      map[string]int
}

// UnmarshalJSON decodes the fixed fields and every known building field.
func (c *City) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	var fixed struct {
		ID             ID      `json:"id"`
		Name           string  `json:"name"`
		Infrastructure float64 `json:"infrastructure"`
		Land           float64 `json:"land"`
		Powered        bool    `json:"powered"`
	}
	if err := json.Unmarshal(b, &fixed); err != nil {
		return err
	}
	c.ID = fixed.ID
	c.Name = fixed.Name
	c.Infrastructure = fixed.Infrastructure
	c.Land = fixed.Land
	c.Powered = fixed.Powered

	c.Buildings = make(map[string]int)
	for _, f := range BuildingFields {
		v, ok := raw[f]
		if !ok {
			continue
		}
		var n int
		if err := json.Unmarshal(v, &n); err != nil {
			continue
		}
		if n > 0 {
			c.Buildings[f] = n
		}
	}
	return nil
}

// NationCities is one nation with its cities.
type NationCities struct {
	ID     ID     `json:"id"`
	Cities []City `json:"cities"`
}

// TradePrices is the latest market price row.
type TradePrices struct {
	Coal      float64 `json:"coal"`
	Oil       float64 `json:"oil"`
	Uranium   float64 `json:"uranium"`
	Iron      float64 `json:"iron"`
	Bauxite   float64 `json:"bauxite"`
	Lead      float64 `json:"lead"`
	Gasoline  float64 `json:"gasoline"`
	Munitions float64 `json:"munitions"`
	Steel     float64 `json:"steel"`
	Aluminum  float64 `json:"aluminum"`
	Food      float64 `json:"food"`
	Credits   float64 `json:"credits"`
}

// Map returns resource -> price.
func (p TradePrices) Map() map[string]float64 {
	return map[string]float64{
		"coal":      p.Coal,
		"oil":       p.Oil,
		"uranium":   p.Uranium,
		"iron":      p.Iron,
		"bauxite":   p.Bauxite,
		"lead":      p.Lead,
		"gasoline":  p.Gasoline,
		"munitions": p.Munitions,
		"steel":     p.Steel,
		"aluminum":  p.Aluminum,
		"food":      p.Food,
		"credits":   p.Credits,
	}
}
