package model

// Building names, matching the column names of the cities export and the
// field names of the live API.
const (
	CoalPower        = "coal_power"
	OilPower         = "oil_power"
	NuclearPower     = "nuclear_power"
	WindPower        = "wind_power"
	CoalMine         = "coal_mine"
	OilWell          = "oil_well"
	UraniumMine      = "uranium_mine"
	IronMine         = "iron_mine"
	BauxiteMine      = "bauxite_mine"
	LeadMine         = "lead_mine"
	Farm             = "farm"
	OilRefinery      = "oil_refinery"
	SteelMill        = "steel_mill"
	AluminumRefinery = "aluminum_refinery"
	MunitionsFactory = "munitions_factory"
	PoliceStation    = "police_station"
	Hospital         = "hospital"
	RecyclingCenter  = "recycling_center"
	Subway           = "subway"
	Supermarket      = "supermarket"
	Bank             = "bank"
	ShoppingMall     = "shopping_mall"
	Stadium          = "stadium"
	Barracks         = "barracks"
	Factory          = "factory"
	Hangar           = "hangar"
	Drydock          = "drydock"
)

// BuildingNames lists every known building in a stable order.
var BuildingNames = []string{
	CoalPower, OilPower, NuclearPower, WindPower,
	CoalMine, OilWell, UraniumMine, IronMine, BauxiteMine, LeadMine, Farm,
	OilRefinery, SteelMill, AluminumRefinery, MunitionsFactory,
	PoliceStation, Hospital, RecyclingCenter,
	Subway, Supermarket, Bank, ShoppingMall, Stadium,
	Barracks, Factory, Hangar, Drydock,
}

// Buildings maps a building name to its count. Missing names count as zero.
type Buildings map[string]int

// Count returns the number of buildings of the given kind.
func (b Buildings) Count(name string) int {
	if b == nil {
		return 0
	}
	return b[name]
}

// City is one city of a nation.
type City struct {
	ID             int       `json:"id"`
	NationID       int       `json:"nation_id"`
	Name           string    `json:"name,omitempty"`
	Infrastructure float64   `json:"infrastructure"`
	Land           float64   `json:"land"`
	Powered        bool      `json:"powered"`
	Buildings      Buildings `json:"buildings,omitempty"`
}

// TotalInfrastructure sums infrastructure across cities.
func TotalInfrastructure(cities []City) float64 {
	var total float64
	for _, c := range cities {
		total += c.Infrastructure
	}
	return total
}
