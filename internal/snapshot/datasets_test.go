package snapshot

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnw-tools/raidscout/internal/model"
)

const nationsCSV = "\ufeffnation_id,nation_name,leader_name,score,cities,alliance_id,alliance,alliance_position,color,vm_turns,beige_turns_remaining,date_created,soldiers,tanks,aircraft,ships,spies,missiles,nukes\n" +
	"101,Alpha,Ann,1500.25,15,5,Rose,MEMBER,Beige,0,3,2020-01-01 00:00:00,1000,50,10,2,5,0,0\n" +
	"102,Beta,Bob,900,9,None,None,,gray,4,0,2021-05-05 00:00:00,0,0,0,0,0,0,0\n" +
	",Ghost,,1,1,0,,,gray,0,0,,0,0,0,0,0,0,0\n"

func TestParseNations(t *testing.T) {
	nations, err := ParseNations(context.Background(), strings.NewReader(nationsCSV))
	require.NoError(t, err)
	require.Len(t, nations, 2)

	a := nations[0]
	assert.Equal(t, 101, a.ID)
	assert.Equal(t, "Alpha", a.Name)
	assert.Equal(t, "Ann", a.Leader)
	assert.InDelta(t, 1500.25, a.Score, 0.001)
	assert.Equal(t, 15, a.Cities)
	assert.Equal(t, 5, a.AllianceID)
	assert.Equal(t, "Rose", a.AllianceName)
	assert.Equal(t, model.PositionMember, a.AlliancePosition)
	assert.Equal(t, "beige", a.Color)
	assert.Equal(t, 3, a.BeigeTurns)
	assert.False(t, a.InVacationMode())
	assert.Equal(t, 1000, a.Military.Soldiers)
	assert.Equal(t, model.UnknownRank, a.AllianceRank)

	b := nations[1]
	assert.Equal(t, 0, b.AllianceID, "None means no alliance")
	assert.Empty(t, b.AllianceName)
	assert.True(t, b.InVacationMode())
}

func TestParseNations_MissingColumn(t *testing.T) {
	_, err := ParseNations(context.Background(), strings.NewReader("nation_name\nAlpha\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nation_id")
}

func TestParseCities(t *testing.T) {
	input := "city_id,nation_id,name,infrastructure,land,powered,coal_mines,oil_wells,farms,oil_refineries,munitions_factories,nuclear_power_plants\n" +
		"1,101,Capital,2000.5,1500,1,3,2,5,1,4,1\n" +
		"2,101,Second,1000,800,0,0,0,0,0,0,0\n" +
		"3,0,Orphan,10,10,0,0,0,0,0,0,0\n"

	cities, err := ParseCities(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, cities, 2)

	c := cities[0]
	assert.Equal(t, 101, c.NationID)
	assert.InDelta(t, 2000.5, c.Infrastructure, 0.001)
	assert.True(t, c.Powered)
	assert.Equal(t, 3, c.Buildings.Count(model.CoalMine))
	assert.Equal(t, 2, c.Buildings.Count(model.OilWell))
	assert.Equal(t, 5, c.Buildings.Count(model.Farm))
	assert.Equal(t, 1, c.Buildings.Count(model.OilRefinery))
	assert.Equal(t, 4, c.Buildings.Count(model.MunitionsFactory))
	assert.Equal(t, 1, c.Buildings.Count(model.NuclearPower))
	assert.Equal(t, 0, c.Buildings.Count(model.SteelMill), "absent column counts as zero")

	assert.Empty(t, cities[1].Buildings)
}

func TestParseCities_SingularColumns(t *testing.T) {
	input := "city_id,nation_id,infrastructure,land,coal_mine,steel_mill\n1,5,100,100,2,3\n"
	cities, err := ParseCities(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, cities, 1)
	assert.Equal(t, 2, cities[0].Buildings.Count(model.CoalMine))
	assert.Equal(t, 3, cities[0].Buildings.Count(model.SteelMill))
}

func TestParseAlliances_WithRank(t *testing.T) {
	input := "alliance_id,name,score,rank\n5,Rose,90000,2\n6,Eclipse,120000,1\n"
	alliances, err := ParseAlliances(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, alliances, 2)
	assert.Equal(t, 2, alliances[0].Rank)
	assert.Equal(t, 1, alliances[1].Rank)
}

func TestParseAlliances_DerivesRank(t *testing.T) {
	input := "alliance_id,name,score\n5,Rose,90000\n6,Eclipse,120000\n7,Small,100\n"
	alliances, err := ParseAlliances(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, alliances, 3)

	ranks := map[int]int{}
	for _, a := range alliances {
		ranks[a.ID] = a.Rank
	}
	assert.Equal(t, map[int]int{6: 1, 5: 2, 7: 3}, ranks)
}

func TestParseWars(t *testing.T) {
	input := "war_id,aggressor_nation_id,defender_nation_id,war_type,reason,turns_left\n" +
		"1,101,102,RAID,loot,40\n" +
		"2,103,101,ORDINARY,,0\n"
	wars, err := ParseWars(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, wars, 2)
	assert.Equal(t, 101, wars[0].AttackerID)
	assert.Equal(t, 102, wars[0].DefenderID)
	assert.Equal(t, "RAID", wars[0].Type)
	assert.True(t, wars[0].Active())
	assert.False(t, wars[1].Active())
}

func TestParseHelpers(t *testing.T) {
	assert.Equal(t, 12, parseIntOr("12", 0))
	assert.Equal(t, 12, parseIntOr("12.0", 0))
	assert.Equal(t, 7, parseIntOr("None", 7))
	assert.Equal(t, 7, parseIntOr("abc", 7))
	assert.InDelta(t, 1234.5, parseFloat64Or("1,234.5", 0), 0.001)
	assert.True(t, parseBool("1"))
	assert.False(t, parseBool("0"))
	assert.True(t, parseTime("2026-10-13 20:00:00").Equal(parseTime("2026-10-13T20:00:00Z")))
	assert.True(t, parseTime("garbage").IsZero())
}

func TestBuildingColumns(t *testing.T) {
	assert.Equal(t, []string{"oil_refinery", "oil_refineries"}, buildingColumns(model.OilRefinery))
	assert.Equal(t, []string{"coal_power", "coal_powers", "coal_power_plants", "coal_power_plant"}, buildingColumns(model.CoalPower))
	assert.Equal(t, []string{"barracks", "barrackses"}, buildingColumns(model.Barracks))
}
