package snapshot

import (
	"strconv"
	"strings"
	"time"
)

// parseIntOr parses a string as an integer, returning def if parsing fails or the string is empty.
// Exports sometimes write whole numbers as "12.0", so a float fallback is tried.
func parseIntOr(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") || strings.EqualFold(s, "null") {
		return def
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return def
}

// parseFloat64Or parses a string as a float64, returning def if parsing fails.
func parseFloat64Or(s string, def float64) float64 {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return def
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return def
	}
	return v
}

// parseBool accepts 1/0, true/false and yes/no.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y":
		return true
	default:
		return false
	}
}

// parseAllianceName maps the export's "None" placeholder to "".
func parseAllianceName(s string) string {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "none") {
		return ""
	}
	return s
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTime returns the zero time when s matches no known layout.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// buildingColumns returns the export column names a building may appear
// under, most specific first.
func buildingColumns(name string) []string {
	cols := []string{name, plural(name)}
	if strings.HasSuffix(name, "_power") {
		cols = append(cols, name+"_plants", name+"_plant")
	}
	return cols
}

func plural(name string) string {
	switch {
	case strings.HasSuffix(name, "ry"), strings.HasSuffix(name, "ty"):
		return name[:len(name)-1] + "ies"
	case strings.HasSuffix(name, "s"):
		return name + "es"
	default:
		return name + "s"
	}
}
