package replication

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

var ErrUnknownSource = errors.New("unknown replication source")

// Source is a replication server publishing state.txt and numbered
// .osc.gz change files.
type Source struct {
	Name           string
	BaseURL        string
	UpdateInterval time.Duration
	Description    string
}

func (s *Source) StateURL() string {
	return s.BaseURL + "/state.txt"
}

func (s *Source) SequenceStateURL(seq int64) string {
	return fmt.Sprintf("%s/%s.state.txt", s.BaseURL, SequenceToPath(seq))
}

func (s *Source) SequenceDataURL(seq int64) string {
	return fmt.Sprintf("%s/%s.osc.gz", s.BaseURL, SequenceToPath(seq))
}

var (
	SourcePlanetMinute = &Source{
		Name:           "planet-minute",
		BaseURL:        "https://planet.openstreetmap.org/replication/minute",
		UpdateInterval: time.Minute,
		Description:    "OpenStreetMap planet minutely updates",
	}
	SourcePlanetHour = &Source{
		Name:           "planet-hour",
		BaseURL:        "https://planet.openstreetmap.org/replication/hour",
		UpdateInterval: time.Hour,
		Description:    "OpenStreetMap planet hourly updates",
	}
	SourcePlanetDay = &Source{
		Name:           "planet-day",
		BaseURL:        "https://planet.openstreetmap.org/replication/day",
		UpdateInterval: 24 * time.Hour,
		Description:    "OpenStreetMap planet daily updates",
	}
)

var planetSources = []*Source{SourcePlanetMinute, SourcePlanetHour, SourcePlanetDay}

// geofabrikRegions maps short names to Geofabrik extract paths.
var geofabrikRegions = map[string]string{
	"europe":         "europe",
	"germany":        "europe/germany",
	"france":         "europe/france",
	"italy":          "europe/italy",
	"spain":          "europe/spain",
	"united-kingdom": "europe/great-britain",
	"great-britain":  "europe/great-britain",
	"netherlands":    "europe/netherlands",
	"belgium":        "europe/belgium",
	"luxembourg":     "europe/luxembourg",
	"switzerland":    "europe/switzerland",
	"austria":        "europe/austria",
	"poland":         "europe/poland",
	"monaco":         "europe/monaco",

	"north-america": "north-america",
	"us":            "north-america/us",
	"usa":           "north-america/us",
	"canada":        "north-america/canada",
	"mexico":        "north-america/mexico",
	"south-america": "south-america",
	"brazil":        "south-america/brazil",

	"asia":  "asia",
	"japan": "asia/japan",
	"china": "asia/china",
	"india": "asia/india",

	"africa": "africa",

	"oceania":     "australia-oceania",
	"australia":   "australia-oceania/australia",
	"new-zealand": "australia-oceania/new-zealand",
}

// GetGeofabrikSource returns the daily update source of a Geofabrik
// extract. Regions missing from the built-in list are used as a path
// ("europe/andorra").
func GetGeofabrikSource(region string) (*Source, error) {
	region = strings.Trim(strings.ToLower(strings.TrimSpace(region)), "/")
	if region == "" {
		return nil, fmt.Errorf("%w: empty geofabrik region", ErrUnknownSource)
	}
	path, ok := geofabrikRegions[region]
	if !ok {
		path = region
	}
	return &Source{
		Name:           "geofabrik/" + region,
		BaseURL:        fmt.Sprintf("https://download.geofabrik.de/%s-updates", path),
		UpdateInterval: 24 * time.Hour,
		Description:    fmt.Sprintf("Geofabrik %s daily updates", region),
	}, nil
}

// ParseSource resolves a source name:
//   - "planet-minute", "planet-hour", "planet-day" (or "minute", "hour", "day")
//   - "geofabrik/<region>" or a bare known region such as "monaco"
//   - an http(s) URL of any replication directory
func ParseSource(s string) (*Source, error) {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)

	switch lower {
	case "planet-minute", "planet/minute", "minute":
		return SourcePlanetMinute, nil
	case "planet-hour", "planet/hour", "hour":
		return SourcePlanetHour, nil
	case "planet-day", "planet/day", "day":
		return SourcePlanetDay, nil
	}

	if region, ok := strings.CutPrefix(lower, "geofabrik/"); ok {
		return GetGeofabrikSource(region)
	}
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return &Source{
			Name:           "custom",
			BaseURL:        strings.TrimSuffix(s, "/"),
			UpdateInterval: time.Hour,
			Description:    "Custom replication source",
		}, nil
	}
	if _, ok := geofabrikRegions[lower]; ok {
		return GetGeofabrikSource(lower)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSource, s)
}

// ListSources describes the built-in sources, one per line.
func ListSources() []string {
	var lines []string
	for _, src := range planetSources {
		lines = append(lines, fmt.Sprintf("%-13s - %s", src.Name, src.Description))
	}
	lines = append(lines, "", "Geofabrik regions (use as geofabrik/<region>):")
	for _, region := range slices.Sorted(maps.Keys(geofabrikRegions)) {
		lines = append(lines, "  geofabrik/"+region)
	}
	return lines
}
