package metrofor

import (
	"context"
	"metrobot-backend/lib/textutil"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// MinStationSimilarity is the lowest Jaro-Winkler score FindStation accepts for a fuzzy match.
const MinStationSimilarity = 0.85

// IsStationID reports whether value looks like a station id (the site numbers its stations)
// rather than a name.
func IsStationID(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// FindStation resolves what a user typed (a station id or a name) to one of the given
// stations. Names are compared case and accent insensitively, trying in order: an exact
// match, a prefix match, a substring match and finally the most similar name.
func FindStation(stations []Station, query string) (Station, bool) {
	trimmed := strings.TrimSpace(query)
	normalized := textutil.NormalizeName(trimmed)
	if normalized == "" {
		return Station{}, false
	}

	for _, s := range stations {
		if s.ID == trimmed {
			return s, true
		}
	}

	names := make([]string, len(stations))
	for i, s := range stations {
		names[i] = textutil.NormalizeName(s.Name)
	}

	for i, name := range names {
		if name == normalized {
			return stations[i], true
		}
	}
	for i, name := range names {
		if strings.HasPrefix(name, normalized) {
			return stations[i], true
		}
	}
	for i, name := range names {
		if strings.Contains(name, normalized) {
			return stations[i], true
		}
	}

	best := -1
	bestScore := 0.0
	for i, name := range names {
		score := matchr.JaroWinkler(normalized, name, false)
		if score > bestScore {
			best = i
			bestScore = score
		}
	}
	if best < 0 || bestScore < MinStationSimilarity {
		return Station{}, false
	}
	return stations[best], true
}

type StationLister interface {
	Stations(ctx context.Context) ([]Station, error)
}

// ResolveStation turns a station id or name into a Station. An id is taken as is without a
// request, a name is looked up with FindStation among the stations lister returns.
func ResolveStation(ctx context.Context, lister StationLister, query string) (Station, bool, error) {
	query = strings.TrimSpace(query)
	if IsStationID(query) {
		return Station{ID: query}, true, nil
	}
	stations, err := lister.Stations(ctx)
	if err != nil {
		return Station{}, false, err
	}
	station, ok := FindStation(stations, query)
	return station, ok, nil
}
