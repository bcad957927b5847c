package metrofor

import (
	"fmt"
	"strings"
	"time"
)

// TripDateTimeLayout is the format of the dt_viagem form field, the value of an html
// datetime-local input.
const TripDateTimeLayout = "2006-01-02T15:04"

// FormatTripDateTime renders t as a dt_viagem value in the given location (where the site
// computes its estimates).
func FormatTripDateTime(t time.Time, loc *time.Location) string {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(TripDateTimeLayout)
}

var tripDateTimeLayouts = []string{
	TripDateTimeLayout,
	"2006-01-02 15:04",
	time.RFC3339,
}

// ParseTripDateTime reads a departure time typed by a user. A bare "15:04" is taken as that
// time on the day of now, the other accepted forms are TripDateTimeLayout, "2006-01-02 15:04"
// and RFC 3339. Times without a zone are read in now's location.
func ParseTripDateTime(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	loc := now.Location()

	clock, err := time.ParseInLocation("15:04", value, loc)
	if err == nil {
		year, month, day := now.Date()
		return time.Date(year, month, day, clock.Hour(), clock.Minute(), 0, 0, loc), nil
	}

	for _, layout := range tripDateTimeLayouts {
		t, err := time.ParseInLocation(layout, value, loc)
		if err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized trip date/time %q, expected HH:MM or %s", value, TripDateTimeLayout)
}
