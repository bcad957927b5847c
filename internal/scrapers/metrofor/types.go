package metrofor

import "time"

// Station is an option of the origin station <select> on the schedule form.
type Station struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Session is what the site root hands out to a browser: the anti-forgery token rendered into
// the form and the cookies that token is bound to.
type Session struct {
	CsrfToken string
	Cookies   string
}

// CachedSession is the content of the session cache slot.
type CachedSession struct {
	Session
	// nil when only the session has been fetched so far.
	Stations  []Station
	Timestamp time.Time
	// earliest cookie expiry advertised by the site, zero if the cookies did not carry one.
	CookiesExpireAt time.Time
}

type ScheduleInfo struct {
	Origin                 string `json:"origin"`
	Destination            string `json:"destination"`
	OriginEstimatedTime    string `json:"originEstimatedTime"`
	DestinationArrivalTime string `json:"destinationArrivalTime"`
	EstimatedTripDuration  string `json:"estimatedTripDuration"`
	NumberOfStations       int    `json:"numberOfStations"`
	NextSchedule1          string `json:"nextSchedule1"`
	NextSchedule2          string `json:"nextSchedule2"`
}
