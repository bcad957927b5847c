package chrono

import (
	"sync"
	"time"

	_ "time/tzdata"
)

// DefaultLocation is where the upstream site computes its estimates.
const DefaultLocation = "America/Fortaleza"

// API is the clock every time-dependent component should read from, so that
// tests can move time forward without sleeping.
type API interface {
	Now() time.Time
	Location() *time.Location
}

type StandardImpl struct {
	location *time.Location
}

func NewStandardImpl(location string) (StandardImpl, error) {
	if location == "" {
		location = DefaultLocation
	}
	loc, err := time.LoadLocation(location)
	if err != nil {
		return StandardImpl{}, err
	}
	return StandardImpl{location: loc}, nil
}

func (s StandardImpl) Now() time.Time {
	return time.Now().In(s.location)
}

func (s StandardImpl) Location() *time.Location {
	return s.location
}

// ManualImpl is a clock that only moves when told to.
type ManualImpl struct {
	mutex    sync.Mutex
	now      time.Time
	location *time.Location
}

func NewManualImpl(start time.Time) *ManualImpl {
	return &ManualImpl{now: start, location: start.Location()}
}

func (m *ManualImpl) Now() time.Time {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.now
}

func (m *ManualImpl) Location() *time.Location {
	return m.location
}

func (m *ManualImpl) Advance(d time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.now = m.now.Add(d)
}

func (m *ManualImpl) Set(t time.Time) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.now = t
}
