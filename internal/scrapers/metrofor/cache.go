package metrofor

import (
	"metrobot-backend/internal/components/assert"
	"metrobot-backend/internal/components/chrono"
	"slices"
	"sync"
	"time"
)

// DefaultSessionTTL is how long a bootstrapped session is reused before the site root is
// visited again.
const DefaultSessionTTL = time.Hour

// SessionCache is a single slot holding the session shared by every caller of a Client.
// The site hands out one anti-forgery token per browser session, so there is one slot per
// process rather than one per end user.
type SessionCache struct {
	mutex  sync.Mutex
	slot   *CachedSession
	ttl    time.Duration
	chrono chrono.API
}

func NewSessionCache(clock chrono.API, ttl time.Duration) *SessionCache {
	assert.NotNil(clock)
	assert.Positive(ttl, "session ttl")
	return &SessionCache{ttl: ttl, chrono: clock}
}

func (c *SessionCache) expired(slot *CachedSession, now time.Time) bool {
	if now.Sub(slot.Timestamp) >= c.ttl {
		return true
	}
	return !slot.CookiesExpireAt.IsZero() && !now.Before(slot.CookiesExpireAt)
}

// Get returns the cached session. An expired slot is cleared and reported as missing.
func (c *SessionCache) Get() (CachedSession, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.slot == nil {
		return CachedSession{}, false
	}
	if c.expired(c.slot, c.chrono.Now()) {
		c.slot = nil
		return CachedSession{}, false
	}

	out := *c.slot
	out.Stations = slices.Clone(c.slot.Stations)
	return out, true
}

// Set replaces the slot, last write wins.
func (c *SessionCache) Set(session Session, stations []Station) {
	c.SetUntil(session, stations, time.Time{})
}

// SetUntil is Set for a session whose cookies stop being valid at cookiesExpireAt (zero for
// no known expiry), the slot then expires at whichever of the ttl and cookiesExpireAt comes
// first.
func (c *SessionCache) SetUntil(session Session, stations []Station, cookiesExpireAt time.Time) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.slot = &CachedSession{
		Session:         session,
		Stations:        slices.Clone(stations),
		Timestamp:       c.chrono.Now(),
		CookiesExpireAt: cookiesExpireAt,
	}
}

// setIfEmpty stores the session only when there is no live slot, so that a session without
// stations never replaces one that has them.
func (c *SessionCache) setIfEmpty(session Session, cookiesExpireAt time.Time) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.slot != nil && !c.expired(c.slot, c.chrono.Now()) {
		return false
	}
	c.slot = &CachedSession{
		Session:         session,
		Timestamp:       c.chrono.Now(),
		CookiesExpireAt: cookiesExpireAt,
	}
	return true
}

// invalidateSession clears the slot only while it still holds session, a newer session
// stored in the meantime is kept.
func (c *SessionCache) invalidateSession(session Session) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.slot == nil || c.slot.Session != session {
		return false
	}
	c.slot = nil
	return true
}

func (c *SessionCache) Invalidate() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.slot = nil
}
