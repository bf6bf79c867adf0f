package schemas

import "time"

// SessionStateVersion is the current on-disk format version for persisted
// session state. Loaders must reject anything else.
const SessionStateVersion = 1

// CookieSameSite defines the SameSite attribute for cookies.
type CookieSameSite string

const (
	CookieSameSiteStrict CookieSameSite = "Strict"
	CookieSameSiteLax    CookieSameSite = "Lax"
	CookieSameSiteNone   CookieSameSite = "None"
)

// Cookie represents a single browser cookie as captured from a live context.
type Cookie struct {
	Name     string         `json:"name"`
	Value    string         `json:"value"`
	Domain   string         `json:"domain"`
	Path     string         `json:"path"`
	Expires  float64        `json:"expires"`
	Secure   bool           `json:"secure"`
	HTTPOnly bool           `json:"httpOnly"`
	SameSite CookieSameSite `json:"sameSite,omitempty"`
}

// Key returns the identity tuple of a cookie. Within one SessionState every
// cookie key is unique; a later capture of the same key replaces the earlier.
func (c Cookie) Key() string {
	return c.Name + "\x00" + c.Domain + "\x00" + c.Path
}

// OriginState holds the localStorage contents captured for a single origin.
type OriginState struct {
	Origin       string            `json:"origin"`
	LocalStorage map[string]string `json:"localStorage"`
}

// SessionState is a self-describing snapshot of an authenticated browser
// session: cookies plus per-origin storage. It is produced by capturing a
// live context, persisted keyed by a caller-supplied identifier, and consumed
// to seed a fresh context. It is never mutated in place; a new capture
// replaces the old record entirely.
type SessionState struct {
	Version    int           `json:"version"`
	CapturedAt time.Time     `json:"capturedAt"`
	Cookies    []Cookie      `json:"cookies"`
	Origins    []OriginState `json:"origins"`
}

// Age reports how long ago the state was captured.
func (s *SessionState) Age(now time.Time) time.Duration {
	return now.Sub(s.CapturedAt)
}
