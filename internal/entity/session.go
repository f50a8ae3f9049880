package entity

import "time"

// Cookie is the engine-neutral cookie representation persisted per site.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain"`
	Path   string `json:"path"`
	// Expires is seconds since the epoch; zero or negative marks a session cookie.
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Expired reports whether the cookie carries an expiry that lies before now.
func (c Cookie) Expired(now time.Time) bool {
	if c.Expires <= 0 {
		return false
	}
	return float64(now.Unix()) >= c.Expires
}

// SessionState is the browser snapshot that lets a later run skip re-login.
type SessionState struct {
	Cookies        []Cookie          `json:"cookies"`
	LocalStorage   map[string]string `json:"localStorage"`
	SessionStorage map[string]string `json:"sessionStorage"`
	IsLoggedIn     bool              `json:"isLoggedIn"`
	LastLoginTime  time.Time         `json:"lastLoginTime"`
	Username       string            `json:"username"`
	URL            string            `json:"url,omitempty"`
}

// Fresh reports whether the state is logged in and younger than maxAge.
// A zero maxAge disables the age check.
func (s *SessionState) Fresh(now time.Time, maxAge time.Duration) bool {
	if s == nil || !s.IsLoggedIn {
		return false
	}
	if maxAge > 0 && now.Sub(s.LastLoginTime) > maxAge {
		return false
	}
	for _, c := range s.Cookies {
		if c.Expired(now) {
			return false
		}
	}
	return true
}
