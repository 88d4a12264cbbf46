package models

import "time"

// Account is a portal account configured by a user. Password is plaintext
// in memory only; repositories encrypt it at rest.
type Account struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Name      string    `json:"name"`
	LoginID   string    `json:"loginId"`
	Password  string    `json:"-"`
	PriceRate float64   `json:"priceIncreaseRate"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Profile is the subscription view of a user.
type Profile struct {
	UserID    string    `json:"userId"`
	Plan      string    `json:"plan"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PortalCookie is a cookie captured from the portal after an interactive login.
type PortalCookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"` // unix seconds, 0 for session cookies
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// Expired reports whether the cookie has a past expiry.
func (c PortalCookie) Expired(now time.Time) bool {
	return c.Expires > 0 && float64(now.Unix()) >= c.Expires
}
