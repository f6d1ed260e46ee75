package handlers

import (
	"net/http"
	"time"
)

// RefreshCookieName is the cookie carrying the raw refresh token.
const RefreshCookieName = "refresh_token"

// CookieConfig holds the attributes of the refresh cookie.
type CookieConfig struct {
	Secure   bool
	SameSite http.SameSite
	MaxAge   time.Duration
}

// NewCookieConfig returns Secure + SameSite=Strict in production and
// SameSite=Lax otherwise.
func NewCookieConfig(production bool, maxAge time.Duration) CookieConfig {
	c := CookieConfig{Secure: production, SameSite: http.SameSiteLaxMode, MaxAge: maxAge}
	if production {
		c.SameSite = http.SameSiteStrictMode
	}
	return c
}

func (c CookieConfig) setRefresh(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(c.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	})
}

func (c CookieConfig) clearRefresh(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: c.SameSite,
	})
}

func refreshFromCookie(r *http.Request) string {
	c, err := r.Cookie(RefreshCookieName)
	if err != nil {
		return ""
	}
	return c.Value
}
