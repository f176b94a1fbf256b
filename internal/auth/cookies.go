package auth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	AccessCookieName  = "destek_access"
	RefreshCookieName = "destek_refresh"
)

// SetAuthCookies attaches both tokens as HTTP-only SameSite=Strict cookies.
// Secure is forced in production so the tokens never travel over plain HTTP.
func SetAuthCookies(c *gin.Context, pair *TokenPair, production bool) {
	now := time.Now()
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     AccessCookieName,
		Value:    pair.AccessToken,
		Path:     "/",
		MaxAge:   int(pair.AccessExpiresAt.Sub(now).Seconds()),
		HttpOnly: true,
		Secure:   production,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    pair.RefreshToken,
		Path:     "/api/auth",
		MaxAge:   int(pair.RefreshExpiresAt.Sub(now).Seconds()),
		HttpOnly: true,
		Secure:   production,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearAuthCookies expires both cookies.
func ClearAuthCookies(c *gin.Context, production bool) {
	for _, cookie := range []struct {
		name string
		path string
	}{
		{AccessCookieName, "/"},
		{RefreshCookieName, "/api/auth"},
	} {
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     cookie.name,
			Value:    "",
			Path:     cookie.path,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   production,
			SameSite: http.SameSiteStrictMode,
		})
	}
}
