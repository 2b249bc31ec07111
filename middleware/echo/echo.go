// Package echo provides Echo middleware that gates tool pages by tier
// and entitlements.
package echo

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	mwhttp "github.com/mihaimyh/tiergate/middleware/http"
	"github.com/mihaimyh/tiergate/pkg/tiergate"
)

// TokenExtractor extracts the caller's credential from an Echo context.
// Return empty string if the request carries none.
type TokenExtractor func(c echo.Context) string

// Config holds middleware configuration.
type Config struct {
	// Gate decides tool access (required).
	Gate *tiergate.Gate

	// Identity resolves credentials to identities (required).
	Identity tiergate.IdentityService

	// GetToken extracts the credential from the context.
	// Default: Authorization bearer header, then the access_token cookie.
	GetToken TokenExtractor

	// LoginURL receives unauthenticated visitors of gated pages.
	// Default "/login.html".
	LoginURL string

	// UpgradeURL receives authenticated visitors whose tier is too low.
	// Default "/pricing.html".
	UpgradeURL string

	// ReturnPaths extends the post-login return allow-list beyond the
	// gated tool pages.
	ReturnPaths []string

	// OnDenied overrides the redirect behavior when access is denied.
	OnDenied func(c echo.Context, decision tiergate.Decision) error
}

// Middleware creates an Echo middleware enforcing tool-page access.
func Middleware(config Config) echo.MiddlewareFunc {
	if config.GetToken == nil {
		config.GetToken = defaultTokenExtractor
	}
	if config.LoginURL == "" {
		config.LoginURL = "/login.html"
	}
	if config.UpgradeURL == "" {
		config.UpgradeURL = "/pricing.html"
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if _, isTool := config.Gate.Model().ToolForPath(path); !isTool {
				return next(c)
			}

			var identity *tiergate.Identity
			if token := config.GetToken(c); token != "" {
				if id, err := config.Identity.Authenticate(c.Request().Context(), token); err == nil {
					identity = id
				}
			}

			if identity == nil {
				returnPath := mwhttp.ReturnPath(config.Gate.Model(), config.ReturnPaths, path)
				return c.Redirect(http.StatusFound,
					config.LoginURL+"?redirect="+url.QueryEscape(returnPath))
			}

			decision := config.Gate.CheckToolPath(c.Request().Context(), identity, path)
			if !decision.Allowed {
				if config.OnDenied != nil {
					return config.OnDenied(c, decision)
				}
				return c.Redirect(http.StatusFound, config.UpgradeURL)
			}

			c.Set("tier", decision.Tier)
			return next(c)
		}
	}
}

func defaultTokenExtractor(c echo.Context) string {
	h := strings.TrimSpace(c.Request().Header.Get("Authorization"))
	if len(h) >= 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if cookie, err := c.Cookie("access_token"); err == nil {
		return cookie.Value
	}
	return ""
}
