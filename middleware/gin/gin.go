// Package gin provides Gin middleware that gates tool pages by tier
// and entitlements.
package gin

import (
	"net/http"
	"net/url"
	"strings"

	gongin "github.com/gin-gonic/gin"

	mwhttp "github.com/mihaimyh/tiergate/middleware/http"
	"github.com/mihaimyh/tiergate/pkg/tiergate"
)

// TokenExtractor extracts the caller's credential from a Gin context.
// Return empty string if the request carries none.
type TokenExtractor func(c *gongin.Context) string

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
	OnDenied func(c *gongin.Context, decision tiergate.Decision)
}

// Middleware creates a Gin middleware enforcing tool-page access.
func Middleware(config Config) gongin.HandlerFunc {
	if config.GetToken == nil {
		config.GetToken = defaultTokenExtractor
	}
	if config.LoginURL == "" {
		config.LoginURL = "/login.html"
	}
	if config.UpgradeURL == "" {
		config.UpgradeURL = "/pricing.html"
	}

	return func(c *gongin.Context) {
		path := c.Request.URL.Path
		if _, isTool := config.Gate.Model().ToolForPath(path); !isTool {
			c.Next()
			return
		}

		var identity *tiergate.Identity
		if token := config.GetToken(c); token != "" {
			if id, err := config.Identity.Authenticate(c.Request.Context(), token); err == nil {
				identity = id
			}
		}

		if identity == nil {
			returnPath := mwhttp.ReturnPath(config.Gate.Model(), config.ReturnPaths, path)
			c.Redirect(http.StatusFound, config.LoginURL+"?redirect="+url.QueryEscape(returnPath))
			c.Abort()
			return
		}

		decision := config.Gate.CheckToolPath(c.Request.Context(), identity, path)
		if !decision.Allowed {
			if config.OnDenied != nil {
				config.OnDenied(c, decision)
				c.Abort()
				return
			}
			c.Redirect(http.StatusFound, config.UpgradeURL)
			c.Abort()
			return
		}

		c.Set("tier", decision.Tier)
		c.Next()
	}
}

func defaultTokenExtractor(c *gongin.Context) string {
	h := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(h) >= 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if token, err := c.Cookie("access_token"); err == nil {
		return token
	}
	return ""
}
