// Package http provides HTTP middleware that gates tool pages by tier
// and entitlements.
package http

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/mihaimyh/tiergate/pkg/tiergate"
)

// TokenExtractor pulls the caller's credential from a request.
// Return empty string if the request carries none.
type TokenExtractor func(r *http.Request) string

// Config holds middleware configuration.
type Config struct {
	// Gate decides tool access (required).
	Gate *tiergate.Gate

	// Identity resolves credentials to identities (required).
	Identity tiergate.IdentityService

	// GetToken extracts the credential from the request.
	// Default: Authorization bearer header, then the access_token cookie.
	GetToken TokenExtractor

	// LoginURL receives unauthenticated visitors of gated pages.
	// The original path is appended as ?redirect=. Default "/login.html".
	LoginURL string

	// UpgradeURL receives authenticated visitors whose tier is too low.
	// Default "/pricing.html".
	UpgradeURL string

	// PublicPrefixes lists path prefixes that bypass gating entirely.
	PublicPrefixes []string

	// ReturnPaths extends the post-login return allow-list beyond the
	// gated tool pages. Paths outside the allow-list redirect to "/".
	ReturnPaths []string

	// OnDenied overrides the redirect behavior when access is denied.
	OnDenied func(w http.ResponseWriter, r *http.Request, decision tiergate.Decision)

	Logger tiergate.Logger
}

// Middleware creates an HTTP middleware enforcing tool-page access.
// Pages that are not tool pages pass through untouched.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.GetToken == nil {
		config.GetToken = DefaultTokenExtractor
	}
	if config.LoginURL == "" {
		config.LoginURL = "/login.html"
	}
	if config.UpgradeURL == "" {
		config.UpgradeURL = "/pricing.html"
	}
	if config.Logger == nil {
		config.Logger = &tiergate.NoopLogger{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			for _, prefix := range config.PublicPrefixes {
				if strings.HasPrefix(path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			model := config.Gate.Model()
			if _, isTool := model.ToolForPath(path); !isTool {
				next.ServeHTTP(w, r)
				return
			}

			var identity *tiergate.Identity
			if token := config.GetToken(r); token != "" {
				id, err := config.Identity.Authenticate(r.Context(), token)
				if err == nil {
					identity = id
				}
			}

			if identity == nil {
				returnPath := ReturnPath(model, config.ReturnPaths, path)
				redirect(w, r, config.LoginURL+"?redirect="+url.QueryEscape(returnPath))
				return
			}

			decision := config.Gate.CheckToolPath(r.Context(), identity, path)
			if !decision.Allowed {
				config.Logger.Info("tool access denied",
					tiergate.Field{Key: "user_id", Value: identity.UserID},
					tiergate.Field{Key: "tool", Value: decision.ToolID},
					tiergate.Field{Key: "tier", Value: decision.Tier},
				)
				if config.OnDenied != nil {
					config.OnDenied(w, r, decision)
					return
				}
				redirect(w, r, config.UpgradeURL)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// DefaultTokenExtractor reads the Authorization bearer header, then the
// access_token cookie.
func DefaultTokenExtractor(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) >= 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if cookie, err := r.Cookie("access_token"); err == nil {
		return cookie.Value
	}
	return ""
}

// SafeReturnPath sanitizes a post-login return path. Only local absolute
// paths survive; anything resembling an external URL collapses to "/".
func SafeReturnPath(path string) string {
	if path == "" || !strings.HasPrefix(path, "/") {
		return "/"
	}
	if strings.HasPrefix(path, "//") || strings.Contains(path, "://") || strings.Contains(path, "\\") {
		return "/"
	}
	return path
}

// ReturnPath restricts a post-login return path to an allow-list of
// known destinations: the model's gated tool pages plus any extra
// configured paths. Everything else collapses to "/".
func ReturnPath(model *tiergate.TierModel, extra []string, path string) string {
	path = SafeReturnPath(path)
	if path == "/" {
		return path
	}
	if _, ok := model.ToolForPath(path); ok {
		return path
	}
	for _, allowed := range extra {
		if path == allowed {
			return path
		}
	}
	return "/"
}

func redirect(w http.ResponseWriter, r *http.Request, target string) {
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, target, http.StatusFound)
}
