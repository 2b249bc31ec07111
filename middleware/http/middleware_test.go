package http_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	mw "github.com/mihaimyh/tiergate/middleware/http"
	"github.com/mihaimyh/tiergate/pkg/tiergate"
	"github.com/mihaimyh/tiergate/storage/memory"
)

type staticIdentity struct {
	byToken map[string]*tiergate.Identity
}

func (s *staticIdentity) Authenticate(_ context.Context, token string) (*tiergate.Identity, error) {
	if id, ok := s.byToken[token]; ok {
		return id, nil
	}
	return nil, tiergate.ErrIdentityRequired
}

func newTestHandler(t *testing.T, config mw.Config) http.Handler {
	t.Helper()

	store := memory.New()
	store.SeedProfile(&tiergate.Profile{
		ID: "elite-user", Email: "e@example.com",
		Tier: tiergate.TierElite, SubscriptionStatus: tiergate.SubscriptionActive,
	})
	store.SeedProfile(&tiergate.Profile{
		ID: "starter-user", Email: "s@example.com",
		Tier: tiergate.TierStarter, SubscriptionStatus: tiergate.SubscriptionActive,
	})

	resolver, err := tiergate.NewResolver(store, tiergate.ResolverConfig{})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	gate, err := tiergate.NewGate(store, resolver, tiergate.GateConfig{})
	if err != nil {
		t.Fatalf("failed to create gate: %v", err)
	}

	config.Gate = gate
	config.Identity = &staticIdentity{byToken: map[string]*tiergate.Identity{
		"elite-token":   {UserID: "elite-user", Email: "e@example.com"},
		"starter-token": {UserID: "starter-user", Email: "s@example.com"},
	}}

	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("page"))
	})
	return mw.Middleware(config)(next)
}

func get(handler http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_NonToolPathPassesThrough(t *testing.T) {
	handler := newTestHandler(t, mw.Config{})
	rec := get(handler, "/pricing.html", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestMiddleware_UnauthenticatedRedirectsToLogin(t *testing.T) {
	handler := newTestHandler(t, mw.Config{})
	rec := get(handler, "/tools/brrrr.html", "")
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, "/login.html?redirect=") || !strings.Contains(loc, "brrrr.html") {
		t.Errorf("unexpected redirect %q", loc)
	}
}

func TestMiddleware_InsufficientTierRedirectsToUpgrade(t *testing.T) {
	handler := newTestHandler(t, mw.Config{UpgradeURL: "/upgrade.html"})
	rec := get(handler, "/tools/commercial.html", "starter-token")
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/upgrade.html" {
		t.Errorf("redirect = %q, want /upgrade.html", loc)
	}
}

func TestMiddleware_EntitledUserPasses(t *testing.T) {
	handler := newTestHandler(t, mw.Config{})
	rec := get(handler, "/tools/commercial.html", "elite-token")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestMiddleware_PublicPrefixBypasses(t *testing.T) {
	handler := newTestHandler(t, mw.Config{PublicPrefixes: []string{"/tools/demo"}})
	rec := get(handler, "/tools/demo/anything.html", "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestMiddleware_OnDeniedOverride(t *testing.T) {
	var denied tiergate.Decision
	handler := newTestHandler(t, mw.Config{
		OnDenied: func(w http.ResponseWriter, _ *http.Request, d tiergate.Decision) {
			denied = d
			w.WriteHeader(http.StatusForbidden)
		},
	})
	rec := get(handler, "/tools/commercial.html", "starter-token")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if denied.ToolID != "commercial" || denied.RequiredTier != tiergate.TierElite {
		t.Errorf("decision = %+v", denied)
	}
}

func TestMiddleware_CookieToken(t *testing.T) {
	handler := newTestHandler(t, mw.Config{})
	req := httptest.NewRequest(http.MethodGet, "/tools/brrrr.html", nil)
	req.AddCookie(&http.Cookie{Name: "access_token", Value: "elite-token"})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestSafeReturnPath(t *testing.T) {
	cases := map[string]string{
		"/tools/brrrr.html":        "/tools/brrrr.html",
		"":                         "/",
		"relative.html":            "/",
		"//evil.example.com":       "/",
		"https://evil.example.com": "/",
		"/ok\\..\\windows":         "/",
	}
	for in, want := range cases {
		if got := mw.SafeReturnPath(in); got != want {
			t.Errorf("SafeReturnPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestReturnPathAllowList(t *testing.T) {
	model := tiergate.DefaultTierModel()
	extra := []string{"/members/dashboard.html"}

	cases := map[string]string{
		"/tools/brrrr.html":        "/tools/brrrr.html", // gated tool page
		"/members/dashboard.html":  "/members/dashboard.html",
		"/anything-else.html":      "/", // local but not allow-listed
		"/tools/unknown.html":      "/",
		"//evil.example.com":       "/",
		"https://evil.example.com": "/",
	}
	for in, want := range cases {
		if got := mw.ReturnPath(model, extra, in); got != want {
			t.Errorf("ReturnPath(%q) = %q, want %q", in, got, want)
		}
	}

	if got := mw.ReturnPath(model, nil, "/members/dashboard.html"); got != "/" {
		t.Errorf("without extras, ReturnPath = %q, want /", got)
	}
}
