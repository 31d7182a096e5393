package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/malvik/azurepim/apperrors"
	"github.com/malvik/azurepim/config"
)

func testOAuthClient(tokenURL string) *OAuthClient {
	c := NewOAuthClient(config.OAuthConfig{
		ClientID:    "11111111-2222-3333-4444-555555555555",
		Tenant:      "contoso.onmicrosoft.com",
		RedirectURI: "http://localhost:28491/callback",
		Scopes:      []string{"openid", "profile", "offline_access", "User.Read"},
	})
	if tokenURL != "" {
		c.endpoint.TokenURL = tokenURL
	}
	return c
}

func TestAuthorizationURL(t *testing.T) {
	c := testOAuthClient("")
	pkce, err := NewPkceChallenge()
	if err != nil {
		t.Fatalf("NewPkceChallenge() error = %v", err)
	}

	authURL, state, err := c.AuthorizationURL(pkce)
	if err != nil {
		t.Fatalf("AuthorizationURL() error = %v", err)
	}
	if state == "" {
		t.Fatal("state should not be empty")
	}

	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("authorization URL does not parse: %v", err)
	}
	if !strings.Contains(u.Host, "login.microsoftonline.com") {
		t.Errorf("host = %q, want login.microsoftonline.com", u.Host)
	}
	if !strings.Contains(u.Path, "contoso.onmicrosoft.com") {
		t.Errorf("path = %q, want tenant segment", u.Path)
	}

	q := u.Query()
	checks := map[string]string{
		"client_id":             "11111111-2222-3333-4444-555555555555",
		"response_type":         "code",
		"response_mode":         "query",
		"redirect_uri":          "http://localhost:28491/callback",
		"state":                 state,
		"code_challenge":        pkce.Challenge,
		"code_challenge_method": "S256",
	}
	for key, want := range checks {
		if got := q.Get(key); got != want {
			t.Errorf("query %s = %q, want %q", key, got, want)
		}
	}
	if !strings.Contains(q.Get("scope"), "offline_access") {
		t.Errorf("scope = %q, want offline_access included", q.Get("scope"))
	}
}

func TestAuthorizationURLUniqueState(t *testing.T) {
	c := testOAuthClient("")
	pkce, _ := NewPkceChallenge()

	_, first, err := c.AuthorizationURL(pkce)
	if err != nil {
		t.Fatalf("AuthorizationURL() error = %v", err)
	}
	_, second, err := c.AuthorizationURL(pkce)
	if err != nil {
		t.Fatalf("AuthorizationURL() error = %v", err)
	}
	if first == second {
		t.Error("state should be fresh per call")
	}
}

func TestExchangeCode(t *testing.T) {
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-value","token_type":"Bearer","expires_in":3600,"refresh_token":"rt-value","scope":"User.Read"}`))
	}))
	defer srv.Close()

	c := testOAuthClient(srv.URL)
	token, err := c.ExchangeCode(context.Background(), "auth-code-1", "verifier-1")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	if token.AccessToken != "at-value" {
		t.Errorf("AccessToken = %q, want at-value", token.AccessToken)
	}
	if token.RefreshToken != "rt-value" {
		t.Errorf("RefreshToken = %q, want rt-value", token.RefreshToken)
	}
	if token.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", token.ExpiresIn)
	}

	if gotForm.Get("grant_type") != "authorization_code" {
		t.Errorf("grant_type = %q, want authorization_code", gotForm.Get("grant_type"))
	}
	if gotForm.Get("code") != "auth-code-1" {
		t.Errorf("code = %q, want auth-code-1", gotForm.Get("code"))
	}
	if gotForm.Get("code_verifier") != "verifier-1" {
		t.Errorf("code_verifier = %q, want verifier-1", gotForm.Get("code_verifier"))
	}
}

func TestExchangeCodeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"AADSTS70000: provider detail"}`))
	}))
	defer srv.Close()

	c := testOAuthClient(srv.URL)
	_, err := c.ExchangeCode(context.Background(), "bad-code", "verifier")
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if !errors.Is(err, apperrors.ErrTokenExchangeFailed) {
		t.Errorf("error = %v, want ErrTokenExchangeFailed", err)
	}
	if !strings.Contains(err.Error(), "HTTP 400") {
		t.Errorf("error = %v, want HTTP status included", err)
	}
	// Provider response bodies go to the log, never into the error chain.
	if strings.Contains(err.Error(), "AADSTS70000") {
		t.Errorf("error leaks provider body: %v", err)
	}
}

func TestRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "rt-old" {
			t.Errorf("refresh_token = %q, want rt-old", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-new","token_type":"Bearer","expires_in":3600,"refresh_token":"rt-new"}`))
	}))
	defer srv.Close()

	c := testOAuthClient(srv.URL)
	token, err := c.Refresh(context.Background(), "rt-old")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if token.AccessToken != "at-new" {
		t.Errorf("AccessToken = %q, want at-new", token.AccessToken)
	}
	if token.RefreshToken != "rt-new" {
		t.Errorf("RefreshToken = %q, want rt-new", token.RefreshToken)
	}
}

func TestRefreshFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	c := testOAuthClient(srv.URL)
	_, err := c.Refresh(context.Background(), "rt-revoked")
	if !errors.Is(err, apperrors.ErrTokenRefreshFailed) {
		t.Errorf("error = %v, want ErrTokenRefreshFailed", err)
	}
	if !apperrors.RequiresReauth(err) {
		t.Error("refresh failure should require re-authentication")
	}
}

func TestResourceToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if got := r.PostForm.Get("scope"); got != ManagementScope {
			t.Errorf("scope = %q, want %q", got, ManagementScope)
		}
		// Opaque token, so audience validation is skipped.
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"opaque-arm-token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	c := testOAuthClient(srv.URL)
	token, err := c.ResourceToken(context.Background(), "rt", ManagementScope)
	if err != nil {
		t.Fatalf("ResourceToken() error = %v", err)
	}
	if token.AccessToken != "opaque-arm-token" {
		t.Errorf("AccessToken = %q, want opaque-arm-token", token.AccessToken)
	}
}

func TestParseCallbackURL(t *testing.T) {
	code, state, err := ParseCallbackURL("http://localhost:28491/callback?code=abc123&state=xyz789")
	if err != nil {
		t.Fatalf("ParseCallbackURL() error = %v", err)
	}
	if code != "abc123" {
		t.Errorf("code = %q, want abc123", code)
	}
	if state != "xyz789" {
		t.Errorf("state = %q, want xyz789", state)
	}
}

func TestParseCallbackURLError(t *testing.T) {
	_, _, err := ParseCallbackURL("http://localhost:28491/callback?error=access_denied&error_description=User%20cancelled")
	if !errors.Is(err, apperrors.ErrOAuthFailed) {
		t.Fatalf("error = %v, want ErrOAuthFailed", err)
	}
	if !strings.Contains(err.Error(), "User cancelled") {
		t.Errorf("error = %v, want decoded description", err)
	}
}

func TestParseCallbackURLMissingCode(t *testing.T) {
	_, _, err := ParseCallbackURL("http://localhost:28491/callback?state=xyz789")
	if !errors.Is(err, apperrors.ErrInvalidAuthCode) {
		t.Errorf("error = %v, want ErrInvalidAuthCode", err)
	}
}

func TestParseCallbackURLMissingState(t *testing.T) {
	_, _, err := ParseCallbackURL("http://localhost:28491/callback?code=abc123")
	if !errors.Is(err, apperrors.ErrStateMismatch) {
		t.Errorf("error = %v, want ErrStateMismatch", err)
	}
}
