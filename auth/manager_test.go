package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/malvik/azurepim/apperrors"
	"github.com/malvik/azurepim/keychain"
)

func TestRefreshPeriod(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn time.Duration
		margin    time.Duration
		want      time.Duration
	}{
		{"standard hour token", 3600 * time.Second, 300 * time.Second, 3300 * time.Second},
		{"short-lived token floors at a minute", 120 * time.Second, 300 * time.Second, time.Minute},
		{"margin equals expiry", 300 * time.Second, 300 * time.Second, time.Minute},
		{"no margin", 600 * time.Second, 0, 600 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := refreshPeriod(tt.expiresIn, tt.margin); got != tt.want {
				t.Errorf("refreshPeriod(%v, %v) = %v, want %v", tt.expiresIn, tt.margin, got, tt.want)
			}
		})
	}
}

func refreshTestServer(t *testing.T, wantRefreshToken string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if got := r.PostForm.Get("refresh_token"); got != wantRefreshToken {
			t.Errorf("refresh_token = %q, want %q", got, wantRefreshToken)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-refreshed","token_type":"Bearer","expires_in":3600,"refresh_token":"rt-rotated"}`))
	}))
}

func TestRefreshNowInline(t *testing.T) {
	srv := refreshTestServer(t, "rt-seed")
	defer srv.Close()

	store := keychain.NewStore()
	defer store.DeleteAll()
	if err := store.StoreRefreshToken("rt-seed"); err != nil {
		t.Fatalf("StoreRefreshToken() error = %v", err)
	}

	m := NewTokenManager(testOAuthClient(srv.URL), store)
	if err := m.RefreshNow(context.Background()); err != nil {
		t.Fatalf("RefreshNow() error = %v", err)
	}

	at, err := store.AccessToken()
	if err != nil {
		t.Fatalf("AccessToken() error = %v", err)
	}
	defer at.Zero()
	if at.Value() != "at-refreshed" {
		t.Errorf("stored access token = %q, want at-refreshed", at.Value())
	}

	rt, err := store.RefreshToken()
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	defer rt.Zero()
	if rt.Value() != "rt-rotated" {
		t.Errorf("stored refresh token = %q, want rt-rotated", rt.Value())
	}

	expiry, err := store.TokenExpiry()
	if err != nil {
		t.Fatalf("TokenExpiry() error = %v", err)
	}
	exp, err := time.Parse(time.RFC3339, expiry)
	if err != nil {
		t.Fatalf("stored expiry %q is not RFC 3339: %v", expiry, err)
	}
	if remaining := time.Until(exp); remaining < 59*time.Minute || remaining > 61*time.Minute {
		t.Errorf("expiry %v from now, want about an hour", remaining)
	}
}

func TestRefreshNowMissingRefreshToken(t *testing.T) {
	store := keychain.NewStore()
	store.DeleteAll()

	m := NewTokenManager(testOAuthClient(""), store)
	err := m.RefreshNow(context.Background())
	if !errors.Is(err, apperrors.ErrKeychainNotFound) {
		t.Errorf("error = %v, want ErrKeychainNotFound", err)
	}
}

func TestTokenManagerStartStop(t *testing.T) {
	srv := refreshTestServer(t, "rt-seed")
	defer srv.Close()

	store := keychain.NewStore()
	defer store.DeleteAll()
	if err := store.StoreRefreshToken("rt-seed"); err != nil {
		t.Fatalf("StoreRefreshToken() error = %v", err)
	}

	m := NewTokenManager(testOAuthClient(srv.URL), store)
	if m.IsRunning() {
		t.Fatal("manager should not run before Start")
	}

	results := make(chan error, 4)
	m.Start(2*time.Hour, 5*time.Minute, func(err error) { results <- err })
	if !m.IsRunning() {
		t.Fatal("manager should run after Start")
	}

	// While the loop is running a manual refresh goes through it and the
	// outcome arrives via the callback.
	if err := m.RefreshNow(context.Background()); err != nil {
		t.Fatalf("RefreshNow() error = %v", err)
	}
	select {
	case err := <-results:
		if err != nil {
			t.Errorf("refresh result = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no refresh result from the running loop")
	}

	m.Stop()
	if m.IsRunning() {
		t.Error("manager should not run after Stop")
	}
	// Stop is idempotent.
	m.Stop()
}

func TestTokenManagerRestartReplacesLoop(t *testing.T) {
	srv := refreshTestServer(t, "rt-seed")
	defer srv.Close()

	store := keychain.NewStore()
	defer store.DeleteAll()
	if err := store.StoreRefreshToken("rt-seed"); err != nil {
		t.Fatalf("StoreRefreshToken() error = %v", err)
	}

	m := NewTokenManager(testOAuthClient(srv.URL), store)
	defer m.Stop()

	results := make(chan error, 4)
	m.Start(2*time.Hour, 5*time.Minute, func(err error) { results <- err })
	m.Start(2*time.Hour, 5*time.Minute, func(err error) { results <- err })

	if !m.IsRunning() {
		t.Fatal("manager should run after restart")
	}
	if err := m.RefreshNow(context.Background()); err != nil {
		t.Fatalf("RefreshNow() after restart error = %v", err)
	}
	select {
	case err := <-results:
		if err != nil {
			t.Errorf("refresh result = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("replacement loop did not service the refresh")
	}
}

func TestTimeUntilExpiry(t *testing.T) {
	future := time.Now().Add(30 * time.Minute).Format(time.RFC3339)
	d, ok := TimeUntilExpiry(future)
	if !ok {
		t.Fatal("future expiry should be ok")
	}
	if d < 29*time.Minute || d > 30*time.Minute {
		t.Errorf("remaining = %v, want about 30 minutes", d)
	}

	past := time.Now().Add(-time.Minute).Format(time.RFC3339)
	if _, ok := TimeUntilExpiry(past); ok {
		t.Error("past expiry should not be ok")
	}

	if _, ok := TimeUntilExpiry("not-a-timestamp"); ok {
		t.Error("unparsable expiry should not be ok")
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "< 1 min"},
		{5 * time.Minute, "5 min"},
		{45 * time.Minute, "45 min"},
		{time.Hour, "1 hour"},
		{2 * time.Hour, "2 hours"},
		{90 * time.Minute, "1h 30m"},
		{3*time.Hour + 25*time.Minute, "3h 25m"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
