package auth

// Token lifecycle management with automatic refresh.

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/malvik/azurepim/apperrors"
	"github.com/malvik/azurepim/keychain"
	"github.com/malvik/azurepim/logging"
)

// minRefreshPeriod floors the scheduler interval so a token with an expiry
// shorter than the refresh margin still refreshes within a minute instead
// of spinning.
const minRefreshPeriod = time.Minute

type tokenCommand int

const (
	cmdRefreshNow tokenCommand = iota
	cmdStop
)

// TokenManager keeps the stored access token alive by refreshing it before
// expiry. At most one refresh loop runs per manager; Start tears down any
// previous loop before arming a new one, which serializes all writes to the
// credential store.
type TokenManager struct {
	oauth *OAuthClient
	store *keychain.Store

	mu      sync.Mutex
	cmds    chan tokenCommand
	done    chan struct{}
	running bool
}

// NewTokenManager creates a token manager over the given OAuth client and
// credential store.
func NewTokenManager(oauth *OAuthClient, store *keychain.Store) *TokenManager {
	return &TokenManager{oauth: oauth, store: store}
}

// refreshPeriod computes the scheduler interval: refresh margin seconds
// before expiry, floored at minRefreshPeriod.
func refreshPeriod(expiresIn, margin time.Duration) time.Duration {
	period := expiresIn - margin
	if period < minRefreshPeriod {
		return minRefreshPeriod
	}
	return period
}

// Start arms automatic refresh. Any previously running loop is stopped and
// awaited first. onResult is invoked after every refresh attempt, scheduled
// or manual, with the attempt's outcome. The first refresh fires one full
// period after Start; a fresh token was just obtained, so an immediate
// refresh would be spurious.
func (m *TokenManager) Start(expiresIn, margin time.Duration, onResult func(error)) {
	m.Stop()

	period := refreshPeriod(expiresIn, margin)

	m.mu.Lock()
	cmds := make(chan tokenCommand, 8)
	done := make(chan struct{})
	m.cmds = cmds
	m.done = done
	m.running = true
	m.mu.Unlock()

	logging.Info("Token auto-refresh scheduled", "period", period.String())
	go m.run(period, cmds, done, onResult)
}

func (m *TokenManager) run(period time.Duration, cmds <-chan tokenCommand, done chan<- struct{}, onResult func(error)) {
	defer close(done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			logging.Info("Auto-refreshing token")
			onResult(m.refreshOnce(context.Background()))
		case cmd := <-cmds:
			switch cmd {
			case cmdRefreshNow:
				logging.Info("Manual token refresh requested")
				onResult(m.refreshOnce(context.Background()))
			case cmdStop:
				logging.Info("Token auto-refresh stopped")
				return
			}
		}
	}
}

// Stop signals the refresh loop to exit and waits for it to finish. Safe to
// call when no loop is running.
func (m *TokenManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cmds, done := m.cmds, m.done
	m.running = false
	m.cmds = nil
	m.done = nil
	m.mu.Unlock()

	cmds <- cmdStop
	<-done
}

// IsRunning reports whether the refresh loop is active.
func (m *TokenManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// RefreshNow requests an immediate refresh. With an active loop the request
// goes through the loop's command channel and the outcome arrives via the
// Start callback; without one the refresh runs inline and its outcome is
// returned directly. Both paths store tokens through refreshOnce.
func (m *TokenManager) RefreshNow(ctx context.Context) error {
	m.mu.Lock()
	running, cmds := m.running, m.cmds
	m.mu.Unlock()

	if running {
		select {
		case cmds <- cmdRefreshNow:
			return nil
		default:
			return apperrors.Wrap(apperrors.ErrTokenRefreshFailed, "refresh loop is busy")
		}
	}
	return m.refreshOnce(ctx)
}

// refreshOnce performs one refresh: read the refresh token, exchange it,
// persist the new access token, rotated refresh token, and expiry.
func (m *TokenManager) refreshOnce(ctx context.Context) error {
	rt, err := m.store.RefreshToken()
	if err != nil {
		return err
	}
	defer rt.Zero()

	token, err := m.oauth.Refresh(ctx, rt.Value())
	if err != nil {
		return err
	}

	if err := m.store.StoreAccessToken(token.AccessToken); err != nil {
		return err
	}
	if token.RefreshToken != "" {
		if err := m.store.StoreRefreshToken(token.RefreshToken); err != nil {
			return err
		}
	}
	expiry := token.Expiry()
	if err := m.store.StoreTokenExpiry(expiry.Format(time.RFC3339)); err != nil {
		return err
	}

	logging.Info("Token refreshed", "expires", expiry.Format(time.RFC3339))
	return nil
}

// TimeUntilExpiry parses an RFC 3339 expiry string and returns the time
// remaining. ok is false when the expiry is unparsable or in the past.
func TimeUntilExpiry(expiry string) (time.Duration, bool) {
	t, err := time.Parse(time.RFC3339, expiry)
	if err != nil {
		return 0, false
	}
	d := time.Until(t)
	if d <= 0 {
		return 0, false
	}
	return d, true
}

// FormatDuration renders a duration for menu display, e.g. "45 min",
// "1 hour", "1h 30m".
func FormatDuration(d time.Duration) string {
	minutes := int64(d.Minutes())
	switch {
	case minutes < 1:
		return "< 1 min"
	case minutes < 60:
		return fmt.Sprintf("%d min", minutes)
	}
	hours := minutes / 60
	mins := minutes % 60
	if mins == 0 {
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	}
	return fmt.Sprintf("%dh %dm", hours, mins)
}
