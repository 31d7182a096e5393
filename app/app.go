package app

// Application orchestrator: wires the OAuth client, keychain store, Graph
// and PIM clients, and the token manager into the sign-in state machine.

import (
	"context"
	"sync"
	"time"

	"github.com/atotto/clipboard"
	"github.com/skratchdot/open-golang/open"

	"github.com/malvik/azurepim/apperrors"
	"github.com/malvik/azurepim/auth"
	"github.com/malvik/azurepim/config"
	"github.com/malvik/azurepim/graph"
	"github.com/malvik/azurepim/keychain"
	"github.com/malvik/azurepim/logging"
	"github.com/malvik/azurepim/pim"
)

// State is the sign-in state of the application.
type State int

const (
	StateSignedOut State = iota
	StateAuthenticating
	StateSignedIn
	StateError
)

func (s State) String() string {
	switch s {
	case StateSignedOut:
		return "signed_out"
	case StateAuthenticating:
		return "authenticating"
	case StateSignedIn:
		return "signed_in"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Events carries the UI-facing notifications. Nil callbacks are skipped.
// Callbacks run on the orchestrator's goroutines and must not block.
type Events struct {
	Authenticating func()
	SignedIn       func(info *graph.UserInfo, expiresAt time.Time)
	SignedOut      func()
	TokenRefreshed func(expiresAt time.Time)
	Error          func(message string)
	RolesUpdated   func(eligible []pim.EligibleRole, active []pim.ActiveAssignment)
}

// settleDelay gives a superseded callback listener time to release the
// port before the replacement binds.
const settleDelay = 50 * time.Millisecond

// App coordinates sign-in, session restore, token refresh, and PIM role
// operations.
type App struct {
	cfg     *config.Config
	oauth   *auth.OAuthClient
	store   *keychain.Store
	graph   *graph.Client
	pim     *pim.Client
	manager *auth.TokenManager
	cache   *pim.Cache
	events  Events

	// openBrowser and listen are swappable so tests can run the flow
	// without a browser or a fixed port.
	openBrowser func(url string) error
	listen      func(cancel <-chan struct{}) auth.CallbackResult

	mu           sync.Mutex
	state        State
	userInfo     *graph.UserInfo
	cancelListen chan struct{}
	listenerDone chan struct{}
	pendingPkce  *auth.PkceChallenge
	pendingState string
}

// New wires an App from its collaborators.
func New(cfg *config.Config, oauth *auth.OAuthClient, store *keychain.Store, graphClient *graph.Client, pimClient *pim.Client, events Events) *App {
	return &App{
		cfg:     cfg,
		oauth:   oauth,
		store:   store,
		graph:   graphClient,
		pim:     pimClient,
		manager: auth.NewTokenManager(oauth, store),
		cache:   pim.NewCache(),
		events:  events,
		state:   StateSignedOut,
		openBrowser: func(url string) error {
			return open.Run(url)
		},
		listen: func(cancel <-chan struct{}) auth.CallbackResult {
			return auth.NewCallbackListener().Listen(cancel)
		},
	}
}

// State returns the current sign-in state.
func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// UserInfo returns the signed-in identity, nil when signed out.
func (a *App) UserInfo() *graph.UserInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userInfo
}

func (a *App) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// stopListenerLocked cancels an in-flight callback listener and waits for
// it to release the port. Caller holds a.mu.
func (a *App) stopListenerLocked() {
	if a.cancelListen == nil {
		return
	}
	close(a.cancelListen)
	done := a.listenerDone
	a.cancelListen = nil
	a.listenerDone = nil
	a.pendingPkce = nil
	a.pendingState = ""
	a.mu.Unlock()
	if done != nil {
		<-done
	}
	time.Sleep(settleDelay)
	a.mu.Lock()
}

// StartSignIn begins an interactive sign-in: generates a fresh PKCE pair
// and state token, starts the loopback listener, and opens the browser.
// A sign-in already in flight is superseded.
func (a *App) StartSignIn(ctx context.Context) error {
	logging.Info("Starting sign-in flow")

	a.mu.Lock()
	a.stopListenerLocked()

	pkce, err := auth.NewPkceChallenge()
	if err != nil {
		a.mu.Unlock()
		a.fail(err)
		return err
	}
	authURL, state, err := a.oauth.AuthorizationURL(pkce)
	if err != nil {
		a.mu.Unlock()
		a.fail(err)
		return err
	}

	cancel := make(chan struct{})
	done := make(chan struct{})
	a.cancelListen = cancel
	a.listenerDone = done
	a.pendingPkce = pkce
	a.pendingState = state
	a.state = StateAuthenticating
	listen := a.listen
	openBrowser := a.openBrowser
	a.mu.Unlock()

	a.emitAuthenticating()

	go func() {
		defer close(done)
		result := listen(cancel)
		a.handleCallback(ctx, result)
	}()

	if err := openBrowser(authURL); err != nil {
		logging.Error("Failed to open browser", "error", err.Error())
		a.CancelSignIn()
		err = apperrors.Wrap(apperrors.ErrOAuthFailed, "failed to open browser")
		a.fail(err)
		return err
	}
	return nil
}

// handleCallback finishes the sign-in once the listener returns.
func (a *App) handleCallback(ctx context.Context, result auth.CallbackResult) {
	switch result.Outcome {
	case auth.CallbackCancelled:
		// CancelSignIn or a superseding attempt already set the state.
		logging.Info("Sign-in attempt cancelled")
		return
	case auth.CallbackError:
		logging.Error("Callback listener failed", "error", result.Err.Error())
		a.clearPending()
		a.fail(result.Err)
		return
	}

	a.mu.Lock()
	pkce := a.pendingPkce
	expectedState := a.pendingState
	a.pendingPkce = nil
	a.pendingState = ""
	a.cancelListen = nil
	a.mu.Unlock()

	info, expiresAt, err := a.completeSignIn(ctx, result.URL, pkce, expectedState)
	if err != nil {
		a.fail(err)
		return
	}

	a.mu.Lock()
	a.state = StateSignedIn
	a.userInfo = info
	a.mu.Unlock()

	logging.Info("Sign-in successful", "user", info.DisplayName)
	a.emitSignedIn(info, expiresAt)
}

// completeSignIn validates the callback, exchanges the code, persists the
// session, and fetches the identity.
func (a *App) completeSignIn(ctx context.Context, callbackURL string, pkce *auth.PkceChallenge, expectedState string) (*graph.UserInfo, time.Time, error) {
	code, state, err := auth.ParseCallbackURL(callbackURL)
	if err != nil {
		return nil, time.Time{}, err
	}
	if expectedState == "" || state != expectedState {
		logging.Error("OAuth state mismatch")
		return nil, time.Time{}, apperrors.ErrStateMismatch
	}
	if pkce == nil {
		return nil, time.Time{}, apperrors.Wrap(apperrors.ErrOAuthFailed, "no pending sign-in attempt")
	}

	token, err := a.oauth.ExchangeCode(ctx, code, pkce.Verifier)
	if err != nil {
		return nil, time.Time{}, err
	}

	expiresAt := token.Expiry()
	if err := a.persistTokens(token, expiresAt); err != nil {
		return nil, time.Time{}, err
	}

	profile, err := a.graph.GetUserProfile(ctx, token.AccessToken)
	if err != nil {
		return nil, time.Time{}, err
	}
	org, err := a.graph.GetOrganization(ctx, token.AccessToken)
	if err != nil {
		return nil, time.Time{}, err
	}

	info := graph.NewUserInfo(profile, org)
	if js, err := info.ToJSON(); err == nil {
		if err := a.store.StoreUserInfo(js); err != nil {
			logging.Warn("Failed to store user info", "error", err.Error())
		}
	}

	a.armRefresh(token.ExpiresIn)
	return info, expiresAt, nil
}

func (a *App) persistTokens(token *auth.TokenResponse, expiresAt time.Time) error {
	if err := a.store.StoreAccessToken(token.AccessToken); err != nil {
		return err
	}
	if token.RefreshToken != "" {
		if err := a.store.StoreRefreshToken(token.RefreshToken); err != nil {
			return err
		}
	}
	return a.store.StoreTokenExpiry(expiresAt.Format(time.RFC3339))
}

// armRefresh starts the auto-refresh loop for a token with the given
// lifetime in seconds.
func (a *App) armRefresh(expiresIn int64) {
	margin := time.Duration(a.cfg.Token.RefreshBeforeExpirySeconds) * time.Second
	a.manager.Start(time.Duration(expiresIn)*time.Second, margin, a.onRefreshResult)
}

// onRefreshResult handles scheduled and manual refresh outcomes from the
// token manager.
func (a *App) onRefreshResult(err error) {
	if err == nil {
		if expiry, storeErr := a.store.TokenExpiry(); storeErr == nil {
			if t, parseErr := time.Parse(time.RFC3339, expiry); parseErr == nil {
				a.emitTokenRefreshed(t)
			}
		}
		return
	}

	logging.Error("Token refresh failed", "error", err.Error())
	if apperrors.RequiresReauth(err) {
		// The stored refresh token is dead. Surface the error but keep the
		// credentials; only an explicit sign-out clears the keychain.
		a.manager.Stop()
		a.fail(err)
	}
}

// CancelSignIn aborts an in-flight sign-in attempt.
func (a *App) CancelSignIn() {
	logging.Info("Sign-in cancelled")
	a.mu.Lock()
	a.stopListenerLocked()
	a.state = StateSignedOut
	a.mu.Unlock()
	a.emitSignedOut()
}

// SignOut stops refresh, cancels any pending sign-in, and clears stored
// credentials.
func (a *App) SignOut() {
	logging.Info("Signing out")
	a.manager.Stop()

	a.mu.Lock()
	a.stopListenerLocked()
	a.state = StateSignedOut
	a.userInfo = nil
	a.mu.Unlock()

	if err := a.store.DeleteAll(); err != nil {
		logging.Error("Failed to clear keychain", "error", err.Error())
	}
	a.cache.Invalidate()
	a.emitSignedOut()
}

// RefreshNow triggers an immediate token refresh.
func (a *App) RefreshNow(ctx context.Context) error {
	logging.Info("Manual token refresh requested")
	running := a.manager.IsRunning()
	err := a.manager.RefreshNow(ctx)
	if !running {
		// With the loop running the outcome arrives via onRefreshResult;
		// inline refreshes report it here.
		a.onRefreshResult(err)
	}
	return err
}

// RestoreSession restores a previous session from the keychain at startup.
// The stored refresh token is exchanged for fresh tokens; a stored access
// token alone is never trusted, its expiry may be stale or missing.
func (a *App) RestoreSession(ctx context.Context) error {
	logging.Info("Attempting to restore previous session")

	rt, err := a.store.RefreshToken()
	if err != nil {
		logging.Info("No existing session to restore")
		a.setState(StateSignedOut)
		a.emitSignedOut()
		return err
	}
	defer rt.Zero()

	a.setState(StateAuthenticating)
	a.emitAuthenticating()

	token, err := a.oauth.Refresh(ctx, rt.Value())
	if err != nil {
		logging.Error("Session restore failed", "error", err.Error())
		a.fail(err)
		return err
	}

	expiresAt := token.Expiry()
	if err := a.persistTokens(token, expiresAt); err != nil {
		a.fail(err)
		return err
	}

	info := a.loadOrFetchUserInfo(ctx, token.AccessToken)

	a.mu.Lock()
	a.state = StateSignedIn
	a.userInfo = info
	a.mu.Unlock()

	a.armRefresh(token.ExpiresIn)
	logging.Info("Session restored successfully")
	a.emitSignedIn(info, expiresAt)
	return nil
}

// loadOrFetchUserInfo prefers the cached identity in the keychain and
// falls back to Graph.
func (a *App) loadOrFetchUserInfo(ctx context.Context, accessToken string) *graph.UserInfo {
	if js, err := a.store.UserInfo(); err == nil {
		if info, err := graph.UserInfoFromJSON(js); err == nil {
			return info
		}
	}

	profile, err := a.graph.GetUserProfile(ctx, accessToken)
	if err != nil {
		logging.Warn("Failed to fetch user profile", "error", err.Error())
		return &graph.UserInfo{DisplayName: "Unknown User"}
	}
	org, err := a.graph.GetOrganization(ctx, accessToken)
	if err != nil {
		logging.Warn("Failed to fetch organization", "error", err.Error())
		org = &graph.Organization{}
	}

	info := graph.NewUserInfo(profile, org)
	if js, err := info.ToJSON(); err == nil {
		if err := a.store.StoreUserInfo(js); err != nil {
			logging.Warn("Failed to store user info", "error", err.Error())
		}
	}
	return info
}

// CopyToken places the current access token on the clipboard.
func (a *App) CopyToken() error {
	at, err := a.store.AccessToken()
	if err != nil {
		return err
	}
	defer at.Zero()

	if err := clipboard.WriteAll(at.Value()); err != nil {
		logging.Error("Failed to copy token to clipboard", "error", err.Error())
		return err
	}
	logging.Info("Access token copied to clipboard")
	return nil
}

func (a *App) clearPending() {
	a.mu.Lock()
	a.pendingPkce = nil
	a.pendingState = ""
	a.cancelListen = nil
	a.mu.Unlock()
}

// fail transitions to the error state and notifies the UI with a safe
// message.
func (a *App) fail(err error) {
	a.setState(StateError)
	a.emitError(apperrors.UserMessage(err))
}

func (a *App) emitAuthenticating() {
	if a.events.Authenticating != nil {
		a.events.Authenticating()
	}
}

func (a *App) emitSignedIn(info *graph.UserInfo, expiresAt time.Time) {
	if a.events.SignedIn != nil {
		a.events.SignedIn(info, expiresAt)
	}
}

func (a *App) emitSignedOut() {
	if a.events.SignedOut != nil {
		a.events.SignedOut()
	}
}

func (a *App) emitTokenRefreshed(expiresAt time.Time) {
	if a.events.TokenRefreshed != nil {
		a.events.TokenRefreshed(expiresAt)
	}
}

func (a *App) emitError(message string) {
	if a.events.Error != nil {
		a.events.Error(message)
	}
}

func (a *App) emitRolesUpdated(eligible []pim.EligibleRole, active []pim.ActiveAssignment) {
	if a.events.RolesUpdated != nil {
		a.events.RolesUpdated(eligible, active)
	}
}
