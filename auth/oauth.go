package auth

// OAuth2 authorization-code flow with PKCE against Azure AD v2.0 endpoints.

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/malvik/azurepim/apperrors"
	"github.com/malvik/azurepim/config"
	"github.com/malvik/azurepim/logging"
)

const (
	httpTimeout        = 30 * time.Second
	httpConnectTimeout = 10 * time.Second
)

// ManagementScope requests an access token for the Azure Management API.
// Azure AD issues audience-bound tokens, so Management API calls need a
// separate acquisition from the default (Graph) scope set.
const ManagementScope = "https://management.azure.com/.default offline_access"

// TokenResponse is the token endpoint response from Azure AD. Access and
// refresh tokens are secrets and must never be logged.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
}

// Expiry returns the absolute expiry time of the access token, computed
// from ExpiresIn at call time.
func (t *TokenResponse) Expiry() time.Time {
	return time.Now().Add(time.Duration(t.ExpiresIn) * time.Second)
}

// OAuth2Token converts the response to an x/oauth2 token for callers that
// bridge into SDK credential types.
func (t *TokenResponse) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.Expiry(),
	}
}

// OAuthClient performs the PKCE authorization flow and token grants for a
// single Azure AD tenant. It never retries and never follows redirects;
// callers own retry policy.
type OAuthClient struct {
	clientID    string
	redirectURI string
	scopes      []string
	endpoint    oauth2.Endpoint
	httpClient  *http.Client
}

// NewOAuthClient creates an OAuth client from configuration.
func NewOAuthClient(cfg config.OAuthConfig) *OAuthClient {
	endpoint := microsoft.AzureADEndpoint(cfg.Tenant)
	if cfg.Authority != "" {
		endpoint = oauth2.Endpoint{
			AuthURL:  cfg.AuthorizeURL(),
			TokenURL: cfg.TokenURL(),
		}
	}
	return &OAuthClient{
		clientID:    cfg.ClientID,
		redirectURI: cfg.RedirectURI,
		scopes:      cfg.Scopes,
		endpoint:    endpoint,
		httpClient: &http.Client{
			Timeout: httpTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: httpConnectTimeout}).DialContext,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Token endpoints must not silently redirect.
				return http.ErrUseLastResponse
			},
		},
	}
}

// AuthorizationURL builds the browser sign-in URL for the given PKCE pair.
// The returned state is a fresh CSRF token that the caller must bind to the
// in-flight attempt and verify against the callback.
func (c *OAuthClient) AuthorizationURL(pkce *PkceChallenge) (string, string, error) {
	state, err := newState()
	if err != nil {
		return "", "", err
	}

	q := url.Values{}
	q.Set("client_id", c.clientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", c.redirectURI)
	q.Set("response_mode", "query")
	q.Set("scope", strings.Join(c.scopes, " "))
	q.Set("state", state)
	q.Set("code_challenge", pkce.Challenge)
	q.Set("code_challenge_method", "S256")

	return c.endpoint.AuthURL + "?" + q.Encode(), state, nil
}

// ExchangeCode exchanges an authorization code for tokens.
func (c *OAuthClient) ExchangeCode(ctx context.Context, code, pkceVerifier string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.redirectURI)
	form.Set("code_verifier", pkceVerifier)
	form.Set("scope", strings.Join(c.scopes, " "))

	return c.postTokenForm(ctx, form, apperrors.ErrTokenExchangeFailed)
}

// Refresh exchanges a refresh token for a new token pair using the default
// scope set.
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("scope", strings.Join(c.scopes, " "))

	return c.postTokenForm(ctx, form, apperrors.ErrTokenRefreshFailed)
}

// ResourceToken exchanges a refresh token for an access token bound to an
// alternate resource scope, e.g. ManagementScope. The same refresh token can
// mint access tokens for multiple audiences, one acquisition per audience.
func (c *OAuthClient) ResourceToken(ctx context.Context, refreshToken, scope string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("scope", scope)

	logging.Debug("Requesting resource-scoped token", "scope", scope)
	resp, err := c.postTokenForm(ctx, form, apperrors.ErrTokenRefreshFailed)
	if err != nil {
		return nil, err
	}
	if err := validateManagementAudience(resp, scope); err != nil {
		return nil, err
	}
	return resp, nil
}

// postTokenForm posts a form to the token endpoint and decodes the response.
// Failures carry only the HTTP status in the returned error; the response
// body goes to the error log for operator diagnosis.
func (c *OAuthClient) postTokenForm(ctx context.Context, form url.Values, kind error) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, apperrors.Wrap(kind, err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(kind, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, apperrors.Wrap(kind, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		logging.Error("Token request failed",
			"grant", form.Get("grant_type"),
			"status", fmt.Sprintf("%d", resp.StatusCode),
			"body", string(body))
		return nil, apperrors.Wrapf(kind, "HTTP %d", resp.StatusCode)
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, apperrors.Wrap(kind, "malformed token response")
	}
	logTokenDiagnostics(&token)
	return &token, nil
}

// ParseCallbackURL extracts the authorization code and state from an OAuth
// callback URL. Error callbacks surface as ErrOAuthFailed with the decoded
// error_description so upstream can transition to an error state.
func ParseCallbackURL(raw string) (code, state string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", apperrors.ErrInvalidAuthCode
	}
	q := u.Query()

	if e := q.Get("error"); e != "" {
		desc := q.Get("error_description")
		if desc == "" {
			desc = e
		}
		return "", "", apperrors.Wrap(apperrors.ErrOAuthFailed, desc)
	}

	code = q.Get("code")
	if code == "" {
		return "", "", apperrors.ErrInvalidAuthCode
	}
	state = q.Get("state")
	if state == "" {
		return "", "", apperrors.ErrStateMismatch
	}
	return code, state, nil
}

// decodeClaims decodes a JWT payload without signature validation, for
// diagnostics only. Returns empty claims when the token is not a JWT.
func decodeClaims(token string) jwt.MapClaims {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return jwt.MapClaims{}
	}
	return claims
}

// logTokenDiagnostics logs non-secret claims that help debug audience and
// scope issues.
func logTokenDiagnostics(t *TokenResponse) {
	if t.AccessToken == "" {
		return
	}
	claims := decodeClaims(t.AccessToken)
	if len(claims) == 0 {
		return
	}
	logging.Debug("Acquired access token",
		"aud", fmt.Sprint(claims["aud"]),
		"scp", fmt.Sprint(claims["scp"]),
		"tid", fmt.Sprint(claims["tid"]),
		"expires", t.Expiry().Format(time.RFC3339))
}

// validateManagementAudience catches wrong-audience tokens early when a
// Management API scope was requested.
func validateManagementAudience(t *TokenResponse, scope string) error {
	if !strings.Contains(scope, "management.azure.com") || t.AccessToken == "" {
		return nil
	}
	claims := decodeClaims(t.AccessToken)
	if len(claims) == 0 {
		return nil
	}
	aud := fmt.Sprint(claims["aud"])
	if !strings.HasPrefix(aud, "https://management.azure.com") && !strings.HasPrefix(aud, "https://management.core.windows.net") {
		logging.Error("Unexpected audience for management scope", "aud", aud)
		return apperrors.Wrap(apperrors.ErrTokenRefreshFailed, "token audience mismatch for Azure Resource Manager")
	}
	return nil
}
