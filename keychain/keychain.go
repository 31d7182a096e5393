package keychain

// Secure credential storage backed by the OS keychain.
//
// Each credential is an independent keyring entry under one service
// identifier, so sign-out can delete entries individually and idempotently.

import (
	"errors"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/malvik/azurepim/apperrors"
)

// baseService is the keychain service identifier (may be namespaced via env
// for tests/dev so runs never touch real user credentials).
const baseService = "de.malvik.azurepim.desktop"

// Account names for the stored credential records.
const (
	accountAccessToken  = "azure_access_token"  // #nosec G101 -- key name, not a credential
	accountRefreshToken = "azure_refresh_token" // #nosec G101
	accountUserInfo     = "azure_user_info"
	accountTokenExpiry  = "azure_token_expiry" // #nosec G101
)

// serviceName resolves the effective keychain service name.
// Precedence: AZUREPIM_KEYCHAIN_SERVICE (full override), then
// AZUREPIM_KEYCHAIN_NAMESPACE (suffix), then the base service.
func serviceName() string {
	if v := strings.TrimSpace(os.Getenv("AZUREPIM_KEYCHAIN_SERVICE")); v != "" {
		return v
	}
	if ns := strings.TrimSpace(os.Getenv("AZUREPIM_KEYCHAIN_NAMESPACE")); ns != "" {
		return baseService + "-" + ns
	}
	return baseService
}

// Store provides access to the four credential records.
type Store struct{}

// NewStore creates a keychain-backed credential store.
func NewStore() *Store {
	return &Store{}
}

func set(account, value string) error {
	if err := keyring.Set(serviceName(), account, value); err != nil {
		return apperrors.Wrap(apperrors.ErrKeychainStore, err.Error())
	}
	return nil
}

func get(account string) (string, error) {
	v, err := keyring.Get(serviceName(), account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", apperrors.ErrKeychainNotFound
		}
		return "", apperrors.Wrap(apperrors.ErrKeychainRetrieve, err.Error())
	}
	return v, nil
}

// StoreAccessToken persists the access token.
func (s *Store) StoreAccessToken(token string) error {
	return set(accountAccessToken, token)
}

// AccessToken retrieves the access token. The returned Secret should be
// zeroed by the caller when no longer needed.
func (s *Store) AccessToken() (*Secret, error) {
	v, err := get(accountAccessToken)
	if err != nil {
		return nil, err
	}
	return NewSecret(v), nil
}

// StoreRefreshToken persists the refresh token.
func (s *Store) StoreRefreshToken(token string) error {
	return set(accountRefreshToken, token)
}

// RefreshToken retrieves the refresh token. The returned Secret should be
// zeroed by the caller when no longer needed.
func (s *Store) RefreshToken() (*Secret, error) {
	v, err := get(accountRefreshToken)
	if err != nil {
		return nil, err
	}
	return NewSecret(v), nil
}

// StoreTokenExpiry persists the access token expiry as an RFC 3339 string.
func (s *Store) StoreTokenExpiry(expiry string) error {
	return set(accountTokenExpiry, expiry)
}

// TokenExpiry retrieves the access token expiry (RFC 3339 string).
func (s *Store) TokenExpiry() (string, error) {
	return get(accountTokenExpiry)
}

// StoreUserInfo persists the user info JSON blob.
func (s *Store) StoreUserInfo(json string) error {
	return set(accountUserInfo, json)
}

// UserInfo retrieves the user info JSON blob.
func (s *Store) UserInfo() (string, error) {
	return get(accountUserInfo)
}

// HasTokens reports whether any token is present in the keychain.
func (s *Store) HasTokens() bool {
	if tok, err := s.AccessToken(); err == nil {
		tok.Zero()
		return true
	}
	if tok, err := s.RefreshToken(); err == nil {
		tok.Zero()
		return true
	}
	return false
}

// DeleteAll removes every credential record. Entries that are already absent
// count as deleted; the first real deletion failure is returned after all
// entries have been attempted.
func (s *Store) DeleteAll() error {
	accounts := []string{accountAccessToken, accountRefreshToken, accountUserInfo, accountTokenExpiry}
	var firstErr error
	for _, account := range accounts {
		if err := keyring.Delete(serviceName(), account); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			if firstErr == nil {
				firstErr = apperrors.Wrap(apperrors.ErrKeychainDelete, err.Error())
			}
		}
	}
	return firstErr
}
