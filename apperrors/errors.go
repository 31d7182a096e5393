package apperrors

// Error taxonomy for the azurepim application. Sentinel kinds are matched
// with errors.Is; constructors attach safe detail text via wrapping.

import (
	"errors"
	"fmt"
)

// Authentication errors.
var (
	ErrOAuthFailed          = errors.New("oauth2 authorization failed")
	ErrInvalidAuthCode      = errors.New("invalid authorization code")
	ErrTokenExchangeFailed  = errors.New("token exchange failed")
	ErrTokenRefreshFailed   = errors.New("token refresh failed")
	ErrPkceGenerationFailed = errors.New("pkce generation failed")
	ErrStateMismatch        = errors.New("state validation failed (possible CSRF)")
	ErrCallbackTimeout      = errors.New("oauth callback timed out")
	ErrUserCancelled        = errors.New("user cancelled authentication")
)

// Keychain errors.
var (
	ErrKeychainStore    = errors.New("failed to store credential")
	ErrKeychainRetrieve = errors.New("failed to retrieve credential")
	ErrKeychainDelete   = errors.New("failed to delete credential")
	ErrKeychainNotFound = errors.New("credential not found in keychain")
)

// API errors (Graph and Azure Management).
var (
	ErrUnauthorized    = errors.New("unauthorized (401): token may be expired")
	ErrForbidden       = errors.New("forbidden (403): insufficient permissions")
	ErrRateLimited     = errors.New("rate limited (429): too many requests")
	ErrInvalidResponse = errors.New("failed to parse API response")
	ErrRequestFailed   = errors.New("API request failed")
)

// PIM errors.
var (
	ErrActivationFailed  = errors.New("role activation failed")
	ErrRoleAlreadyActive = errors.New("role is already active")
)

// Wrap attaches context to a sentinel kind. The detail must never contain
// secrets or raw provider response bodies.
func Wrap(kind error, detail string) error {
	if detail == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, detail)
}

// Wrapf is Wrap with formatting.
func Wrapf(kind error, format string, args ...any) error {
	return Wrap(kind, fmt.Sprintf(format, args...))
}

// UserMessage maps an error to a message safe for display in the menu UI.
// Raw provider details stay in the logs.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOAuthFailed):
		return "Sign-in failed. Please try again."
	case errors.Is(err, ErrTokenRefreshFailed):
		return "Session expired. Please sign in again."
	case errors.Is(err, ErrStateMismatch):
		return "Security error. Please try signing in again."
	case errors.Is(err, ErrCallbackTimeout):
		return "Sign-in timed out. Please try again."
	case errors.Is(err, ErrUserCancelled):
		return "Sign-in was cancelled."
	case errors.Is(err, ErrKeychainStore):
		return "Failed to save credentials securely."
	case errors.Is(err, ErrKeychainNotFound):
		return "No saved session found."
	case errors.Is(err, ErrUnauthorized):
		return "Authentication expired. Sign in again."
	case errors.Is(err, ErrForbidden):
		return "Insufficient permissions for this operation."
	case errors.Is(err, ErrRateLimited):
		return "Too many requests. Please wait a moment."
	case errors.Is(err, ErrRoleAlreadyActive):
		return "This role is already active."
	case errors.Is(err, ErrActivationFailed):
		return "Role activation failed. Please try again."
	default:
		return "An error occurred. Please try again."
	}
}

// RequiresReauth reports whether the error means the stored session is no
// longer usable and the user must sign in again. Callers transition to the
// signed-out state but must not delete stored credentials on this signal
// alone; only an explicit sign-out clears the keychain.
func RequiresReauth(err error) bool {
	return errors.Is(err, ErrTokenRefreshFailed) || errors.Is(err, ErrUnauthorized)
}
