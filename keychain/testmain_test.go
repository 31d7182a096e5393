package keychain

import (
	"os"
	"testing"

	keyring "github.com/zalando/go-keyring"
)

// TestMain switches to the in-memory keyring provider and an isolated service
// namespace so tests never touch real user credentials.
func TestMain(m *testing.M) {
	keyring.MockInit()
	_ = os.Setenv("AZUREPIM_KEYCHAIN_NAMESPACE", "tests")
	os.Exit(m.Run())
}
