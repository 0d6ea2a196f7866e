package session

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Credentials identify the authenticated user for one session. The
// login/refresh flow is not part of this engine; whatever obtains a
// bearer token writes it here and the daemon picks it up.
type Credentials struct {
	UserID      string `toml:"user_id"`
	Email       string `toml:"email"`
	AccessToken string `toml:"access_token"`
}

// LoadCredentials reads and validates the credentials file for a session.
func LoadCredentials(path string) (*Credentials, error) {
	var creds Credentials
	if _, err := toml.DecodeFile(path, &creds); err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if creds.UserID == "" || creds.Email == "" {
		return nil, fmt.Errorf("credentials at %s missing user_id or email", path)
	}
	return &creds, nil
}

// Info is the stable identity handed to the engine: the cache owner id
// and the identity the device key pair is bound to.
type Info struct {
	UserID string
	Email  string
}
