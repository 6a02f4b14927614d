package client

import (
	"encoding/base64"
)

// Credential holds basic-auth credentials. OpenProject accepts the literal
// username "apikey" with an API token as password.
type Credential struct {
	Username string
	Password string
}

// NewCredential validates and returns a credential.
func NewCredential(username, password string) (Credential, error) {
	if username == "" {
		return Credential{}, &ConfigError{Field: "username", Reason: "is required"}
	}
	if password == "" {
		return Credential{}, &ConfigError{Field: "password", Reason: "is required"}
	}
	return Credential{Username: username, Password: password}, nil
}

// Token returns base64(username:password).
func (c Credential) Token() string {
	return base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
}

// Header returns the Authorization header value.
func (c Credential) Header() string {
	return "Basic " + c.Token()
}
