// Package smtp implements the relay's SMTP listener with STARTTLS,
// authentication, and provider-based delivery.
package smtp

import (
	"crypto/subtle"

	gosmtp "github.com/emersion/go-smtp"
)

// ErrInvalidCredentials is returned to clients whose AUTH exchange fails.
var ErrInvalidCredentials = &gosmtp.SMTPError{
	Code:         535,
	EnhancedCode: gosmtp.EnhancedCode{5, 7, 8},
	Message:      "Authentication credentials invalid",
}

// Authenticator handles SMTP AUTH verification against configured credentials.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If either username or password is empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// Verify checks a decoded username and password. Both comparisons always run
// so the response time does not reveal which one failed.
func (a *Authenticator) Verify(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username))
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password))
	if userOK&passOK != 1 {
		return ErrInvalidCredentials
	}
	return nil
}
