package auth

import (
	"github.com/golang-jwt/jwt/v5"
)

// Identity is the admission classification for one connection.
type Identity struct {
	UserID        string
	Authenticated bool
}

// Classifier turns a connection-scoped token into an Identity. Admission
// must never wait on failure-prone dependencies, so implementations are
// required to classify without any I/O.
type Classifier interface {
	Classify(token string) Identity
}

// ClaimsClassifier extracts the subject from a bearer token. Token issuance,
// signature verification and claim validation belong to the external
// authentication provider, so the token is parsed unverified; this only
// classifies the connection as authenticated or anonymous.
type ClaimsClassifier struct{}

func (ClaimsClassifier) Classify(token string) Identity {
	if token == "" {
		return Identity{}
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil || claims.Subject == "" {
		return Identity{}
	}
	return Identity{UserID: claims.Subject, Authenticated: true}
}
