package identity

import (
	"context"
	"errors"
	"strings"
)

// Sentinel is the placeholder written into processor metadata when no subject
// was known at payment creation. It never denotes a real subject.
const Sentinel = "unknown"

type Strategy string

const (
	StrategyBody   Strategy = "body"
	StrategyCookie Strategy = "cookie"
	StrategyBearer Strategy = "bearer"
	StrategyEmail  Strategy = "email"
)

var ErrNoCredentialVerifier = errors.New("credential_verifier_unavailable")

// Signals are the partial identity hints available to a request or event.
type Signals struct {
	BodyUserID    *string
	SessionCookie *string
	BearerToken   *string
	Email         *string
}

// Resolution is the tagged result of Resolve. Unresolved is an expected
// outcome, not an error.
type Resolution struct {
	Resolved  bool
	SubjectID string
	Email     *string
	Strategy  Strategy
}

// Subject is what a credential verifier vouches for.
type Subject struct {
	ID    string
	Email string
	Role  string
}

type CredentialVerifier interface {
	VerifySubject(ctx context.Context, token string) (Subject, error)
}

// NormalizeID treats nil, blank and the sentinel as absent.
func NormalizeID(value *string) (string, bool) {
	if value == nil {
		return "", false
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" || strings.EqualFold(trimmed, Sentinel) {
		return "", false
	}
	return trimmed, true
}

// Optional converts a raw string into an optional identifier.
func Optional(value string) *string {
	id, ok := NormalizeID(&value)
	if !ok {
		return nil
	}
	return &id
}

// OptionalEmail trims and lowercases, returning nil when blank.
func OptionalEmail(value string) *string {
	email := strings.ToLower(strings.TrimSpace(value))
	if email == "" || email == Sentinel {
		return nil
	}
	return &email
}

// FirstPresent returns the first value that is not absent.
func FirstPresent(values ...*string) *string {
	for _, value := range values {
		if id, ok := NormalizeID(value); ok {
			return &id
		}
	}
	return nil
}
