// Package auth implements optional agent-admission control on the
// relay's tunnel-accept endpoint: a shared-secret JWT carrying the
// agent's claimed identity, checked before any register frame is read.
// Disabled (wide open, matching the baseline's "plaintext" non-goal)
// when no secret is configured.
package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of an agent admission token this relay checks.
type Claims struct {
	AgentID string `json:"agentId"`
	Name    string `json:"name"`
	jwt.RegisteredClaims
}

// Verifier validates agent admission tokens against a shared secret.
// The zero value (empty Secret) accepts every token unchecked — this is
// the "plaintext in the baseline" posture of the ingress; admission
// control is additive, opt-in surface (see SPEC_FULL.md SUPPLEMENTED
// FEATURES #1), not a requirement.
type Verifier struct {
	Secret string
}

// Enabled reports whether admission checks are active.
func (v Verifier) Enabled() bool {
	return v.Secret != ""
}

// Verify parses and validates raw, returning the claims it carries. If
// admission control is disabled, Verify returns an empty Claims and no
// error for any input, including an empty token.
func (v Verifier) Verify(raw string) (Claims, error) {
	if !v.Enabled() {
		return Claims{}, nil
	}
	if raw == "" {
		return Claims{}, fmt.Errorf("auth: missing agent token")
	}

	claims := Claims{}
	token, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(v.Secret), nil
	})
	if err != nil {
		return Claims{}, fmt.Errorf("auth: invalid agent token: %w", err)
	}
	if !token.Valid {
		return Claims{}, fmt.Errorf("auth: agent token not valid")
	}
	return claims, nil
}

// Issue mints a signed admission token for agentID/name, used by test
// harnesses and operator tooling that provision agents out of band.
func (v Verifier) Issue(agentID, name string) (string, error) {
	if !v.Enabled() {
		return "", fmt.Errorf("auth: no secret configured, cannot issue tokens")
	}
	claims := Claims{AgentID: agentID, Name: name}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(v.Secret))
}
