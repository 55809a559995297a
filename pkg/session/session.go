// Package session owns the zero-trust session state machine:
// authentication, continuous verification, revocation and the access
// grants attached to each session
package session

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/dobrevit/zta-core/pkg/policy"
	"github.com/dobrevit/zta-core/pkg/risk"
)

// Status is the session lifecycle state. All transitions are
// one-directional; there is no path back to active.
type Status string

// Session states
const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusRevoked   Status = "revoked"
	StatusSuspended Status = "suspended"
)

// Verification event types
const (
	VerificationInitialAuth = "initial_auth"
	VerificationContinuous  = "continuous_verification"
	VerificationStepUp      = "step_up"
)

// VerificationEvent records one verification of a session. Events are
// append-only and ordered by wall clock.
type VerificationEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RiskScore int       `json:"risk_score"`
	RiskLevel string    `json:"risk_level"`
	Details   string    `json:"details,omitempty"`
}

// AccessGrant is a time- and usage-bounded authorization for one
// resource, owned by exactly one session. Grants are never deleted;
// they simply expire.
type AccessGrant struct {
	ID          string             `json:"id"`
	Resource    string             `json:"resource"`
	Permissions []string           `json:"permissions"`
	IssuedAt    time.Time          `json:"issued_at"`
	ExpiresAt   time.Time          `json:"expires_at"`
	Conditions  []policy.Condition `json:"conditions,omitempty"`
	UseCount    int                `json:"use_count"`
	MaxUses     int                `json:"max_uses,omitempty"` // 0 means unlimited
}

// Expired reports whether the grant's TTL has passed
func (g *AccessGrant) Expired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}

// Exhausted reports whether the usage cap has been reached
func (g *AccessGrant) Exhausted() bool {
	return g.MaxUses > 0 && g.UseCount >= g.MaxUses
}

// Session is a zero-trust session. The Manager is the sole owner and
// mutator; callers only ever see copies.
type Session struct {
	ID            string              `json:"id"`
	UserID        string              `json:"user_id"`
	DeviceID      string              `json:"device_id"`
	ApplicationID string              `json:"application_id,omitempty"`
	StartedAt     time.Time           `json:"started_at"`
	LastActivity  time.Time           `json:"last_activity"`
	ExpiresAt     time.Time           `json:"expires_at"`
	TrustScore    int                 `json:"trust_score"`
	RiskScore     int                 `json:"risk_score"`
	RiskLevel     risk.Level          `json:"risk_level"`
	Events        []VerificationEvent `json:"events"`
	Grants        []*AccessGrant      `json:"grants,omitempty"`
	Status        Status              `json:"status"`
}

// clone returns a deep copy safe to hand to callers
func (s *Session) clone() *Session {
	copy := *s
	copy.Events = append([]VerificationEvent(nil), s.Events...)
	copy.Grants = make([]*AccessGrant, len(s.Grants))
	for i, grant := range s.Grants {
		g := *grant
		copy.Grants[i] = &g
	}
	return &copy
}

// applyRisk updates the session's risk and complementary trust score.
// The invariant trustScore == 100 - riskScore holds after every
// continuous verification update.
func (s *Session) applyRisk(assessment *risk.Assessment) {
	s.RiskScore = assessment.Score
	s.RiskLevel = assessment.Level
	s.TrustScore = 100 - assessment.Score
}

// Credentials carried on an authentication attempt
type Credentials struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	MFAToken  string `json:"mfa_token,omitempty"`
	MFAMethod string `json:"mfa_method,omitempty"`
}

// AuthRequest is a full authentication attempt
type AuthRequest struct {
	Credentials   Credentials         `json:"credentials"`
	DeviceID      string              `json:"device_id"`
	ApplicationID string              `json:"application_id,omitempty"`
	Context       risk.RequestContext `json:"-"`
}

// Challenge asks the caller to complete MFA before a session is
// created
type Challenge struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // always "mfa"
	Methods   []string  `json:"methods"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthResult is the outcome of an authentication attempt: exactly one
// of SessionID, Challenge or a failure Reason is set, always with the
// risk assessment that informed the decision when one was computed.
type AuthResult struct {
	SessionID  string           `json:"session_id,omitempty"`
	Challenge  *Challenge       `json:"challenge,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Assessment *risk.Assessment `json:"assessment,omitempty"`
}

// ValidationResult is the outcome of a session validation
type ValidationResult struct {
	Valid          bool             `json:"valid"`
	RequiresReauth bool             `json:"requires_reauth,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	Assessment     *risk.Assessment `json:"assessment,omitempty"`
}

func generateID() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}
