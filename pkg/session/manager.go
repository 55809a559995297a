// Package session - the session manager
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/zta-core/pkg/audit"
	"github.com/dobrevit/zta-core/pkg/device"
	"github.com/dobrevit/zta-core/pkg/identity"
	"github.com/dobrevit/zta-core/pkg/metrics"
	"github.com/dobrevit/zta-core/pkg/risk"
)

// Errors returned by the manager
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrGrantNotFound   = errors.New("grant not found")
)

// Config holds session manager settings
type Config struct {
	TimeoutMinutes     int           `toml:"timeoutMinutes"`
	RequireMFA         bool          `toml:"requireMFA"`
	AllowedMFAMethods  []string      `toml:"allowedMFAMethods"`
	ContinuousAuth     bool          `toml:"continuousAuth"`
	RequireDeviceTrust bool          `toml:"requireDeviceTrust"`
	ChallengeTTL       time.Duration `toml:"challengeTTL"`
}

// DefaultConfig returns the default session configuration
func DefaultConfig() Config {
	return Config{
		TimeoutMinutes:     480,
		RequireMFA:         true,
		AllowedMFAMethods:  []string{"totp", "push", "webauthn"},
		ContinuousAuth:     true,
		RequireDeviceTrust: true,
		ChallengeTTL:       5 * time.Minute,
	}
}

// Manager orchestrates authentication and owns the session registry
type Manager struct {
	config   Config
	sessions map[string]*Session
	devices  *device.Evaluator
	engine   *risk.Engine
	identity identity.Backend
	audit    *audit.Dispatcher
	metrics  *metrics.Metrics
	logger   *log.Logger
	mu       sync.RWMutex
}

// NewManager creates a session manager
func NewManager(config Config, devices *device.Evaluator, engine *risk.Engine, backend identity.Backend, auditor *audit.Dispatcher, m *metrics.Metrics, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if config.TimeoutMinutes <= 0 {
		config.TimeoutMinutes = 480
	}
	if config.ChallengeTTL <= 0 {
		config.ChallengeTTL = 5 * time.Minute
	}

	return &Manager{
		config:   config,
		sessions: make(map[string]*Session),
		devices:  devices,
		engine:   engine,
		identity: backend,
		audit:    auditor,
		metrics:  m,
		logger:   logger,
	}
}

// Authenticate runs the full zero-trust login flow: device trust,
// primary credentials, risk scoring, MFA decision, session creation.
// Any deadline expiry fails closed.
func (m *Manager) Authenticate(ctx context.Context, req AuthRequest) (*AuthResult, error) {
	if req.Credentials.Username == "" || req.DeviceID == "" {
		return nil, fmt.Errorf("username and device id are required")
	}
	if err := ctx.Err(); err != nil {
		return m.authFailure(req, "authentication deadline exceeded", nil), nil
	}

	// (a) Device trust gate
	if m.config.RequireDeviceTrust {
		validation := m.devices.Validate(ctx, req.DeviceID)
		if !validation.Trusted {
			reason := "device untrusted"
			if len(validation.ComplianceIssues) > 0 {
				reason = fmt.Sprintf("device untrusted: %s", validation.ComplianceIssues[0])
			}
			return m.authFailure(req, reason, nil), nil
		}
	}

	// (b) Primary credential check against the identity backend
	result, err := m.identity.Authenticate(ctx, req.Credentials.Username, req.Credentials.Password)
	if err != nil {
		m.logger.WithFields(log.Fields{
			"username": req.Credentials.Username,
			"error":    err,
		}).Error("Identity backend unavailable")
		return m.authFailure(req, "not authenticated: identity backend unavailable", nil), nil
	}
	if !result.Success {
		return m.authFailure(req, "not authenticated: invalid credentials", nil), nil
	}

	// (c) Risk assessment for the (user, device, context) triple. The
	// device and application collectors contribute to the login score
	// even when the device trust gate is disabled.
	riskCtx := risk.WithRequestContext(ctx, req.Context)
	subjects := []risk.Subject{
		{Type: risk.SubjectUser, ID: result.UserID},
		{Type: risk.SubjectDevice, ID: req.DeviceID},
	}
	if req.ApplicationID != "" {
		subjects = append(subjects, risk.Subject{Type: risk.SubjectApplication, ID: req.ApplicationID})
	}
	assessment := m.engine.AssessSubjects(riskCtx, subjects...)

	// (d) MFA decision: policy requirement or elevated risk
	elevated := assessment.Level == risk.LevelHigh || assessment.Level == risk.LevelCritical
	if (m.config.RequireMFA || elevated) && req.Credentials.MFAToken == "" {
		challengeID, err := generateID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate challenge id: %w", err)
		}
		challenge := &Challenge{
			ID:        challengeID,
			Type:      "mfa",
			Methods:   append([]string(nil), m.config.AllowedMFAMethods...),
			ExpiresAt: time.Now().Add(m.config.ChallengeTTL),
		}

		m.metrics.IncMFAChallenge()
		m.emit(audit.EventMFAChallengeIssued, audit.SeverityInfo, map[string]string{
			"user_id":   result.UserID,
			"device_id": req.DeviceID,
		}, map[string]interface{}{
			"challenge_id": challenge.ID,
			"risk_level":   string(assessment.Level),
		})

		return &AuthResult{Challenge: challenge, Assessment: assessment}, nil
	}

	// (e) MFA verification when a token was supplied
	if req.Credentials.MFAToken != "" {
		verified, err := m.identity.VerifyMFA(ctx, result.UserID, req.Credentials.MFAToken)
		if err != nil {
			return m.authFailure(req, "not authenticated: identity backend unavailable", assessment), nil
		}
		if !verified {
			return m.authFailure(req, "not authenticated: MFA verification failed", assessment), nil
		}
	}

	// (f) Create the session
	sessionID, err := generateID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := time.Now()
	session := &Session{
		ID:            sessionID,
		UserID:        result.UserID,
		DeviceID:      req.DeviceID,
		ApplicationID: req.ApplicationID,
		StartedAt:     now,
		LastActivity:  now,
		ExpiresAt:     now.Add(time.Duration(m.config.TimeoutMinutes) * time.Minute),
		Status:        StatusActive,
		Events: []VerificationEvent{{
			Type:      VerificationInitialAuth,
			Timestamp: now,
			RiskScore: assessment.Score,
			RiskLevel: string(assessment.Level),
		}},
	}
	session.applyRisk(assessment)

	m.mu.Lock()
	m.sessions[sessionID] = session
	active := m.countActiveLocked()
	m.mu.Unlock()

	// (g) Success audit
	m.metrics.IncAuthAttempt("success")
	m.metrics.SetActiveSessions(active)
	m.emit(audit.EventAuthSuccess, audit.SeverityInfo, map[string]string{
		"user_id":    result.UserID,
		"device_id":  req.DeviceID,
		"session_id": sessionID,
	}, map[string]interface{}{
		"risk_score":  assessment.Score,
		"risk_level":  string(assessment.Level),
		"trust_score": session.TrustScore,
	})
	m.emit(audit.EventSessionCreated, audit.SeverityInfo, map[string]string{
		"user_id":    result.UserID,
		"session_id": sessionID,
	}, nil)

	return &AuthResult{SessionID: sessionID, Assessment: assessment}, nil
}

// Validate checks a session and, when continuous authentication is
// enabled, re-scores its risk. An expired session is transitioned to
// expired as a side effect. High or critical recomputed risk flags
// the session for re-authentication without revoking it, so low-risk
// operations are not blocked mid-session.
func (m *Manager) Validate(ctx context.Context, sessionID string) (*ValidationResult, error) {
	if err := ctx.Err(); err != nil {
		return &ValidationResult{Valid: false, Reason: "validation deadline exceeded"}, nil
	}

	m.mu.Lock()
	session, exists := m.sessions[sessionID]
	if !exists {
		m.mu.Unlock()
		return &ValidationResult{Valid: false, Reason: "session not found"}, nil
	}

	now := time.Now()
	if session.Status == StatusActive && now.After(session.ExpiresAt) {
		session.Status = StatusExpired
		active := m.countActiveLocked()
		m.mu.Unlock()

		m.metrics.IncSessionEnded("expired")
		m.metrics.SetActiveSessions(active)
		m.emit(audit.EventSessionExpired, audit.SeverityInfo, map[string]string{
			"session_id": sessionID,
			"user_id":    session.UserID,
		}, nil)
		return &ValidationResult{Valid: false, Reason: "session expired"}, nil
	}
	if session.Status != StatusActive {
		status := session.Status
		m.mu.Unlock()
		return &ValidationResult{Valid: false, Reason: fmt.Sprintf("session %s", status)}, nil
	}
	m.mu.Unlock()

	if !m.config.ContinuousAuth {
		m.touch(sessionID, now, nil)
		return &ValidationResult{Valid: true}, nil
	}

	assessment := m.engine.Assess(ctx, risk.SubjectSession, sessionID)

	if assessment.Level == risk.LevelHigh || assessment.Level == risk.LevelCritical {
		// Flag for step-up but deliberately leave the session active
		m.touch(sessionID, now, assessment)
		return &ValidationResult{Valid: true, RequiresReauth: true, Assessment: assessment}, nil
	}

	m.touch(sessionID, now, assessment)
	return &ValidationResult{Valid: true, Assessment: assessment}, nil
}

// touch updates lastActivity (monotonically) and applies a new risk
// assessment in place, appending the verification event
func (m *Manager) touch(sessionID string, at time.Time, assessment *risk.Assessment) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists || session.Status != StatusActive {
		return
	}

	// Monotonic: late-arriving validations never move activity back
	if at.After(session.LastActivity) {
		session.LastActivity = at
	}

	if assessment != nil {
		session.applyRisk(assessment)
		session.Events = append(session.Events, VerificationEvent{
			Type:      VerificationContinuous,
			Timestamp: at,
			RiskScore: assessment.Score,
			RiskLevel: string(assessment.Level),
		})
	}
}

// Revoke transitions a session to revoked. Idempotent: revoking an
// already-revoked session is a no-op and emits no further events.
func (m *Manager) Revoke(sessionID, reason string) {
	m.mu.Lock()
	session, exists := m.sessions[sessionID]
	if !exists || session.Status == StatusRevoked {
		m.mu.Unlock()
		return
	}
	wasActive := session.Status == StatusActive
	session.Status = StatusRevoked
	active := m.countActiveLocked()
	m.mu.Unlock()

	if wasActive {
		m.metrics.IncSessionEnded("revoked")
		m.metrics.SetActiveSessions(active)
	}
	m.emit(audit.EventSessionRevoked, audit.SeverityInfo, map[string]string{
		"session_id": sessionID,
		"user_id":    session.UserID,
	}, map[string]interface{}{"reason": reason})
}

// Suspend administratively freezes a session. There is no automatic
// transition out of suspended.
func (m *Manager) Suspend(sessionID, reason string) error {
	m.mu.Lock()
	session, exists := m.sessions[sessionID]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if session.Status != StatusActive {
		m.mu.Unlock()
		return fmt.Errorf("cannot suspend session in status %s", session.Status)
	}
	session.Status = StatusSuspended
	active := m.countActiveLocked()
	m.mu.Unlock()

	m.metrics.IncSessionEnded("suspended")
	m.metrics.SetActiveSessions(active)
	m.emit(audit.EventSessionSuspended, audit.SeverityWarning, map[string]string{
		"session_id": sessionID,
		"user_id":    session.UserID,
	}, map[string]interface{}{"reason": reason})
	return nil
}

// Get returns a copy of a session
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return nil, false
	}
	return session.clone(), true
}

// ActiveSessions returns copies of all currently active sessions
func (m *Manager) ActiveSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := make([]*Session, 0)
	for _, session := range m.sessions {
		if session.Status == StatusActive {
			active = append(active, session.clone())
		}
	}
	return active
}

// ExpireStale transitions all past-expiry active sessions to expired
// and returns how many were expired. Called by the maintenance sweep.
func (m *Manager) ExpireStale() int {
	now := time.Now()
	expired := make([]*Session, 0)

	m.mu.Lock()
	for _, session := range m.sessions {
		if session.Status == StatusActive && now.After(session.ExpiresAt) {
			session.Status = StatusExpired
			expired = append(expired, session)
		}
	}
	active := m.countActiveLocked()
	m.mu.Unlock()

	for _, session := range expired {
		m.metrics.IncSessionEnded("expired")
		m.emit(audit.EventSessionExpired, audit.SeverityInfo, map[string]string{
			"session_id": session.ID,
			"user_id":    session.UserID,
		}, nil)
	}
	m.metrics.SetActiveSessions(active)
	return len(expired)
}

// ApplyReassessment applies a background risk reassessment to an
// active session, appending a continuous-verification event
func (m *Manager) ApplyReassessment(sessionID string, assessment *risk.Assessment) {
	m.touch(sessionID, time.Now(), assessment)
}

// AttachGrant attaches a minted grant to an active session. Grants
// never outlive their session: the grant expiry is capped at the
// session's absolute expiry.
func (m *Manager) AttachGrant(sessionID string, grant *AccessGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if session.Status != StatusActive {
		return fmt.Errorf("session %s is %s, no new grants", sessionID, session.Status)
	}

	if grant.ExpiresAt.After(session.ExpiresAt) {
		grant.ExpiresAt = session.ExpiresAt
	}
	session.Grants = append(session.Grants, grant)
	return nil
}

// GrantsFor returns copies of all grants attached to a session
func (m *Manager) GrantsFor(sessionID string) ([]*AccessGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	grants := make([]*AccessGrant, len(session.Grants))
	for i, grant := range session.Grants {
		g := *grant
		grants[i] = &g
	}
	return grants, nil
}

// UseGrant consumes one use of a grant. Returns false with a reason
// when the grant is missing, expired, exhausted, or its session is no
// longer active.
func (m *Manager) UseGrant(sessionID, grantID string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return false, "session not found"
	}
	if session.Status != StatusActive {
		return false, fmt.Sprintf("session %s", session.Status)
	}

	for _, grant := range session.Grants {
		if grant.ID != grantID {
			continue
		}
		if grant.Expired(time.Now()) {
			return false, "grant expired"
		}
		if grant.Exhausted() {
			return false, "grant usage cap reached"
		}
		grant.UseCount++
		return true, ""
	}
	return false, "grant not found"
}

// Snapshot implements risk.SessionStats for the anomaly collector
func (m *Manager) Snapshot(sessionID string) (risk.SessionSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return risk.SessionSnapshot{}, false
	}
	return risk.SessionSnapshot{
		UserID:            session.UserID,
		DeviceID:          session.DeviceID,
		StartedAt:         session.StartedAt,
		LastActivity:      session.LastActivity,
		RiskScore:         session.RiskScore,
		VerificationCount: len(session.Events),
		GrantCount:        len(session.Grants),
	}, true
}

func (m *Manager) countActiveLocked() int {
	count := 0
	for _, session := range m.sessions {
		if session.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) authFailure(req AuthRequest, reason string, assessment *risk.Assessment) *AuthResult {
	m.metrics.IncAuthAttempt("failure")
	m.emit(audit.EventAuthFailure, audit.SeverityWarning, map[string]string{
		"username":  req.Credentials.Username,
		"device_id": req.DeviceID,
	}, map[string]interface{}{"reason": reason})
	return &AuthResult{Reason: reason, Assessment: assessment}
}

func (m *Manager) emit(eventType audit.EventType, severity audit.Severity, subjects map[string]string, details map[string]interface{}) {
	if m.audit == nil {
		return
	}
	m.audit.Emit(audit.Event{
		Type:       eventType,
		Severity:   severity,
		SubjectIDs: subjects,
		Details:    details,
	})
}
