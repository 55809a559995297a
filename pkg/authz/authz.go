// Package authz is the resource-facing authorization entry point:
// it validates the session, consults the policy engine and mints
// time- and usage-bounded access grants
package authz

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/zta-core/pkg/audit"
	"github.com/dobrevit/zta-core/pkg/device"
	"github.com/dobrevit/zta-core/pkg/metrics"
	"github.com/dobrevit/zta-core/pkg/policy"
	"github.com/dobrevit/zta-core/pkg/session"
)

// ReasonInactiveSession is returned for any request whose session is
// missing or not active
const ReasonInactiveSession = "Invalid or inactive session"

// Config holds authorizer settings
type Config struct {
	GrantTTL time.Duration `toml:"grantTTL"`
	MaxUses  int           `toml:"maxUses"` // 0 means unlimited
}

// DefaultConfig returns the default authorizer configuration
func DefaultConfig() Config {
	return Config{GrantTTL: time.Hour}
}

// Decision is the outcome of an authorization request
type Decision struct {
	Authorized bool                 `json:"authorized"`
	Grant      *session.AccessGrant `json:"grant,omitempty"`
	Reason     string               `json:"reason"`
	Conditions []policy.Condition   `json:"conditions,omitempty"`
}

// Authorizer grants resource access backed by the session manager and
// the policy engine
type Authorizer struct {
	config   Config
	sessions *session.Manager
	policies *policy.Engine
	devices  *device.Evaluator
	audit    *audit.Dispatcher
	metrics  *metrics.Metrics
	logger   *log.Logger
}

// New creates an authorizer
func New(config Config, sessions *session.Manager, policies *policy.Engine, devices *device.Evaluator, auditor *audit.Dispatcher, m *metrics.Metrics, logger *log.Logger) *Authorizer {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if config.GrantTTL <= 0 {
		config.GrantTTL = time.Hour
	}

	return &Authorizer{
		config:   config,
		sessions: sessions,
		policies: policies,
		devices:  devices,
		audit:    auditor,
		metrics:  m,
		logger:   logger,
	}
}

// Authorize evaluates an access request for a session. The
// authorization layer is default-deny: no candidate rule means no
// access regardless of the network layer's own default.
func (a *Authorizer) Authorize(ctx context.Context, sessionID, resource, action string, evalCtx policy.EvalContext) (*Decision, error) {
	if sessionID == "" || resource == "" {
		return nil, fmt.Errorf("session id and resource are required")
	}
	if err := ctx.Err(); err != nil {
		// Fail closed on deadline expiry, never a stale allow
		return a.deny(sessionID, resource, action, "authorization deadline exceeded"), nil
	}

	sess, exists := a.sessions.Get(sessionID)
	if !exists || sess.Status != session.StatusActive {
		return a.deny(sessionID, resource, action, ReasonInactiveSession), nil
	}

	// Fill session-derived attributes the caller cannot know
	evalCtx.RiskScore = sess.RiskScore
	evalCtx.RiskLevel = string(sess.RiskLevel)
	if record, ok := a.devices.Get(sess.DeviceID); ok {
		evalCtx.DeviceTrustLevel = string(record.TrustLevel)
		evalCtx.DeviceTrustScore = record.TrustScore
	}
	if evalCtx.Timestamp.IsZero() {
		evalCtx.Timestamp = time.Now()
	}

	result := a.policies.Evaluate(policy.Request{
		UserID:   sess.UserID,
		DeviceID: sess.DeviceID,
		Resource: resource,
		Action:   action,
		Context:  evalCtx,
	})

	if !result.Authorized {
		return a.deny(sessionID, resource, action, result.Reason), nil
	}

	grant, err := a.mintGrant(sessionID, resource, result)
	if err != nil {
		// The session may have left the active state between the policy
		// decision and grant attachment; deny rather than hand out an
		// orphan grant
		return a.deny(sessionID, resource, action, ReasonInactiveSession), nil
	}

	a.metrics.IncGrantIssued()
	if a.audit != nil {
		a.audit.Emit(audit.Event{
			Type:     audit.EventAccessGranted,
			Severity: audit.SeverityInfo,
			SubjectIDs: map[string]string{
				"session_id": sessionID,
				"user_id":    sess.UserID,
				"device_id":  sess.DeviceID,
			},
			Details: map[string]interface{}{
				"resource": resource,
				"action":   action,
				"grant_id": grant.ID,
				"rule_id":  result.Rule.ID,
			},
		})
	}

	return &Decision{
		Authorized: true,
		Grant:      grant,
		Reason:     result.Reason,
		Conditions: result.Conditions,
	}, nil
}

func (a *Authorizer) mintGrant(sessionID, resource string, result policy.Decision) (*session.AccessGrant, error) {
	grantID, err := generateGrantID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	grant := &session.AccessGrant{
		ID:          grantID,
		Resource:    resource,
		Permissions: append([]string(nil), result.Rule.Permissions...),
		IssuedAt:    now,
		ExpiresAt:   now.Add(a.config.GrantTTL),
		Conditions:  append([]policy.Condition(nil), result.Rule.Conditions...),
		MaxUses:     a.config.MaxUses,
	}

	if err := a.sessions.AttachGrant(sessionID, grant); err != nil {
		return nil, err
	}
	return grant, nil
}

func (a *Authorizer) deny(sessionID, resource, action, reason string) *Decision {
	a.metrics.IncPolicyViolation()
	if a.audit != nil {
		a.audit.Emit(audit.Event{
			Type:       audit.EventAccessDenied,
			Severity:   audit.SeverityWarning,
			SubjectIDs: map[string]string{"session_id": sessionID},
			Details: map[string]interface{}{
				"resource": resource,
				"action":   action,
				"reason":   reason,
			},
		})
	}
	return &Decision{Authorized: false, Reason: reason}
}

func generateGrantID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "grant-" + base64.URLEncoding.EncodeToString(bytes), nil
}
