package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dobrevit/zta-core/pkg/device"
	"github.com/dobrevit/zta-core/pkg/identity"
	"github.com/dobrevit/zta-core/pkg/risk"
)

type staticCollector struct {
	subject string
	factors []risk.Factor
}

func (c *staticCollector) Name() string        { return "static" }
func (c *staticCollector) SubjectType() string { return c.subject }
func (c *staticCollector) Collect(ctx context.Context, subjectID string) ([]risk.Factor, error) {
	return c.factors, nil
}

type managerFixture struct {
	manager  *Manager
	devices  *device.Evaluator
	engine   *risk.Engine
	identity *identity.StaticBackend
}

func newFixture(t *testing.T, cfg Config) *managerFixture {
	t.Helper()

	devices := device.NewEvaluator(device.DefaultConfig(), nil, nil, nil, nil)
	engine := risk.NewEngine(risk.DefaultConfig(), nil, nil, nil, nil)
	backend := identity.NewStaticBackend()
	backend.AddUser("alice", "hunter2", "user-alice")
	backend.SetMFAToken("user-alice", "123456")

	manager := NewManager(cfg, devices, engine, backend, nil, nil, nil)
	return &managerFixture{manager: manager, devices: devices, engine: engine, identity: backend}
}

func (f *managerFixture) registerTrustedDevice(t *testing.T, deviceID string) {
	t.Helper()
	_, err := f.devices.Register(context.Background(), device.RegistrationInfo{
		DeviceID:  deviceID,
		OS:        "linux",
		OSVersion: "6.1",
		Compliance: device.Compliance{
			PatchCurrent:     true,
			AntivirusPresent: true,
			DiskEncrypted:    true,
			ManagementAgent:  true,
		},
	}, device.EnrollmentAutomatic)
	if err != nil {
		t.Fatalf("device registration failed: %v", err)
	}
}

func (f *managerFixture) login(t *testing.T, deviceID string) string {
	t.Helper()
	result, err := f.manager.Authenticate(context.Background(), AuthRequest{
		Credentials: Credentials{Username: "alice", Password: "hunter2", MFAToken: "123456"},
		DeviceID:    deviceID,
	})
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if result.SessionID == "" {
		t.Fatalf("expected a session, got reason %q", result.Reason)
	}
	return result.SessionID
}

func TestAuthenticate(t *testing.T) {
	t.Run("FullFlowCreatesActiveSession", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.registerTrustedDevice(t, "laptop-1")

		sessionID := f.login(t, "laptop-1")

		sess, ok := f.manager.Get(sessionID)
		if !ok {
			t.Fatal("session not found after login")
		}
		if sess.Status != StatusActive {
			t.Errorf("expected active, got %s", sess.Status)
		}
		if sess.UserID != "user-alice" {
			t.Errorf("wrong user: %s", sess.UserID)
		}
		if len(sess.Events) != 1 || sess.Events[0].Type != VerificationInitialAuth {
			t.Errorf("expected one initial_auth event, got %+v", sess.Events)
		}
	})

	t.Run("TrustIsComplementOfRisk", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.registerTrustedDevice(t, "laptop-1")

		sessionID := f.login(t, "laptop-1")
		sess, _ := f.manager.Get(sessionID)
		if sess.TrustScore+sess.RiskScore != 100 {
			t.Errorf("trust %d + risk %d != 100", sess.TrustScore, sess.RiskScore)
		}
	})

	t.Run("UntrustedDeviceIsRejected", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.devices.Register(context.Background(), device.RegistrationInfo{
			DeviceID:  "rooted-phone",
			OS:        "android",
			OSVersion: "14",
			Compliance: device.Compliance{
				JailbrokenOrRooted: true,
			},
		}, device.EnrollmentAutomatic)

		result, err := f.manager.Authenticate(context.Background(), AuthRequest{
			Credentials: Credentials{Username: "alice", Password: "hunter2", MFAToken: "123456"},
			DeviceID:    "rooted-phone",
		})
		if err != nil {
			t.Fatalf("authenticate failed: %v", err)
		}
		if result.SessionID != "" {
			t.Fatal("untrusted device must not get a session")
		}
		if !strings.HasPrefix(result.Reason, "device untrusted") {
			t.Errorf("unexpected reason: %q", result.Reason)
		}
	})

	t.Run("UnregisteredDeviceIsRejected", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())

		result, _ := f.manager.Authenticate(context.Background(), AuthRequest{
			Credentials: Credentials{Username: "alice", Password: "hunter2"},
			DeviceID:    "ghost-device",
		})
		if result.SessionID != "" {
			t.Fatal("unknown device must not get a session")
		}
	})

	t.Run("InvalidCredentialsAreRejected", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.registerTrustedDevice(t, "laptop-1")

		result, _ := f.manager.Authenticate(context.Background(), AuthRequest{
			Credentials: Credentials{Username: "alice", Password: "wrong"},
			DeviceID:    "laptop-1",
		})
		if result.SessionID != "" {
			t.Fatal("bad password must not get a session")
		}
		if result.Reason != "not authenticated: invalid credentials" {
			t.Errorf("unexpected reason: %q", result.Reason)
		}
	})

	t.Run("MissingMFATokenYieldsChallenge", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.registerTrustedDevice(t, "laptop-1")

		result, _ := f.manager.Authenticate(context.Background(), AuthRequest{
			Credentials: Credentials{Username: "alice", Password: "hunter2"},
			DeviceID:    "laptop-1",
		})
		if result.SessionID != "" {
			t.Fatal("MFA-required login without token must not get a session")
		}
		if result.Challenge == nil {
			t.Fatal("expected an MFA challenge")
		}
		if result.Challenge.Type != "mfa" || len(result.Challenge.Methods) == 0 {
			t.Errorf("malformed challenge: %+v", result.Challenge)
		}
	})

	t.Run("WrongMFATokenIsRejected", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.registerTrustedDevice(t, "laptop-1")

		result, _ := f.manager.Authenticate(context.Background(), AuthRequest{
			Credentials: Credentials{Username: "alice", Password: "hunter2", MFAToken: "000000"},
			DeviceID:    "laptop-1",
		})
		if result.SessionID != "" {
			t.Fatal("wrong MFA token must not get a session")
		}
		if result.Reason != "not authenticated: MFA verification failed" {
			t.Errorf("unexpected reason: %q", result.Reason)
		}
	})

	t.Run("ExpiredDeadlineFailsClosed", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.registerTrustedDevice(t, "laptop-1")

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		result, _ := f.manager.Authenticate(ctx, AuthRequest{
			Credentials: Credentials{Username: "alice", Password: "hunter2", MFAToken: "123456"},
			DeviceID:    "laptop-1",
		})
		if result.SessionID != "" {
			t.Fatal("expired context must not get a session")
		}
	})

	t.Run("DeviceFactorsReachTheLoginScore", func(t *testing.T) {
		// Even without the device trust gate, a risky device must not
		// yield a zero-risk session
		cfg := DefaultConfig()
		cfg.RequireDeviceTrust = false
		f := newFixture(t, cfg)
		f.engine.Register(risk.NewDeviceComplianceCollector(f.devices))

		f.devices.Register(context.Background(), device.RegistrationInfo{
			DeviceID:  "rooted-phone",
			OS:        "android",
			OSVersion: "14",
			Compliance: device.Compliance{
				JailbrokenOrRooted: true,
			},
		}, device.EnrollmentAutomatic)

		result, err := f.manager.Authenticate(context.Background(), AuthRequest{
			Credentials: Credentials{Username: "alice", Password: "hunter2", MFAToken: "123456"},
			DeviceID:    "rooted-phone",
		})
		if err != nil {
			t.Fatalf("authenticate failed: %v", err)
		}
		if result.Assessment == nil || result.Assessment.Score == 0 {
			t.Fatalf("jailbroken device must raise the login risk, got %+v", result.Assessment)
		}
		if result.SessionID != "" {
			sess, _ := f.manager.Get(result.SessionID)
			if sess.RiskScore == 0 || sess.TrustScore == 100 {
				t.Errorf("session carries no device risk: risk %d trust %d", sess.RiskScore, sess.TrustScore)
			}
		}
	})

	t.Run("ApplicationFactorsReachTheLoginScore", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.registerTrustedDevice(t, "laptop-1")
		f.engine.Register(&staticCollector{
			subject: risk.SubjectApplication,
			factors: []risk.Factor{{Type: "flagged_application", Severity: risk.SeverityMedium, Weight: 1}},
		})

		result, err := f.manager.Authenticate(context.Background(), AuthRequest{
			Credentials:   Credentials{Username: "alice", Password: "hunter2", MFAToken: "123456"},
			DeviceID:      "laptop-1",
			ApplicationID: "shady-app",
		})
		if err != nil {
			t.Fatalf("authenticate failed: %v", err)
		}
		if result.Assessment == nil || result.Assessment.Score == 0 {
			t.Errorf("application factors must reach the login score, got %+v", result.Assessment)
		}
	})
}

func TestValidate(t *testing.T) {
	t.Run("ActiveSessionIsValid", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.registerTrustedDevice(t, "laptop-1")
		sessionID := f.login(t, "laptop-1")

		result, err := f.manager.Validate(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("validate failed: %v", err)
		}
		if !result.Valid {
			t.Errorf("expected valid, got %q", result.Reason)
		}
	})

	t.Run("UnknownSessionIsInvalid", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())

		result, _ := f.manager.Validate(context.Background(), "nope")
		if result.Valid {
			t.Fatal("unknown session must be invalid")
		}
		if result.Reason != "session not found" {
			t.Errorf("unexpected reason: %q", result.Reason)
		}
	})

	t.Run("ExpiredSessionTransitionsOnValidate", func(t *testing.T) {
		cfg := DefaultConfig()
		f := newFixture(t, cfg)
		f.registerTrustedDevice(t, "laptop-1")
		sessionID := f.login(t, "laptop-1")

		f.manager.mu.Lock()
		f.manager.sessions[sessionID].ExpiresAt = time.Now().Add(-time.Minute)
		f.manager.mu.Unlock()

		result, _ := f.manager.Validate(context.Background(), sessionID)
		if result.Valid {
			t.Fatal("past-expiry session must be invalid")
		}
		if result.Reason != "session expired" {
			t.Errorf("unexpected reason: %q", result.Reason)
		}

		sess, _ := f.manager.Get(sessionID)
		if sess.Status != StatusExpired {
			t.Errorf("expected expired status, got %s", sess.Status)
		}
	})

	t.Run("HighRiskFlagsReauthWithoutRevoking", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.registerTrustedDevice(t, "laptop-1")
		sessionID := f.login(t, "laptop-1")

		f.engine.Register(&staticCollector{
			subject: risk.SubjectSession,
			factors: []risk.Factor{{Type: "credential_exposure", Severity: risk.SeverityCritical, Weight: 1}},
		})

		result, err := f.manager.Validate(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("validate failed: %v", err)
		}
		if !result.Valid {
			t.Fatalf("high recomputed risk must not invalidate the session, got %q", result.Reason)
		}
		if !result.RequiresReauth {
			t.Error("expected a re-authentication flag")
		}

		// Flagged, never revoked
		sess, _ := f.manager.Get(sessionID)
		if sess.Status != StatusActive {
			t.Errorf("session should remain active, got %s", sess.Status)
		}
	})

	t.Run("ExpiredDeadlineIsInvalidWithoutRevoking", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.registerTrustedDevice(t, "laptop-1")
		sessionID := f.login(t, "laptop-1")

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		result, _ := f.manager.Validate(ctx, sessionID)
		if result.Valid {
			t.Fatal("cancelled validation must be invalid")
		}

		sess, _ := f.manager.Get(sessionID)
		if sess.Status != StatusActive {
			t.Errorf("session should remain active, got %s", sess.Status)
		}
	})

	t.Run("LastActivityIsMonotonic", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.registerTrustedDevice(t, "laptop-1")
		sessionID := f.login(t, "laptop-1")

		before, _ := f.manager.Get(sessionID)

		// A touch dated before the current lastActivity must not move it
		// backwards
		f.manager.touch(sessionID, before.LastActivity.Add(-time.Hour), nil)

		after, _ := f.manager.Get(sessionID)
		if after.LastActivity.Before(before.LastActivity) {
			t.Error("lastActivity moved backwards")
		}

		f.manager.touch(sessionID, time.Now().Add(time.Second), nil)
		final, _ := f.manager.Get(sessionID)
		if !final.LastActivity.After(after.LastActivity) {
			t.Error("lastActivity did not advance")
		}
	})
}

func TestRevoke(t *testing.T) {
	t.Run("RevokedSessionIsInvalid", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.registerTrustedDevice(t, "laptop-1")
		sessionID := f.login(t, "laptop-1")

		f.manager.Revoke(sessionID, "admin action")

		result, _ := f.manager.Validate(context.Background(), sessionID)
		if result.Valid {
			t.Fatal("revoked session must be invalid")
		}
		if result.Reason != "session revoked" {
			t.Errorf("unexpected reason: %q", result.Reason)
		}
	})

	t.Run("RevokeIsIdempotent", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.registerTrustedDevice(t, "laptop-1")
		sessionID := f.login(t, "laptop-1")

		f.manager.Revoke(sessionID, "first")
		f.manager.Revoke(sessionID, "second")

		sess, _ := f.manager.Get(sessionID)
		if sess.Status != StatusRevoked {
			t.Errorf("expected revoked, got %s", sess.Status)
		}
	})

	t.Run("RevokeUnknownSessionIsNoOp", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.manager.Revoke("ghost", "whatever")
	})

	t.Run("NoTransitionOutOfRevoked", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.registerTrustedDevice(t, "laptop-1")
		sessionID := f.login(t, "laptop-1")

		f.manager.Revoke(sessionID, "done")
		if err := f.manager.Suspend(sessionID, "try"); err == nil {
			t.Error("suspending a revoked session must fail")
		}
	})
}

func TestSuspend(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.registerTrustedDevice(t, "laptop-1")
	sessionID := f.login(t, "laptop-1")

	if err := f.manager.Suspend(sessionID, "investigation"); err != nil {
		t.Fatalf("suspend failed: %v", err)
	}

	result, _ := f.manager.Validate(context.Background(), sessionID)
	if result.Valid {
		t.Fatal("suspended session must be invalid")
	}
	if result.Reason != "session suspended" {
		t.Errorf("unexpected reason: %q", result.Reason)
	}

	if err := f.manager.Suspend("ghost", "x"); err == nil {
		t.Error("suspending an unknown session must fail")
	}
}

func TestGrants(t *testing.T) {
	newGrant := func(id string, ttl time.Duration, maxUses int) *AccessGrant {
		now := time.Now()
		return &AccessGrant{
			ID:        id,
			Resource:  "app/payments",
			IssuedAt:  now,
			ExpiresAt: now.Add(ttl),
			MaxUses:   maxUses,
		}
	}

	t.Run("AttachAndUse", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.registerTrustedDevice(t, "laptop-1")
		sessionID := f.login(t, "laptop-1")

		if err := f.manager.AttachGrant(sessionID, newGrant("g1", time.Hour, 0)); err != nil {
			t.Fatalf("attach failed: %v", err)
		}
		if ok, reason := f.manager.UseGrant(sessionID, "g1"); !ok {
			t.Errorf("use failed: %s", reason)
		}
	})

	t.Run("ExpiredGrantIsUnusable", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.registerTrustedDevice(t, "laptop-1")
		sessionID := f.login(t, "laptop-1")

		f.manager.AttachGrant(sessionID, newGrant("g1", -time.Minute, 0))
		if ok, reason := f.manager.UseGrant(sessionID, "g1"); ok || reason != "grant expired" {
			t.Errorf("expected grant expired, got ok=%v reason=%q", ok, reason)
		}
	})

	t.Run("UsageCapIsEnforced", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.registerTrustedDevice(t, "laptop-1")
		sessionID := f.login(t, "laptop-1")

		f.manager.AttachGrant(sessionID, newGrant("g1", time.Hour, 2))
		for i := 0; i < 2; i++ {
			if ok, reason := f.manager.UseGrant(sessionID, "g1"); !ok {
				t.Fatalf("use %d failed: %s", i+1, reason)
			}
		}
		if ok, reason := f.manager.UseGrant(sessionID, "g1"); ok || reason != "grant usage cap reached" {
			t.Errorf("expected usage cap, got ok=%v reason=%q", ok, reason)
		}
	})

	t.Run("GrantNeverOutlivesSession", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.registerTrustedDevice(t, "laptop-1")
		sessionID := f.login(t, "laptop-1")

		grant := newGrant("g1", 1000*time.Hour, 0)
		f.manager.AttachGrant(sessionID, grant)

		sess, _ := f.manager.Get(sessionID)
		if grant.ExpiresAt.After(sess.ExpiresAt) {
			t.Error("grant expiry exceeds session expiry")
		}
	})

	t.Run("RevokedSessionGrantsAreUnusable", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.registerTrustedDevice(t, "laptop-1")
		sessionID := f.login(t, "laptop-1")

		f.manager.AttachGrant(sessionID, newGrant("g1", time.Hour, 0))
		f.manager.Revoke(sessionID, "done")

		if ok, _ := f.manager.UseGrant(sessionID, "g1"); ok {
			t.Error("grant on a revoked session must be unusable")
		}
	})

	t.Run("GrantsForReturnsCopies", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.registerTrustedDevice(t, "laptop-1")
		sessionID := f.login(t, "laptop-1")

		f.manager.AttachGrant(sessionID, newGrant("g1", time.Hour, 0))
		f.manager.AttachGrant(sessionID, newGrant("g2", time.Hour, 0))

		grants, err := f.manager.GrantsFor(sessionID)
		if err != nil {
			t.Fatalf("grants lookup failed: %v", err)
		}
		if len(grants) != 2 {
			t.Fatalf("expected 2 grants, got %d", len(grants))
		}

		grants[0].UseCount = 99
		again, _ := f.manager.GrantsFor(sessionID)
		if again[0].UseCount == 99 {
			t.Error("mutating a returned grant must not affect the session")
		}

		if _, err := f.manager.GrantsFor("ghost"); err == nil {
			t.Error("unknown session must error")
		}
	})

	t.Run("NoNewGrantsOnInactiveSession", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.registerTrustedDevice(t, "laptop-1")
		sessionID := f.login(t, "laptop-1")

		f.manager.Revoke(sessionID, "done")
		if err := f.manager.AttachGrant(sessionID, newGrant("g1", time.Hour, 0)); err == nil {
			t.Error("attaching to a revoked session must fail")
		}
	})
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.registerTrustedDevice(t, "laptop-1")

	fresh := f.login(t, "laptop-1")
	stale := f.login(t, "laptop-1")

	f.manager.mu.Lock()
	f.manager.sessions[stale].ExpiresAt = time.Now().Add(-time.Minute)
	f.manager.mu.Unlock()

	if expired := f.manager.ExpireStale(); expired != 1 {
		t.Errorf("expected 1 expired session, got %d", expired)
	}

	staleSess, _ := f.manager.Get(stale)
	if staleSess.Status != StatusExpired {
		t.Errorf("stale session not expired: %s", staleSess.Status)
	}
	freshSess, _ := f.manager.Get(fresh)
	if freshSess.Status != StatusActive {
		t.Errorf("fresh session should stay active: %s", freshSess.Status)
	}
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.registerTrustedDevice(t, "laptop-1")
	sessionID := f.login(t, "laptop-1")

	snapshot, ok := f.manager.Snapshot(sessionID)
	if !ok {
		t.Fatal("snapshot not found")
	}
	if snapshot.UserID != "user-alice" || snapshot.VerificationCount != 1 {
		t.Errorf("unexpected snapshot: %+v", snapshot)
	}

	if _, ok := f.manager.Snapshot("ghost"); ok {
		t.Error("unknown session should have no snapshot")
	}
}

func TestApplyReassessment(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.registerTrustedDevice(t, "laptop-1")
	sessionID := f.login(t, "laptop-1")

	assessment := &risk.Assessment{
		SubjectType: risk.SubjectSession,
		SubjectID:   sessionID,
		Score:       60,
		Level:       risk.LevelHigh,
		AssessedAt:  time.Now(),
		ValidUntil:  time.Now().Add(time.Hour),
	}
	f.manager.ApplyReassessment(sessionID, assessment)

	sess, _ := f.manager.Get(sessionID)
	if sess.RiskScore != 60 || sess.TrustScore != 40 {
		t.Errorf("reassessment not applied: risk %d trust %d", sess.RiskScore, sess.TrustScore)
	}
	if len(sess.Events) != 2 {
		t.Errorf("expected 2 verification events, got %d", len(sess.Events))
	}
}
