// Package risk - built-in factor collectors
package risk

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"

	"github.com/dobrevit/zta-core/pkg/device"
)

// UserBehaviorCollector scores user-level signals: off-hours access,
// proxy indicators and, when a GeoIP database is configured, access
// from countries outside the allowed set.
type UserBehaviorCollector struct {
	geoip            *geoip2.Reader
	allowedCountries map[string]bool
	knownIPs         map[string]map[string]bool // userID -> seen IPs
	mu               sync.Mutex
}

// NewUserBehaviorCollector creates the user behavior collector. The
// GeoIP reader may be nil, in which case location factors are skipped.
func NewUserBehaviorCollector(geoipReader *geoip2.Reader, allowedCountries []string) *UserBehaviorCollector {
	allowed := make(map[string]bool, len(allowedCountries))
	for _, c := range allowedCountries {
		allowed[strings.ToUpper(c)] = true
	}
	return &UserBehaviorCollector{
		geoip:            geoipReader,
		allowedCountries: allowed,
		knownIPs:         make(map[string]map[string]bool),
	}
}

// Name implements FactorCollector
func (c *UserBehaviorCollector) Name() string { return "user_behavior" }

// SubjectType implements FactorCollector
func (c *UserBehaviorCollector) SubjectType() string { return SubjectUser }

// Collect implements FactorCollector
func (c *UserBehaviorCollector) Collect(ctx context.Context, subjectID string) ([]Factor, error) {
	rc, ok := RequestContextFrom(ctx)
	if !ok {
		return nil, nil
	}

	factors := make([]Factor, 0)

	ts := rc.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	hour := ts.Hour()
	if hour < 6 || hour > 22 {
		factors = append(factors, Factor{
			Type:     "off_hours_access",
			Category: "user_behavior",
			Severity: SeverityMedium,
			Weight:   1,
			Evidence: fmt.Sprintf("access at hour %d", hour),
		})
	}

	if rc.IPAddress != "" {
		if newIP := c.recordIP(subjectID, rc.IPAddress); newIP {
			factors = append(factors, Factor{
				Type:     "new_source_address",
				Category: "user_behavior",
				Severity: SeverityLow,
				Weight:   1,
				Evidence: fmt.Sprintf("first access from %s", rc.IPAddress),
			})
		}

		if c.geoip != nil {
			if factor, ok := c.locationFactor(rc.IPAddress); ok {
				factors = append(factors, factor)
			}
		}
	}

	return factors, nil
}

func (c *UserBehaviorCollector) recordIP(userID, ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen, exists := c.knownIPs[userID]
	if !exists {
		seen = make(map[string]bool)
		c.knownIPs[userID] = seen
	}
	if seen[ip] {
		return false
	}
	seen[ip] = true
	// A user's very first IP is a baseline, not an anomaly
	return len(seen) > 1
}

func (c *UserBehaviorCollector) locationFactor(ip string) (Factor, bool) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Factor{}, false
	}

	record, err := c.geoip.Country(parsed)
	if err != nil || record.Country.IsoCode == "" {
		return Factor{}, false
	}

	if len(c.allowedCountries) > 0 && !c.allowedCountries[record.Country.IsoCode] {
		return Factor{
			Type:     "unusual_location",
			Category: "user_behavior",
			Severity: SeverityHigh,
			Weight:   2,
			Evidence: fmt.Sprintf("access from %s", record.Country.IsoCode),
		}, true
	}
	return Factor{}, false
}

// DeviceComplianceCollector derives risk factors from the device
// registry's compliance state
type DeviceComplianceCollector struct {
	devices *device.Evaluator
}

// NewDeviceComplianceCollector creates the device compliance collector
func NewDeviceComplianceCollector(devices *device.Evaluator) *DeviceComplianceCollector {
	return &DeviceComplianceCollector{devices: devices}
}

// Name implements FactorCollector
func (c *DeviceComplianceCollector) Name() string { return "device_compliance" }

// SubjectType implements FactorCollector
func (c *DeviceComplianceCollector) SubjectType() string { return SubjectDevice }

// Collect implements FactorCollector
func (c *DeviceComplianceCollector) Collect(ctx context.Context, subjectID string) ([]Factor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	record, exists := c.devices.Get(subjectID)
	if !exists {
		return []Factor{{
			Type:     "unknown_device",
			Category: "device_compliance",
			Severity: SeverityHigh,
			Weight:   2,
			Evidence: "device not registered",
		}}, nil
	}

	factors := make([]Factor, 0)
	for _, issue := range record.ComplianceIssues {
		severity := SeverityMedium
		if strings.Contains(issue, "jailbroken") || strings.Contains(issue, "rooted") {
			severity = SeverityCritical
		}
		factors = append(factors, Factor{
			Type:     "compliance_issue",
			Category: "device_compliance",
			Severity: severity,
			Weight:   1.5,
			Evidence: issue,
		})
	}

	if record.TrustLevel == device.TrustUntrusted {
		factors = append(factors, Factor{
			Type:     "untrusted_device",
			Category: "device_compliance",
			Severity: SeverityCritical,
			Weight:   2,
			Evidence: "device trust level is untrusted",
		})
	}

	return factors, nil
}

// ApplicationReputationCollector scores applications against a
// configured reputation table
type ApplicationReputationCollector struct {
	reputations map[string]Severity
	mu          sync.RWMutex
}

// NewApplicationReputationCollector creates the application collector
func NewApplicationReputationCollector() *ApplicationReputationCollector {
	return &ApplicationReputationCollector{
		reputations: make(map[string]Severity),
	}
}

// SetReputation records a known-bad or known-risky application
func (c *ApplicationReputationCollector) SetReputation(appID string, severity Severity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reputations[appID] = severity
}

// Name implements FactorCollector
func (c *ApplicationReputationCollector) Name() string { return "application_reputation" }

// SubjectType implements FactorCollector
func (c *ApplicationReputationCollector) SubjectType() string { return SubjectApplication }

// Collect implements FactorCollector
func (c *ApplicationReputationCollector) Collect(ctx context.Context, subjectID string) ([]Factor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	severity, flagged := c.reputations[subjectID]
	c.mu.RUnlock()

	if !flagged {
		return nil, nil
	}
	return []Factor{{
		Type:     "application_reputation",
		Category: "application",
		Severity: severity,
		Weight:   1.5,
		Evidence: "application flagged by reputation table",
	}}, nil
}

// SessionSnapshot is the view of a live session the anomaly collector
// needs. The session manager implements SessionStats.
type SessionSnapshot struct {
	UserID            string
	DeviceID          string
	StartedAt         time.Time
	LastActivity      time.Time
	RiskScore         int
	VerificationCount int
	GrantCount        int
}

// SessionStats exposes live session data to the anomaly collector
// without coupling this package to the session manager
type SessionStats interface {
	Snapshot(sessionID string) (SessionSnapshot, bool)
}

// SessionAnomalyCollector flags sessions with anomalous activity
// patterns: bursts of grants, long-idle sessions and already-elevated
// risk carried from earlier verifications.
type SessionAnomalyCollector struct {
	sessions SessionStats
}

// NewSessionAnomalyCollector creates the session anomaly collector
func NewSessionAnomalyCollector(sessions SessionStats) *SessionAnomalyCollector {
	return &SessionAnomalyCollector{sessions: sessions}
}

// Name implements FactorCollector
func (c *SessionAnomalyCollector) Name() string { return "session_anomaly" }

// SubjectType implements FactorCollector
func (c *SessionAnomalyCollector) SubjectType() string { return SubjectSession }

// Collect implements FactorCollector
func (c *SessionAnomalyCollector) Collect(ctx context.Context, subjectID string) ([]Factor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snapshot, exists := c.sessions.Snapshot(subjectID)
	if !exists {
		return []Factor{{
			Type:     "unknown_session",
			Category: "session_anomaly",
			Severity: SeverityHigh,
			Weight:   2,
			Evidence: "session not found",
		}}, nil
	}

	factors := make([]Factor, 0)

	age := time.Since(snapshot.StartedAt)
	if age < time.Minute && snapshot.GrantCount > 10 {
		factors = append(factors, Factor{
			Type:     "grant_burst",
			Category: "session_anomaly",
			Severity: SeverityHigh,
			Weight:   2,
			Evidence: fmt.Sprintf("%d grants within the first minute", snapshot.GrantCount),
		})
	}

	if idle := time.Since(snapshot.LastActivity); idle > 30*time.Minute {
		factors = append(factors, Factor{
			Type:     "idle_session",
			Category: "session_anomaly",
			Severity: SeverityLow,
			Weight:   1,
			Evidence: fmt.Sprintf("idle for %s", idle.Round(time.Minute)),
		})
	}

	if snapshot.RiskScore >= 50 {
		factors = append(factors, Factor{
			Type:     "elevated_risk_history",
			Category: "session_anomaly",
			Severity: SeverityMedium,
			Weight:   1,
			Evidence: fmt.Sprintf("carried risk score %d", snapshot.RiskScore),
		})
	}

	return factors, nil
}
