// Package device registers devices and evaluates their trust and
// compliance posture under a zero-trust model
package device

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/zta-core/pkg/audit"
	"github.com/dobrevit/zta-core/pkg/storage"
)

// Errors returned by the evaluator
var (
	ErrDuplicateDevice = errors.New("device already registered")
	ErrDeviceNotFound  = errors.New("device not found")
)

// TrustLevel represents a device trust classification
type TrustLevel string

// Trust levels, lowest to highest
const (
	TrustUntrusted TrustLevel = "untrusted"
	TrustLow       TrustLevel = "low"
	TrustMedium    TrustLevel = "medium"
	TrustHigh      TrustLevel = "high"
)

// EnrollmentMethod describes how a device was enrolled
type EnrollmentMethod string

// Enrollment methods
const (
	EnrollmentManual    EnrollmentMethod = "manual"
	EnrollmentAutomatic EnrollmentMethod = "automatic"
)

// Compliance captures the posture flags checked during assessment
type Compliance struct {
	PatchCurrent       bool `json:"patch_current"`
	AntivirusPresent   bool `json:"antivirus_present"`
	DiskEncrypted      bool `json:"disk_encrypted"`
	ManagementAgent    bool `json:"management_agent"`
	JailbrokenOrRooted bool `json:"jailbroken_or_rooted"`
}

// DeviceTrust is the registry record for a device. Mutated only by
// the Evaluator; never deleted, only marked untrusted.
type DeviceTrust struct {
	DeviceID         string     `json:"device_id"`
	OwnerUserID      string     `json:"owner_user_id,omitempty"`
	Class            string     `json:"class"`
	OS               string     `json:"os"`
	OSVersion        string     `json:"os_version"`
	Fingerprint      string     `json:"fingerprint"`
	TrustScore       int        `json:"trust_score"`
	TrustLevel       TrustLevel `json:"trust_level"`
	Compliance       Compliance `json:"compliance"`
	ComplianceIssues []string   `json:"compliance_issues,omitempty"`
	RiskFactors      []string   `json:"risk_factors,omitempty"`
	RegisteredAt     time.Time  `json:"registered_at"`
	LastAssessed     time.Time  `json:"last_assessed"`
}

// Assessment is the result of a compliance check
type Assessment struct {
	Score       int
	Issues      []string
	RiskFactors []string
}

// ComplianceChecker scores a device's compliance posture. The core's
// contract is this interface, not any one implementation's heuristics.
type ComplianceChecker interface {
	Assess(ctx context.Context, d *DeviceTrust) (Assessment, error)
}

// Thresholds are the trust level cut points: score < Low is
// untrusted, < Medium is low, < High is medium, otherwise high
type Thresholds struct {
	Low    int `toml:"low"`
	Medium int `toml:"medium"`
	High   int `toml:"high"`
}

// Config holds device trust evaluation settings
type Config struct {
	StalenessWindow    time.Duration     `toml:"stalenessWindow"`
	EnrollmentTokenTTL time.Duration     `toml:"enrollmentTokenTTL"`
	MinOSVersions      map[string]string `toml:"minOSVersions"`
	Thresholds         Thresholds        `toml:"thresholds"`
}

// DefaultConfig returns the default device trust configuration
func DefaultConfig() Config {
	return Config{
		StalenessWindow:    24 * time.Hour,
		EnrollmentTokenTTL: time.Hour,
		MinOSVersions: map[string]string{
			"windows": "10.0",
			"macos":   "13.0",
			"linux":   "5.10",
			"ios":     "16.0",
			"android": "13",
		},
		Thresholds: Thresholds{Low: 25, Medium: 50, High: 75},
	}
}

// RegistrationInfo describes a device being enrolled
type RegistrationInfo struct {
	DeviceID    string     `json:"device_id"`
	OwnerUserID string     `json:"owner_user_id,omitempty"`
	Class       string     `json:"class"`
	OS          string     `json:"os"`
	OSVersion   string     `json:"os_version"`
	Fingerprint string     `json:"fingerprint"`
	Compliance  Compliance `json:"compliance"`
}

// RegistrationResult is returned on successful enrollment
type RegistrationResult struct {
	Device          *DeviceTrust `json:"device"`
	EnrollmentToken string       `json:"enrollment_token,omitempty"`
}

// ValidationResult is the answer to a device trust query
type ValidationResult struct {
	Trusted          bool       `json:"trusted"`
	TrustLevel       TrustLevel `json:"trust_level"`
	TrustScore       int        `json:"trust_score"`
	ComplianceIssues []string   `json:"compliance_issues,omitempty"`
	RequiresUpdate   bool       `json:"requires_update"`
}

// Evaluator owns the device registry
type Evaluator struct {
	config  Config
	devices map[string]*DeviceTrust
	checker ComplianceChecker
	tokens  storage.Store
	audit   *audit.Dispatcher
	logger  *log.Logger
	mu      sync.RWMutex
}

// NewEvaluator creates a device trust evaluator
func NewEvaluator(config Config, checker ComplianceChecker, tokens storage.Store, auditor *audit.Dispatcher, logger *log.Logger) *Evaluator {
	if checker == nil {
		checker = &StandardChecker{}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if config.StalenessWindow <= 0 {
		config.StalenessWindow = 24 * time.Hour
	}
	if config.EnrollmentTokenTTL <= 0 {
		config.EnrollmentTokenTTL = time.Hour
	}
	if config.Thresholds == (Thresholds{}) {
		config.Thresholds = Thresholds{Low: 25, Medium: 50, High: 75}
	}

	return &Evaluator{
		config:  config,
		devices: make(map[string]*DeviceTrust),
		checker: checker,
		tokens:  tokens,
		audit:   auditor,
		logger:  logger,
	}
}

// Register enrolls a new device. Duplicate device IDs are rejected,
// and the device's OS version is validated against the configured
// minimum-version table before any assessment runs.
func (e *Evaluator) Register(ctx context.Context, info RegistrationInfo, method EnrollmentMethod) (*RegistrationResult, error) {
	if info.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}

	if minVersion, ok := e.config.MinOSVersions[strings.ToLower(info.OS)]; ok {
		if compareVersions(info.OSVersion, minVersion) < 0 {
			return nil, fmt.Errorf("%s version %s is below the required minimum %s",
				info.OS, info.OSVersion, minVersion)
		}
	}

	e.mu.Lock()
	if _, exists := e.devices[info.DeviceID]; exists {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateDevice, info.DeviceID)
	}

	now := time.Now()
	device := &DeviceTrust{
		DeviceID:     info.DeviceID,
		OwnerUserID:  info.OwnerUserID,
		Class:        info.Class,
		OS:           info.OS,
		OSVersion:    info.OSVersion,
		Fingerprint:  info.Fingerprint,
		Compliance:   info.Compliance,
		TrustScore:   50, // Initial score prior to assessment
		RegisteredAt: now,
		LastAssessed: now,
	}
	device.TrustLevel = e.levelForScore(device.TrustScore)
	e.devices[info.DeviceID] = device
	e.mu.Unlock()

	// Initial compliance assessment overwrites the provisional score
	if err := e.assess(ctx, info.DeviceID); err != nil {
		e.logger.WithFields(log.Fields{
			"device_id": info.DeviceID,
			"error":     err,
		}).Warn("Initial device assessment failed")
	}

	assessed, _ := e.Get(info.DeviceID)

	result := &RegistrationResult{Device: assessed}

	// Low-trust manual enrollments get a time-boxed token consumed by
	// the external enrollment flow
	if method == EnrollmentManual && assessed.TrustLevel == TrustLow && e.tokens != nil {
		token, err := generateToken()
		if err == nil {
			if err := e.tokens.Set(ctx, "enroll:"+info.DeviceID, token, e.config.EnrollmentTokenTTL); err == nil {
				result.EnrollmentToken = token
			}
		}
	}

	if e.audit != nil {
		e.audit.Emit(audit.Event{
			Type:       audit.EventDeviceRegistered,
			SubjectIDs: map[string]string{"device_id": info.DeviceID, "user_id": info.OwnerUserID},
			Details: map[string]interface{}{
				"trust_level": string(assessed.TrustLevel),
				"trust_score": assessed.TrustScore,
				"method":      string(method),
			},
		})
	}

	return result, nil
}

// Validate answers whether a device can currently be trusted. A stale
// cached assessment is refreshed synchronously before answering;
// correctness wins over latency on this rarely-hit path.
func (e *Evaluator) Validate(ctx context.Context, deviceID string) ValidationResult {
	e.mu.RLock()
	device, exists := e.devices[deviceID]
	var stale bool
	if exists {
		stale = time.Since(device.LastAssessed) > e.config.StalenessWindow
	}
	e.mu.RUnlock()

	if !exists {
		return ValidationResult{
			Trusted:          false,
			TrustLevel:       TrustUntrusted,
			ComplianceIssues: []string{"Device not registered"},
		}
	}

	if stale {
		if err := e.assess(ctx, deviceID); err != nil {
			e.logger.WithFields(log.Fields{
				"device_id": deviceID,
				"error":     err,
			}).Warn("Stale device re-assessment failed")
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	device = e.devices[deviceID]
	issues := append([]string(nil), device.ComplianceIssues...)

	return ValidationResult{
		Trusted:          device.TrustLevel != TrustUntrusted && len(issues) == 0,
		TrustLevel:       device.TrustLevel,
		TrustScore:       device.TrustScore,
		ComplianceIssues: issues,
		RequiresUpdate:   !device.Compliance.PatchCurrent,
	}
}

// Reassess re-runs the compliance assessment for a device if its last
// assessment is older than the staleness window
func (e *Evaluator) Reassess(ctx context.Context, deviceID string) (*DeviceTrust, error) {
	e.mu.RLock()
	device, exists := e.devices[deviceID]
	var fresh bool
	if exists {
		fresh = time.Since(device.LastAssessed) <= e.config.StalenessWindow
	}
	e.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if fresh {
		// At most one assessment per staleness window
		copy, _ := e.Get(deviceID)
		return copy, nil
	}

	if err := e.assess(ctx, deviceID); err != nil {
		return nil, err
	}
	copy, _ := e.Get(deviceID)
	return copy, nil
}

// Get returns a copy of the registry record for a device
func (e *Evaluator) Get(deviceID string) (*DeviceTrust, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	device, exists := e.devices[deviceID]
	if !exists {
		return nil, false
	}
	copy := *device
	copy.ComplianceIssues = append([]string(nil), device.ComplianceIssues...)
	copy.RiskFactors = append([]string(nil), device.RiskFactors...)
	return &copy, true
}

// MarkUntrusted forces a device to untrusted. Devices are never
// deleted from the registry.
func (e *Evaluator) MarkUntrusted(deviceID, reason string) error {
	e.mu.Lock()
	device, exists := e.devices[deviceID]
	if !exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	device.TrustLevel = TrustUntrusted
	device.TrustScore = 0
	device.RiskFactors = append(device.RiskFactors, reason)
	e.mu.Unlock()

	if e.audit != nil {
		e.audit.Emit(audit.Event{
			Type:       audit.EventDeviceUntrusted,
			Severity:   audit.SeverityWarning,
			SubjectIDs: map[string]string{"device_id": deviceID},
			Details:    map[string]interface{}{"reason": reason},
		})
	}
	return nil
}

// StaleDeviceIDs returns devices whose assessment is older than the
// staleness window, for the maintenance refresh sweep
func (e *Evaluator) StaleDeviceIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cutoff := time.Now().Add(-e.config.StalenessWindow)
	stale := make([]string, 0)
	for id, device := range e.devices {
		if device.LastAssessed.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}

// assess runs the compliance checker and applies the result
func (e *Evaluator) assess(ctx context.Context, deviceID string) error {
	device, exists := e.Get(deviceID)
	if !exists {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	assessment, err := e.checker.Assess(ctx, device)
	if err != nil {
		return fmt.Errorf("compliance assessment failed: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	current, exists := e.devices[deviceID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	current.TrustScore = clampScore(assessment.Score)
	current.TrustLevel = e.levelForScore(current.TrustScore)
	current.ComplianceIssues = assessment.Issues
	current.RiskFactors = assessment.RiskFactors
	current.LastAssessed = time.Now()
	return nil
}

func (e *Evaluator) levelForScore(score int) TrustLevel {
	t := e.config.Thresholds
	switch {
	case score < t.Low:
		return TrustUntrusted
	case score < t.Medium:
		return TrustLow
	case score < t.High:
		return TrustMedium
	default:
		return TrustHigh
	}
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func generateToken() (string, error) {
	bytes := make([]byte, 24)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

// compareVersions compares dotted numeric versions, returning -1, 0
// or 1. Non-numeric segments compare as zero.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}

	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(strings.TrimSpace(as[i]))
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(strings.TrimSpace(bs[i]))
		}
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}
	return 0
}
