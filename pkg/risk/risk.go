// Package risk computes normalized risk scores for users, devices,
// applications and sessions from weighted risk factors
package risk

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/zta-core/pkg/audit"
	"github.com/dobrevit/zta-core/pkg/metrics"
	"github.com/dobrevit/zta-core/pkg/storage"
)

// Subject types understood by the engine
const (
	SubjectUser        = "user"
	SubjectDevice      = "device"
	SubjectApplication = "application"
	SubjectSession     = "session"
)

// Severity of a single risk factor
type Severity string

// Factor severities
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityMultipliers = map[Severity]float64{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Level is the overall risk classification
type Level string

// Risk levels
const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Factor is a single weighted contribution to a risk score
type Factor struct {
	Type     string   `json:"type"`
	Category string   `json:"category"`
	Severity Severity `json:"severity"`
	Weight   float64  `json:"weight"`
	Evidence string   `json:"evidence,omitempty"`
}

// Assessment is the result of a risk evaluation. Assessments are
// created fresh on every call and never mutated.
type Assessment struct {
	SubjectType           string    `json:"subject_type"`
	SubjectID             string    `json:"subject_id"`
	Score                 int       `json:"score"`
	Level                 Level     `json:"level"`
	Factors               []Factor  `json:"factors,omitempty"`
	Mitigations           []string  `json:"mitigations,omitempty"`
	AssessedAt            time.Time `json:"assessed_at"`
	ValidUntil            time.Time `json:"valid_until"`
	AutomaticReassessment bool      `json:"automatic_reassessment"`
}

// FactorCollector gathers risk factors for one subject type. The
// engine's contract is this interface; implementations are swappable.
type FactorCollector interface {
	Name() string
	SubjectType() string
	Collect(ctx context.Context, subjectID string) ([]Factor, error)
}

// Thresholds are the risk level cut points: score < Low is low,
// < Medium is medium, < High is high, otherwise critical
type Thresholds struct {
	Low    int `toml:"low"`
	Medium int `toml:"medium"`
	High   int `toml:"high"`
}

// Config holds risk engine settings
type Config struct {
	Validity           time.Duration `toml:"validity"`
	FailClosedValidity time.Duration `toml:"failClosedValidity"`
	Thresholds         Thresholds    `toml:"thresholds"`
}

// DefaultConfig returns the default risk engine configuration
func DefaultConfig() Config {
	return Config{
		Validity:           time.Hour,
		FailClosedValidity: 5 * time.Minute,
		Thresholds:         Thresholds{Low: 25, Medium: 50, High: 75},
	}
}

// Engine computes risk assessments
type Engine struct {
	config     Config
	collectors map[string][]FactorCollector
	cache      storage.Store
	audit      *audit.Dispatcher
	metrics    *metrics.Metrics
	logger     *log.Logger
	mu         sync.RWMutex
}

// NewEngine creates a risk engine. The cache store is optional.
func NewEngine(config Config, cache storage.Store, auditor *audit.Dispatcher, m *metrics.Metrics, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if config.Validity <= 0 {
		config.Validity = time.Hour
	}
	if config.FailClosedValidity <= 0 {
		config.FailClosedValidity = 5 * time.Minute
	}
	if config.Thresholds == (Thresholds{}) {
		config.Thresholds = Thresholds{Low: 25, Medium: 50, High: 75}
	}

	return &Engine{
		config:     config,
		collectors: make(map[string][]FactorCollector),
		cache:      cache,
		audit:      auditor,
		metrics:    m,
		logger:     logger,
	}
}

// Register adds a factor collector for its subject type
func (e *Engine) Register(collector FactorCollector) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.collectors[collector.SubjectType()] = append(e.collectors[collector.SubjectType()], collector)
}

// Subject names one subject of an assessment
type Subject struct {
	Type string
	ID   string
}

// Assess computes a fresh risk assessment for a single subject.
// Internal failures never surface to the caller: the engine fails
// closed with a synthetic high-risk assessment instead.
func (e *Engine) Assess(ctx context.Context, subjectType, subjectID string) *Assessment {
	return e.AssessSubjects(ctx, Subject{Type: subjectType, ID: subjectID})
}

// AssessSubjects computes one assessment over the union of factors
// collected for every subject, so a login can score the user, the
// device and the application as a whole. The first subject names the
// result. Internal failures fail closed as in Assess.
func (e *Engine) AssessSubjects(ctx context.Context, subjects ...Subject) (assessment *Assessment) {
	if len(subjects) == 0 {
		return nil
	}
	primary := subjects[0]

	defer func() {
		if r := recover(); r != nil {
			e.logger.WithFields(log.Fields{
				"subject_type": primary.Type,
				"subject_id":   primary.ID,
				"panic":        r,
			}).Error("Risk assessment panicked, failing closed")
			assessment = e.failClosed(primary.Type, primary.ID)
		}
		e.finish(assessment)
	}()

	if err := ctx.Err(); err != nil {
		return e.failClosed(primary.Type, primary.ID)
	}

	factors := make([]Factor, 0)
	for _, subject := range subjects {
		e.mu.RLock()
		collectors := append([]FactorCollector(nil), e.collectors[subject.Type]...)
		e.mu.RUnlock()

		for _, collector := range collectors {
			collected, err := collector.Collect(ctx, subject.ID)
			if err != nil {
				// A broken collector means we cannot know the risk; callers
				// must never treat an assessment error as "no risk"
				e.logger.WithFields(log.Fields{
					"collector":    collector.Name(),
					"subject_type": subject.Type,
					"subject_id":   subject.ID,
					"error":        err,
				}).Error("Risk factor collection failed, failing closed")
				return e.failClosed(primary.Type, primary.ID)
			}
			factors = append(factors, collected...)
		}
	}

	score := computeScore(factors)
	level := e.levelForScore(score)
	now := time.Now()

	assessment = &Assessment{
		SubjectType:           primary.Type,
		SubjectID:             primary.ID,
		Score:                 score,
		Level:                 level,
		Factors:               factors,
		Mitigations:           recommendMitigations(level, factors),
		AssessedAt:            now,
		ValidUntil:            now.Add(e.config.Validity),
		AutomaticReassessment: level == LevelHigh || level == LevelCritical,
	}
	return assessment
}

// Cached returns the most recent valid assessment for the subject,
// if one is present in the cache
func (e *Engine) Cached(ctx context.Context, subjectType, subjectID string) (*Assessment, bool) {
	if e.cache == nil {
		return nil, false
	}

	raw, found, err := e.cache.Get(ctx, cacheKey(subjectType, subjectID))
	if err != nil || !found {
		return nil, false
	}

	var assessment Assessment
	if err := json.Unmarshal([]byte(raw), &assessment); err != nil {
		return nil, false
	}
	if time.Now().After(assessment.ValidUntil) {
		return nil, false
	}
	return &assessment, true
}

// finish records metrics, caches the assessment and notifies the
// incident automation hook on high or critical levels
func (e *Engine) finish(assessment *Assessment) {
	if assessment == nil {
		return
	}

	e.metrics.IncRiskAssessment(string(assessment.Level))

	if e.cache != nil {
		if data, err := json.Marshal(assessment); err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = e.cache.Set(ctx, cacheKey(assessment.SubjectType, assessment.SubjectID),
				string(data), time.Until(assessment.ValidUntil))
			cancel()
		}
	}

	if e.audit != nil && (assessment.Level == LevelHigh || assessment.Level == LevelCritical) {
		e.audit.Emit(audit.Event{
			Type:     audit.EventHighRiskDetected,
			Severity: audit.SeverityCritical,
			SubjectIDs: map[string]string{
				"subject_type": assessment.SubjectType,
				"subject_id":   assessment.SubjectID,
			},
			Details: map[string]interface{}{
				"assessment": assessment,
			},
		})
	}
}

// failClosed builds the synthetic high-risk assessment substituted
// for any internal failure. The level is derived from the score so
// the score-to-level mapping holds on this path too.
func (e *Engine) failClosed(subjectType, subjectID string) *Assessment {
	now := time.Now()
	return &Assessment{
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Score:       75,
		Level:       e.levelForScore(75),
		Factors: []Factor{{
			Type:     "assessment_failure",
			Category: "internal",
			Severity: SeverityHigh,
			Weight:   1,
			Evidence: "risk factor collection failed",
		}},
		Mitigations:           []string{"Retry assessment", "Require step-up authentication"},
		AssessedAt:            now,
		ValidUntil:            now.Add(e.config.FailClosedValidity),
		AutomaticReassessment: true,
	}
}

func (e *Engine) levelForScore(score int) Level {
	t := e.config.Thresholds
	switch {
	case score < t.Low:
		return LevelLow
	case score < t.Medium:
		return LevelMedium
	case score < t.High:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// computeScore maps weighted factor severities onto a 0-100 score.
// An assessment where every factor is critical converges to 100; an
// empty factor set is score 0.
func computeScore(factors []Factor) int {
	if len(factors) == 0 {
		return 0
	}

	var weightedSum, totalWeight float64
	for _, factor := range factors {
		weight := factor.Weight
		if weight <= 0 {
			weight = 1
		}
		weightedSum += weight * severityMultipliers[factor.Severity]
		totalWeight += weight
	}
	if totalWeight == 0 {
		return 0
	}

	score := math.Round(weightedSum / totalWeight * 25)
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return int(score)
}

func recommendMitigations(level Level, factors []Factor) []string {
	mitigations := make([]string, 0)
	switch level {
	case LevelCritical:
		mitigations = append(mitigations, "Block access pending investigation", "Require MFA step-up")
	case LevelHigh:
		mitigations = append(mitigations, "Require MFA step-up", "Increase monitoring")
	case LevelMedium:
		mitigations = append(mitigations, "Increase monitoring")
	}
	for _, factor := range factors {
		if factor.Category == "device_compliance" && factor.Severity != SeverityLow {
			mitigations = append(mitigations, "Remediate device compliance issues")
			break
		}
	}
	return mitigations
}

func cacheKey(subjectType, subjectID string) string {
	return "risk:" + subjectType + ":" + subjectID
}
