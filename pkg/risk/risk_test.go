package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dobrevit/zta-core/pkg/storage"
)

type stubCollector struct {
	name    string
	subject string
	factors []Factor
	err     error
	panics  bool
}

func (c *stubCollector) Name() string        { return c.name }
func (c *stubCollector) SubjectType() string { return c.subject }
func (c *stubCollector) Collect(ctx context.Context, subjectID string) ([]Factor, error) {
	if c.panics {
		panic("collector exploded")
	}
	return c.factors, c.err
}

func TestComputeScore(t *testing.T) {
	t.Run("EmptyFactorsIsZero", func(t *testing.T) {
		if score := computeScore(nil); score != 0 {
			t.Errorf("expected 0 for empty factors, got %d", score)
		}
	})

	t.Run("SingleLowFactor", func(t *testing.T) {
		factors := []Factor{{Severity: SeverityLow, Weight: 1}}
		if score := computeScore(factors); score != 25 {
			t.Errorf("expected 25, got %d", score)
		}
	})

	t.Run("AllCriticalSaturatesAt100", func(t *testing.T) {
		factors := []Factor{
			{Severity: SeverityCritical, Weight: 1},
			{Severity: SeverityCritical, Weight: 2},
		}
		if score := computeScore(factors); score != 100 {
			t.Errorf("expected 100, got %d", score)
		}
	})

	t.Run("WeightedMix", func(t *testing.T) {
		// (1*1 + 3*3) / 4 * 25 = 62.5, rounds to 63
		factors := []Factor{
			{Severity: SeverityLow, Weight: 1},
			{Severity: SeverityHigh, Weight: 3},
		}
		if score := computeScore(factors); score != 63 {
			t.Errorf("expected 63, got %d", score)
		}
	})

	t.Run("ZeroWeightDefaultsToOne", func(t *testing.T) {
		factors := []Factor{{Severity: SeverityMedium}}
		if score := computeScore(factors); score != 50 {
			t.Errorf("expected 50, got %d", score)
		}
	})

	t.Run("ScoreAlwaysInBounds", func(t *testing.T) {
		severities := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
		for _, a := range severities {
			for _, b := range severities {
				score := computeScore([]Factor{
					{Severity: a, Weight: 1},
					{Severity: b, Weight: 5},
				})
				if score < 0 || score > 100 {
					t.Errorf("score %d out of bounds for %s/%s", score, a, b)
				}
			}
		}
	})
}

func TestLevelForScore(t *testing.T) {
	engine := NewEngine(DefaultConfig(), nil, nil, nil, nil)

	cases := []struct {
		score int
		level Level
	}{
		{0, LevelLow},
		{24, LevelLow},
		{25, LevelMedium},
		{49, LevelMedium},
		{50, LevelHigh},
		{74, LevelHigh},
		{75, LevelCritical},
		{100, LevelCritical},
	}
	for _, tc := range cases {
		if level := engine.levelForScore(tc.score); level != tc.level {
			t.Errorf("score %d: expected %s, got %s", tc.score, tc.level, level)
		}
	}
}

func TestAssess(t *testing.T) {
	t.Run("NoCollectorsMeansZeroRisk", func(t *testing.T) {
		engine := NewEngine(DefaultConfig(), nil, nil, nil, nil)
		assessment := engine.Assess(context.Background(), SubjectUser, "alice")
		if assessment.Score != 0 || assessment.Level != LevelLow {
			t.Errorf("expected score 0 low, got %d %s", assessment.Score, assessment.Level)
		}
	})

	t.Run("CollectorErrorFailsClosed", func(t *testing.T) {
		engine := NewEngine(DefaultConfig(), nil, nil, nil, nil)
		engine.Register(&stubCollector{
			name:    "broken",
			subject: SubjectUser,
			err:     errors.New("backend down"),
		})

		assessment := engine.Assess(context.Background(), SubjectUser, "alice")
		if assessment.Score != 75 || assessment.Level != LevelCritical {
			t.Errorf("expected fail-closed 75/critical, got %d/%s", assessment.Score, assessment.Level)
		}
		if !assessment.AutomaticReassessment {
			t.Error("fail-closed assessment should request automatic reassessment")
		}
		if remaining := time.Until(assessment.ValidUntil); remaining > 5*time.Minute {
			t.Errorf("fail-closed validity too long: %s", remaining)
		}
	})

	t.Run("CollectorPanicFailsClosed", func(t *testing.T) {
		engine := NewEngine(DefaultConfig(), nil, nil, nil, nil)
		engine.Register(&stubCollector{
			name:    "panicky",
			subject: SubjectUser,
			panics:  true,
		})

		assessment := engine.Assess(context.Background(), SubjectUser, "alice")
		if assessment.Score != 75 || assessment.Level != LevelCritical {
			t.Errorf("expected fail-closed 75/critical, got %d/%s", assessment.Score, assessment.Level)
		}
	})

	t.Run("FailClosedLevelMatchesScore", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Thresholds = Thresholds{Low: 10, Medium: 20, High: 90}
		engine := NewEngine(cfg, nil, nil, nil, nil)
		engine.Register(&stubCollector{
			name:    "broken",
			subject: SubjectUser,
			err:     errors.New("backend down"),
		})

		assessment := engine.Assess(context.Background(), SubjectUser, "alice")
		if assessment.Level != engine.levelForScore(assessment.Score) {
			t.Errorf("synthetic assessment breaks the score-to-level mapping: %d/%s",
				assessment.Score, assessment.Level)
		}
	})

	t.Run("ExpiredContextFailsClosed", func(t *testing.T) {
		engine := NewEngine(DefaultConfig(), nil, nil, nil, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assessment := engine.Assess(ctx, SubjectUser, "alice")
		if assessment.Score != 75 {
			t.Errorf("expected fail-closed 75, got %d", assessment.Score)
		}
	})

	t.Run("HighLevelRequestsReassessment", func(t *testing.T) {
		engine := NewEngine(DefaultConfig(), nil, nil, nil, nil)
		engine.Register(&stubCollector{
			name:    "elevated",
			subject: SubjectSession,
			factors: []Factor{{Severity: SeverityHigh, Weight: 1}},
		})

		assessment := engine.Assess(context.Background(), SubjectSession, "sess-1")
		if assessment.Level != LevelCritical && assessment.Level != LevelHigh {
			t.Fatalf("unexpected level %s", assessment.Level)
		}
		if !assessment.AutomaticReassessment {
			t.Error("high risk should request automatic reassessment")
		}
	})

	t.Run("CollectorsOnlyRunForTheirSubjectType", func(t *testing.T) {
		engine := NewEngine(DefaultConfig(), nil, nil, nil, nil)
		engine.Register(&stubCollector{
			name:    "device-only",
			subject: SubjectDevice,
			factors: []Factor{{Severity: SeverityCritical, Weight: 1}},
		})

		assessment := engine.Assess(context.Background(), SubjectUser, "alice")
		if assessment.Score != 0 {
			t.Errorf("device collector leaked into user assessment, score %d", assessment.Score)
		}
	})
}

func TestAssessSubjects(t *testing.T) {
	t.Run("UnionOfSubjectFactors", func(t *testing.T) {
		engine := NewEngine(DefaultConfig(), nil, nil, nil, nil)
		engine.Register(&stubCollector{
			name:    "user-side",
			subject: SubjectUser,
			factors: []Factor{{Severity: SeverityLow, Weight: 1}},
		})
		engine.Register(&stubCollector{
			name:    "device-side",
			subject: SubjectDevice,
			factors: []Factor{{Severity: SeverityHigh, Weight: 3}},
		})

		assessment := engine.AssessSubjects(context.Background(),
			Subject{Type: SubjectUser, ID: "alice"},
			Subject{Type: SubjectDevice, ID: "laptop-1"},
		)
		// (1*1 + 3*3) / 4 * 25 = 62.5, rounds to 63
		if assessment.Score != 63 {
			t.Errorf("expected combined score 63, got %d", assessment.Score)
		}
		if len(assessment.Factors) != 2 {
			t.Errorf("expected factors from both subjects, got %v", assessment.Factors)
		}
	})

	t.Run("NamedAfterThePrimarySubject", func(t *testing.T) {
		engine := NewEngine(DefaultConfig(), nil, nil, nil, nil)

		assessment := engine.AssessSubjects(context.Background(),
			Subject{Type: SubjectUser, ID: "alice"},
			Subject{Type: SubjectDevice, ID: "laptop-1"},
		)
		if assessment.SubjectType != SubjectUser || assessment.SubjectID != "alice" {
			t.Errorf("expected user/alice, got %s/%s", assessment.SubjectType, assessment.SubjectID)
		}
	})

	t.Run("AnySubjectFailureFailsClosed", func(t *testing.T) {
		engine := NewEngine(DefaultConfig(), nil, nil, nil, nil)
		engine.Register(&stubCollector{
			name:    "broken-device-side",
			subject: SubjectDevice,
			err:     errors.New("backend down"),
		})

		assessment := engine.AssessSubjects(context.Background(),
			Subject{Type: SubjectUser, ID: "alice"},
			Subject{Type: SubjectDevice, ID: "laptop-1"},
		)
		if assessment.Score != 75 {
			t.Errorf("expected fail-closed 75, got %d", assessment.Score)
		}
		if assessment.SubjectType != SubjectUser {
			t.Errorf("fail-closed assessment should name the primary subject, got %s", assessment.SubjectType)
		}
	})
}

func TestCachedAssessment(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	engine := NewEngine(DefaultConfig(), store, nil, nil, nil)
	engine.Register(&stubCollector{
		name:    "steady",
		subject: SubjectUser,
		factors: []Factor{{Severity: SeverityMedium, Weight: 1}},
	})

	fresh := engine.Assess(context.Background(), SubjectUser, "alice")

	cached, found := engine.Cached(context.Background(), SubjectUser, "alice")
	if !found {
		t.Fatal("expected cached assessment")
	}
	if cached.Score != fresh.Score || cached.Level != fresh.Level {
		t.Errorf("cached assessment diverged: %d/%s vs %d/%s",
			cached.Score, cached.Level, fresh.Score, fresh.Level)
	}
}

func TestRequestContextRoundTrip(t *testing.T) {
	rc := RequestContext{IPAddress: "203.0.113.9", UserAgent: "test"}
	ctx := WithRequestContext(context.Background(), rc)

	got, ok := RequestContextFrom(ctx)
	if !ok {
		t.Fatal("request context not found")
	}
	if got.IPAddress != rc.IPAddress {
		t.Errorf("expected %s, got %s", rc.IPAddress, got.IPAddress)
	}

	if _, ok := RequestContextFrom(context.Background()); ok {
		t.Error("empty context should have no request context")
	}
}
