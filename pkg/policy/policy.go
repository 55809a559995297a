// Package policy matches and evaluates access rules with conditions
// and time restrictions against access requests
package policy

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Operator compares a condition value against the request context
type Operator string

// Supported condition operators
const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpInRange     Operator = "in_range"
)

// Condition types
const (
	ConditionLocation    = "location"
	ConditionDeviceTrust = "device_trust"
	ConditionUserRisk    = "user_risk"
	ConditionTime        = "time"
	ConditionContext     = "context"
)

// Condition is a predicate attached to a rule or grant. A condition
// marked Required that is not satisfied vetoes the whole rule.
type Condition struct {
	Type      string      `json:"type"`
	Attribute string      `json:"attribute,omitempty"`
	Operator  Operator    `json:"operator"`
	Value     interface{} `json:"value"`
	Required  bool        `json:"required"`
}

// TimeRestriction limits a rule to an hour range and weekdays,
// evaluated in the given timezone against the caller-supplied
// timestamp, never server wall-clock time.
type TimeRestriction struct {
	StartHour  int            `json:"start_hour"`
	EndHour    int            `json:"end_hour"`
	DaysOfWeek []time.Weekday `json:"days_of_week,omitempty"`
	Timezone   string         `json:"timezone,omitempty"`
}

// Rule is a single access rule. Rules are evaluated most specific to
// least specific; any one fully satisfied rule authorizes.
type Rule struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	SourceUsers     []string         `json:"source_users,omitempty"`   // user IDs or "*"
	SourceDevices   []string         `json:"source_devices,omitempty"` // device IDs or "*"
	Resources       []string         `json:"resources"`                // exact or trailing-* patterns
	Permissions     []string         `json:"permissions"`
	Conditions      []Condition      `json:"conditions,omitempty"`
	TimeRestriction *TimeRestriction `json:"time_restriction,omitempty"`
	MaxRiskScore    int              `json:"max_risk_score,omitempty"` // 0 means unset
	Priority        int              `json:"priority"`
}

// EvalContext carries the request-time attributes conditions are
// evaluated against
type EvalContext struct {
	Timestamp        time.Time         `json:"timestamp"`
	Location         string            `json:"location,omitempty"`
	DeviceTrustLevel string            `json:"device_trust_level,omitempty"`
	DeviceTrustScore int               `json:"device_trust_score,omitempty"`
	RiskLevel        string            `json:"risk_level,omitempty"`
	RiskScore        int               `json:"risk_score,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty"`
}

// Request is an access request to match against the rule set
type Request struct {
	UserID   string
	DeviceID string
	Resource string
	Action   string
	Context  EvalContext
}

// Decision is the outcome of a policy evaluation
type Decision struct {
	Authorized bool        `json:"authorized"`
	Rule       *Rule       `json:"rule,omitempty"`
	Reason     string      `json:"reason"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// Engine holds the ordered rule set
type Engine struct {
	rules []*Rule
	mu    sync.RWMutex
}

// NewEngine creates an empty policy engine
func NewEngine() *Engine {
	return &Engine{rules: make([]*Rule, 0)}
}

// AddRule inserts a rule, keeping the set ordered most specific
// first (priority descending, then longer resource patterns)
func (e *Engine) AddRule(rule *Rule) error {
	if rule.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if len(rule.Resources) == 0 {
		return fmt.Errorf("rule %s has no resource scope", rule.ID)
	}
	for _, condition := range rule.Conditions {
		if !validOperator(condition.Operator) {
			return fmt.Errorf("rule %s: unknown operator %q", rule.ID, condition.Operator)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, existing := range e.rules {
		if existing.ID == rule.ID {
			return fmt.Errorf("rule %s already exists", rule.ID)
		}
	}

	e.rules = append(e.rules, rule)
	sort.SliceStable(e.rules, func(i, j int) bool {
		if e.rules[i].Priority != e.rules[j].Priority {
			return e.rules[i].Priority > e.rules[j].Priority
		}
		return longestPattern(e.rules[i].Resources) > longestPattern(e.rules[j].Resources)
	})
	return nil
}

// Rules returns a copy of the current rule set in evaluation order
func (e *Engine) Rules() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*Rule(nil), e.rules...)
}

// Evaluate matches the request against the rule set. Rules combine
// with OR: the first fully satisfied candidate authorizes. Absence of
// any candidate is a default deny.
func (e *Engine) Evaluate(req Request) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	candidates := 0
	var lastReason string

	for _, rule := range e.rules {
		if !rule.matchesSource(req.UserID, req.DeviceID) {
			continue
		}
		if !rule.matchesResource(req.Resource) {
			continue
		}
		if len(rule.Permissions) > 0 && !containsString(rule.Permissions, req.Action) && !containsString(rule.Permissions, "*") {
			continue
		}
		candidates++

		if satisfied, reason := evaluateRule(rule, req.Context); satisfied {
			return Decision{
				Authorized: true,
				Rule:       rule,
				Reason:     fmt.Sprintf("authorized by rule %q", rule.Name),
				Conditions: append([]Condition(nil), rule.Conditions...),
			}
		} else {
			lastReason = reason
		}
	}

	if candidates == 0 {
		return Decision{Authorized: false, Reason: "no applicable policy"}
	}
	return Decision{Authorized: false, Reason: lastReason}
}

// evaluateRule checks a candidate's conditions, time restriction and
// risk threshold. Conditions combine with AND within the rule.
func evaluateRule(rule *Rule, ctx EvalContext) (bool, string) {
	if rule.MaxRiskScore > 0 && ctx.RiskScore > rule.MaxRiskScore {
		return false, "risk too high"
	}

	if rule.TimeRestriction != nil {
		if ok, reason := evaluateTimeRestriction(rule.TimeRestriction, ctx.Timestamp); !ok {
			return false, reason
		}
	}

	for _, condition := range rule.Conditions {
		if !EvaluateCondition(condition, ctx) {
			if condition.Required {
				return false, fmt.Sprintf("required condition %s not satisfied", condition.Type)
			}
			return false, fmt.Sprintf("condition %s not satisfied", condition.Type)
		}
	}
	return true, ""
}

// EvaluateCondition evaluates a single condition against the request
// context. Exported so the network segmentation controller shares the
// exact same semantics.
func EvaluateCondition(condition Condition, ctx EvalContext) bool {
	var actual interface{}

	switch condition.Type {
	case ConditionLocation:
		actual = ctx.Location
	case ConditionDeviceTrust:
		if condition.Attribute == "level" {
			actual = ctx.DeviceTrustLevel
		} else {
			actual = float64(ctx.DeviceTrustScore)
		}
	case ConditionUserRisk:
		if condition.Attribute == "level" {
			actual = ctx.RiskLevel
		} else {
			actual = float64(ctx.RiskScore)
		}
	case ConditionTime:
		ts := ctx.Timestamp
		if ts.IsZero() {
			return false
		}
		actual = float64(ts.Hour())
	case ConditionContext:
		value, exists := ctx.Attributes[condition.Attribute]
		if !exists {
			return false
		}
		actual = value
	default:
		return false
	}

	return compare(actual, condition.Operator, condition.Value)
}

// EvaluateConditions applies the required-veto AND semantics over a
// condition list
func EvaluateConditions(conditions []Condition, ctx EvalContext) (bool, string) {
	for _, condition := range conditions {
		if !EvaluateCondition(condition, ctx) {
			if condition.Required {
				return false, fmt.Sprintf("required condition %s not satisfied", condition.Type)
			}
			return false, fmt.Sprintf("condition %s not satisfied", condition.Type)
		}
	}
	return true, ""
}

func evaluateTimeRestriction(tr *TimeRestriction, ts time.Time) (bool, string) {
	if ts.IsZero() {
		return false, "no request timestamp for time-restricted rule"
	}

	if tr.Timezone != "" {
		if loc, err := time.LoadLocation(tr.Timezone); err == nil {
			ts = ts.In(loc)
		}
	}

	hour := ts.Hour()
	if tr.StartHour <= tr.EndHour {
		if hour < tr.StartHour || hour > tr.EndHour {
			return false, "outside allowed hours"
		}
	} else {
		// Overnight window, e.g. 22-6
		if hour < tr.StartHour && hour > tr.EndHour {
			return false, "outside allowed hours"
		}
	}

	if len(tr.DaysOfWeek) > 0 {
		allowed := false
		for _, day := range tr.DaysOfWeek {
			if ts.Weekday() == day {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, "outside allowed days"
		}
	}
	return true, ""
}

func (r *Rule) matchesSource(userID, deviceID string) bool {
	userMatch := len(r.SourceUsers) == 0
	for _, u := range r.SourceUsers {
		if u == "*" || u == userID {
			userMatch = true
			break
		}
	}
	if !userMatch {
		return false
	}

	deviceMatch := len(r.SourceDevices) == 0
	for _, d := range r.SourceDevices {
		if d == "*" || d == deviceID {
			deviceMatch = true
			break
		}
	}
	return deviceMatch
}

func (r *Rule) matchesResource(resource string) bool {
	for _, pattern := range r.Resources {
		if matchResource(pattern, resource) {
			return true
		}
	}
	return false
}

func matchResource(pattern, resource string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(resource, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == resource
}

func longestPattern(patterns []string) int {
	longest := 0
	for _, p := range patterns {
		if len(p) > longest {
			longest = len(p)
		}
	}
	return longest
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

func validOperator(op Operator) bool {
	switch op {
	case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan, OpInRange:
		return true
	}
	return false
}

// compare applies an operator to an actual value and the condition's
// expected value. Numeric comparisons coerce both sides to float64.
func compare(actual interface{}, op Operator, expected interface{}) bool {
	switch op {
	case OpEquals:
		return equalValues(actual, expected)
	case OpNotEquals:
		return !equalValues(actual, expected)
	case OpContains:
		as, aok := actual.(string)
		es, eok := expected.(string)
		return aok && eok && strings.Contains(as, es)
	case OpGreaterThan:
		av, aok := toFloat(actual)
		ev, eok := toFloat(expected)
		return aok && eok && av > ev
	case OpLessThan:
		av, aok := toFloat(actual)
		ev, eok := toFloat(expected)
		return aok && eok && av < ev
	case OpInRange:
		av, aok := toFloat(actual)
		if !aok {
			return false
		}
		low, high, rok := toRange(expected)
		return rok && av >= low && av <= high
	}
	return false
}

func equalValues(actual, expected interface{}) bool {
	if av, aok := toFloat(actual); aok {
		if ev, eok := toFloat(expected); eok {
			return av == ev
		}
	}
	return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", expected)
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func toRange(value interface{}) (float64, float64, bool) {
	switch v := value.(type) {
	case []interface{}:
		if len(v) != 2 {
			return 0, 0, false
		}
		low, lok := toFloat(v[0])
		high, hok := toFloat(v[1])
		return low, high, lok && hok
	case []float64:
		if len(v) != 2 {
			return 0, 0, false
		}
		return v[0], v[1], true
	case []int:
		if len(v) != 2 {
			return 0, 0, false
		}
		return float64(v[0]), float64(v[1]), true
	}
	return 0, 0, false
}
