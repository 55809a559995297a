// Package segment is the network segmentation controller: named
// segments with protocol and port allow-lists, and access rules
// between them with default-deny posture
package segment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dobrevit/zta-core/pkg/audit"
	"github.com/dobrevit/zta-core/pkg/metrics"
	"github.com/dobrevit/zta-core/pkg/policy"
)

// Errors returned by the controller
var (
	ErrDuplicateSegment = fmt.Errorf("segment already exists")
	ErrSegmentNotFound  = fmt.Errorf("segment not found")
)

// Segment is a named network zone. TrustRequired is the minimum device
// trust score for any source inside the segment; AllowedProtocols and
// AllowedPorts bound what traffic the segment accepts regardless of
// rules.
type Segment struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	CIDR             string    `json:"cidr,omitempty"`
	TrustRequired    int       `json:"trust_required"`
	AllowedProtocols []string  `json:"allowed_protocols,omitempty"`
	AllowedPorts     []int     `json:"allowed_ports,omitempty"`
	Isolated         bool      `json:"isolated"`
	CreatedAt        time.Time `json:"created_at"`
}

// Source principal types a flow can originate from
const (
	SourceTypeSegment = "segment"
	SourceTypeUser    = "user"
	SourceTypeDevice  = "device"
)

// AccessRule permits traffic from a source principal to a destination
// segment, optionally narrowed by conditions. An empty SourceType
// means the source is a segment.
type AccessRule struct {
	ID          string             `json:"id"`
	Source      string             `json:"source"` // source ID or "*"
	SourceType  string             `json:"source_type,omitempty"`
	Destination string             `json:"destination"`
	Protocols   []string           `json:"protocols,omitempty"`
	Ports       []int              `json:"ports,omitempty"`
	Conditions  []policy.Condition `json:"conditions,omitempty"`
	Priority    int                `json:"priority"`
}

// AccessRequest describes one network flow to authorize. The source
// is a segment, a user or a device; an empty SourceType means segment.
type AccessRequest struct {
	Source             string             `json:"source"`
	SourceType         string             `json:"source_type,omitempty"`
	DestinationSegment string             `json:"destination_segment"`
	Protocol           string             `json:"protocol"`
	Port               int                `json:"port"`
	Context            policy.EvalContext `json:"context"`
}

// Decision is the outcome of a network access check
type Decision struct {
	Allowed bool   `json:"allowed"`
	RuleID  string `json:"rule_id,omitempty"`
	Reason  string `json:"reason"`
}

// Config holds segmentation settings
type Config struct {
	DefaultDeny bool `toml:"defaultDeny"`
}

// DefaultConfig returns the default segmentation configuration
func DefaultConfig() Config {
	return Config{DefaultDeny: true}
}

// Controller owns the segment registry and the inter-segment rule set
type Controller struct {
	config   Config
	segments map[string]*Segment
	rules    []*AccessRule
	audit    *audit.Dispatcher
	metrics  *metrics.Metrics
	logger   *log.Logger
	mu       sync.RWMutex
}

// NewController creates a segmentation controller
func NewController(config Config, auditor *audit.Dispatcher, m *metrics.Metrics, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Controller{
		config:   config,
		segments: make(map[string]*Segment),
		rules:    make([]*AccessRule, 0),
		audit:    auditor,
		metrics:  m,
		logger:   logger,
	}
}

// CreateSegment registers a segment. Registration is pure bookkeeping;
// it never implies connectivity to or from any other segment.
func (c *Controller) CreateSegment(segment *Segment) error {
	if segment.ID == "" {
		return fmt.Errorf("segment id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.segments[segment.ID]; exists {
		return ErrDuplicateSegment
	}

	stored := *segment
	stored.CreatedAt = time.Now()
	c.segments[segment.ID] = &stored

	c.logger.WithFields(log.Fields{
		"segment_id": segment.ID,
		"name":       segment.Name,
		"isolated":   segment.Isolated,
	}).Info("Network segment created")
	return nil
}

// GetSegment returns a copy of a segment
func (c *Controller) GetSegment(id string) (*Segment, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	segment, exists := c.segments[id]
	if !exists {
		return nil, false
	}
	copy := *segment
	return &copy, true
}

// Segments returns copies of all registered segments
func (c *Controller) Segments() []*Segment {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Segment, 0, len(c.segments))
	for _, segment := range c.segments {
		copy := *segment
		out = append(out, &copy)
	}
	return out
}

// AddRule registers an access rule. A segment-typed source and the
// destination must already exist so a typo cannot silently open a
// path later; user and device sources are external principals and
// carry no registry check.
func (c *Controller) AddRule(rule *AccessRule) error {
	if rule.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if !validSourceType(normalizeSourceType(rule.SourceType)) {
		return fmt.Errorf("rule %s: unknown source type %s", rule.ID, rule.SourceType)
	}
	for _, condition := range rule.Conditions {
		if condition.Operator == "" {
			return fmt.Errorf("rule %s: condition missing operator", rule.ID)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if normalizeSourceType(rule.SourceType) == SourceTypeSegment && rule.Source != "*" {
		if _, exists := c.segments[rule.Source]; !exists {
			return fmt.Errorf("%w: %s", ErrSegmentNotFound, rule.Source)
		}
	}
	if _, exists := c.segments[rule.Destination]; !exists {
		return fmt.Errorf("%w: %s", ErrSegmentNotFound, rule.Destination)
	}
	for _, existing := range c.rules {
		if existing.ID == rule.ID {
			return fmt.Errorf("rule %s already exists", rule.ID)
		}
	}

	c.rules = append(c.rules, rule)
	return nil
}

// AuthorizeNetworkAccess decides whether a flow into a segment is
// permitted. The source is a segment, user or device principal. With
// default-deny enabled, an explicit rule matching the source is
// required; the destination's protocol and port allow-lists are
// enforced independently of any rule match.
func (c *Controller) AuthorizeNetworkAccess(ctx context.Context, req AccessRequest) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		return c.decide(req, &Decision{Allowed: false, Reason: "authorization deadline exceeded"}), nil
	}

	srcType := normalizeSourceType(req.SourceType)
	if !validSourceType(srcType) {
		return c.decide(req, &Decision{Allowed: false, Reason: fmt.Sprintf("unknown source type %s", req.SourceType)}), nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	destination, exists := c.segments[req.DestinationSegment]
	if !exists {
		return c.decide(req, &Decision{Allowed: false, Reason: "unknown destination segment"}), nil
	}
	// Only segment sources live in the registry; user and device
	// principals are vouched for by their rules and conditions
	if srcType == SourceTypeSegment {
		if _, exists := c.segments[req.Source]; !exists {
			return c.decide(req, &Decision{Allowed: false, Reason: "unknown source segment"}), nil
		}
	}

	if destination.Isolated {
		return c.decide(req, &Decision{Allowed: false, Reason: "destination segment is isolated"}), nil
	}

	// Segment-level allow-lists apply before any rule is considered
	if !protocolAllowed(destination.AllowedProtocols, req.Protocol) {
		return c.decide(req, &Decision{Allowed: false, Reason: fmt.Sprintf("protocol %s not allowed by segment %s", req.Protocol, destination.ID)}), nil
	}
	if !portAllowed(destination.AllowedPorts, req.Port) {
		return c.decide(req, &Decision{Allowed: false, Reason: fmt.Sprintf("port %d not allowed by segment %s", req.Port, destination.ID)}), nil
	}

	if destination.TrustRequired > 0 && req.Context.DeviceTrustScore < destination.TrustRequired {
		return c.decide(req, &Decision{Allowed: false, Reason: "device trust below segment requirement"}), nil
	}

	var lastReason string
	for _, rule := range c.orderedRules() {
		if rule.Destination != req.DestinationSegment {
			continue
		}
		if normalizeSourceType(rule.SourceType) != srcType {
			continue
		}
		if rule.Source != "*" && rule.Source != req.Source {
			continue
		}
		if len(rule.Protocols) > 0 && !protocolAllowed(rule.Protocols, req.Protocol) {
			continue
		}
		if len(rule.Ports) > 0 && !portAllowed(rule.Ports, req.Port) {
			continue
		}

		if ok, reason := policy.EvaluateConditions(rule.Conditions, req.Context); !ok {
			lastReason = reason
			continue
		}

		return c.decide(req, &Decision{Allowed: true, RuleID: rule.ID, Reason: fmt.Sprintf("allowed by rule %s", rule.ID)}), nil
	}

	if lastReason != "" {
		return c.decide(req, &Decision{Allowed: false, Reason: lastReason}), nil
	}
	if c.config.DefaultDeny {
		return c.decide(req, &Decision{Allowed: false, Reason: "no rule permits this flow"}), nil
	}
	return c.decide(req, &Decision{Allowed: true, Reason: "default allow"}), nil
}

func (c *Controller) orderedRules() []*AccessRule {
	out := append([]*AccessRule(nil), c.rules...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority > out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (c *Controller) decide(req AccessRequest, decision *Decision) *Decision {
	outcome := "denied"
	eventType := audit.EventNetworkAccessDenied
	severity := audit.SeverityWarning
	if decision.Allowed {
		outcome = "allowed"
		eventType = audit.EventNetworkAccessGranted
		severity = audit.SeverityInfo
	}

	c.metrics.IncNetworkDecision(outcome)
	if c.audit != nil {
		c.audit.Emit(audit.Event{
			Type:     eventType,
			Severity: severity,
			Details: map[string]interface{}{
				"source":      req.Source,
				"source_type": normalizeSourceType(req.SourceType),
				"destination": req.DestinationSegment,
				"protocol":    req.Protocol,
				"port":        req.Port,
				"reason":      decision.Reason,
			},
		})
	}
	return decision
}

func normalizeSourceType(t string) string {
	if t == "" {
		return SourceTypeSegment
	}
	return t
}

func validSourceType(t string) bool {
	return t == SourceTypeSegment || t == SourceTypeUser || t == SourceTypeDevice
}

func protocolAllowed(allowed []string, protocol string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, p := range allowed {
		if strings.EqualFold(p, protocol) {
			return true
		}
	}
	return false
}

func portAllowed(allowed []int, port int) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, p := range allowed {
		if p == port {
			return true
		}
	}
	return false
}
