// Package audit emits security-relevant events to pluggable sinks.
// Delivery is fire-and-forget: a slow or unavailable sink must never
// block an authentication or authorization decision.
package audit

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"github.com/dobrevit/zta-core/pkg/metrics"
)

// EventType identifies the kind of security event
type EventType string

// Event types emitted by the core
const (
	EventAuthSuccess          EventType = "auth_success"
	EventAuthFailure          EventType = "auth_failure"
	EventMFAChallengeIssued   EventType = "mfa_challenge_issued"
	EventSessionCreated       EventType = "session_created"
	EventSessionRevoked       EventType = "session_revoked"
	EventSessionExpired       EventType = "session_expired"
	EventSessionSuspended     EventType = "session_suspended"
	EventAccessGranted        EventType = "access_granted"
	EventAccessDenied         EventType = "access_denied"
	EventHighRiskDetected     EventType = "high_risk_detected"
	EventDeviceRegistered     EventType = "device_registered"
	EventDeviceUntrusted      EventType = "device_untrusted"
	EventNetworkAccessGranted EventType = "network_access_granted"
	EventNetworkAccessDenied  EventType = "network_access_denied"
)

// Severity classifies an audit event
type Severity string

// Severity levels
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is a single audit record
type Event struct {
	Type       EventType              `json:"event_type"`
	Severity   Severity               `json:"severity"`
	SubjectIDs map[string]string      `json:"subject_ids,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Sink receives audit events. Implementations must tolerate
// concurrent Write calls from the dispatcher goroutine only.
type Sink interface {
	Write(Event) error
	Close() error
}

// Dispatcher fans events out to sinks asynchronously. Emit never
// blocks; events are dropped (and counted) when the queue is full.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Event
	dropped uint64
	logger  *log.Logger
	metrics *metrics.Metrics
	tomb    tomb.Tomb
}

// NewDispatcher creates a dispatcher and starts its drain loop
func NewDispatcher(logger *log.Logger, m *metrics.Metrics, bufferSize int, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if bufferSize <= 0 {
		bufferSize = 1024
	}

	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Event, bufferSize),
		logger:  logger,
		metrics: m,
	}

	d.tomb.Go(d.run)
	return d
}

// Emit queues an event for delivery. Never blocks.
func (d *Dispatcher) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	select {
	case d.queue <- event:
	default:
		atomic.AddUint64(&d.dropped, 1)
		d.metrics.IncAuditDropped()
	}
}

// Dropped returns the number of events dropped so far
func (d *Dispatcher) Dropped() uint64 {
	return atomic.LoadUint64(&d.dropped)
}

// Close drains remaining events and closes all sinks
func (d *Dispatcher) Close() error {
	d.tomb.Kill(nil)
	err := d.tomb.Wait()

	// Drain whatever is still queued before closing sinks
	for {
		select {
		case event := <-d.queue:
			d.write(event)
		default:
			for _, sink := range d.sinks {
				if cerr := sink.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}
			return err
		}
	}
}

func (d *Dispatcher) run() error {
	for {
		select {
		case event := <-d.queue:
			d.write(event)
		case <-d.tomb.Dying():
			return nil
		}
	}
}

func (d *Dispatcher) write(event Event) {
	for _, sink := range d.sinks {
		if err := sink.Write(event); err != nil {
			// Sink failures are swallowed and logged locally, never
			// propagated to callers
			d.logger.WithFields(log.Fields{
				"event_type": event.Type,
				"error":      err,
			}).Warn("Audit sink write failed")
		}
	}
}

// LogSink writes audit events to a logrus logger
type LogSink struct {
	logger *log.Logger
}

// NewLogSink creates a logger-backed sink
func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LogSink{logger: logger}
}

// Write implements Sink
func (s *LogSink) Write(event Event) error {
	fields := log.Fields{
		"event_type": string(event.Type),
		"severity":   string(event.Severity),
	}
	for k, v := range event.SubjectIDs {
		fields[k] = v
	}
	for k, v := range event.Details {
		fields[k] = v
	}

	entry := s.logger.WithFields(fields)
	switch event.Severity {
	case SeverityCritical, SeverityError:
		entry.Error("audit")
	case SeverityWarning:
		entry.Warn("audit")
	default:
		entry.Info("audit")
	}
	return nil
}

// Close implements Sink
func (s *LogSink) Close() error { return nil }
