// Package scheduler runs the background maintenance sweeps: session
// risk reassessment, session expiry and device trust refresh
package scheduler

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"github.com/dobrevit/zta-core/pkg/device"
	"github.com/dobrevit/zta-core/pkg/risk"
	"github.com/dobrevit/zta-core/pkg/session"
)

// Config holds the sweep intervals
type Config struct {
	ReassessInterval time.Duration `toml:"reassessInterval"`
	ExpiryInterval   time.Duration `toml:"expiryInterval"`
	DeviceInterval   time.Duration `toml:"deviceInterval"`
	SweepTimeout     time.Duration `toml:"sweepTimeout"`
}

// DefaultConfig returns the default sweep intervals
func DefaultConfig() Config {
	return Config{
		ReassessInterval: 5 * time.Minute,
		ExpiryInterval:   10 * time.Minute,
		DeviceInterval:   30 * time.Minute,
		SweepTimeout:     time.Minute,
	}
}

// Scheduler owns the maintenance goroutines. Start launches them under
// a single tomb; Stop kills the tomb and waits for the sweeps to
// finish their current iteration.
type Scheduler struct {
	config   Config
	sessions *session.Manager
	engine   *risk.Engine
	devices  *device.Evaluator
	logger   *log.Logger
	tomb     tomb.Tomb
}

// New creates a scheduler
func New(config Config, sessions *session.Manager, engine *risk.Engine, devices *device.Evaluator, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if config.ReassessInterval <= 0 {
		config.ReassessInterval = 5 * time.Minute
	}
	if config.ExpiryInterval <= 0 {
		config.ExpiryInterval = 10 * time.Minute
	}
	if config.DeviceInterval <= 0 {
		config.DeviceInterval = 30 * time.Minute
	}
	if config.SweepTimeout <= 0 {
		config.SweepTimeout = time.Minute
	}

	return &Scheduler{
		config:   config,
		sessions: sessions,
		engine:   engine,
		devices:  devices,
		logger:   logger,
	}
}

// Start launches the maintenance loops
func (s *Scheduler) Start() {
	s.tomb.Go(func() error { return s.loop(s.config.ReassessInterval, s.reassessSweep) })
	s.tomb.Go(func() error { return s.loop(s.config.ExpiryInterval, s.expirySweep) })
	s.tomb.Go(func() error { return s.loop(s.config.DeviceInterval, s.deviceSweep) })
}

// Stop shuts the maintenance loops down and waits for them
func (s *Scheduler) Stop() error {
	s.tomb.Kill(nil)
	return s.tomb.Wait()
}

func (s *Scheduler) loop(interval time.Duration, sweep func(ctx context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.SweepTimeout)
			sweep(ctx)
			cancel()
		case <-s.tomb.Dying():
			return nil
		}
	}
}

// reassessSweep re-scores active sessions, highest risk first, so the
// sessions most likely to need revocation are refreshed before the
// sweep budget runs out
func (s *Scheduler) reassessSweep(ctx context.Context) {
	active := s.sessions.ActiveSessions()

	ordered := make([]*session.Session, 0, len(active))
	for _, sess := range active {
		if sess.RiskLevel == risk.LevelHigh || sess.RiskLevel == risk.LevelCritical {
			ordered = append(ordered, sess)
		}
	}
	for _, sess := range active {
		if sess.RiskLevel != risk.LevelHigh && sess.RiskLevel != risk.LevelCritical {
			ordered = append(ordered, sess)
		}
	}

	reassessed := 0
	for _, sess := range ordered {
		if ctx.Err() != nil {
			break
		}
		assessment := s.engine.Assess(ctx, risk.SubjectSession, sess.ID)
		s.sessions.ApplyReassessment(sess.ID, assessment)
		reassessed++
	}

	if reassessed > 0 {
		s.logger.WithFields(log.Fields{
			"sessions": reassessed,
		}).Debug("Session risk reassessment sweep completed")
	}
}

func (s *Scheduler) expirySweep(ctx context.Context) {
	if expired := s.sessions.ExpireStale(); expired > 0 {
		s.logger.WithFields(log.Fields{
			"expired": expired,
		}).Info("Session expiry sweep completed")
	}
}

func (s *Scheduler) deviceSweep(ctx context.Context) {
	refreshed := 0
	for _, deviceID := range s.devices.StaleDeviceIDs() {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.devices.Reassess(ctx, deviceID); err != nil {
			s.logger.WithFields(log.Fields{
				"device_id": deviceID,
				"error":     err,
			}).Warn("Device trust refresh failed")
			continue
		}
		refreshed++
	}

	if refreshed > 0 {
		s.logger.WithFields(log.Fields{
			"devices": refreshed,
		}).Debug("Device trust refresh sweep completed")
	}
}
