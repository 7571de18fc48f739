// Package sched runs periodic maintenance sweeps: mute-rule expiry, stale
// device token reaping, prekey pool audits and cache cleanup. Missed-call
// timers are owned by the call service, not by cron.
package sched

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/axiona25/securechat-sub000/internal/bus"
	"github.com/axiona25/securechat-sub000/internal/push"
	"github.com/axiona25/securechat-sub000/internal/store"
)

const (
	// lowPrekeyThreshold is the pool size below which clients get nudged to
	// replenish.
	lowPrekeyThreshold = 10

	// staleTokenAge matches FCM's guidance on token freshness.
	staleTokenAge = 90 * 24 * time.Hour

	jobTimeout = 2 * time.Minute
)

// Scheduler owns the cron runner and its jobs.
type Scheduler struct {
	store  *store.Store
	bus    *bus.Bus
	push   *push.Dispatcher
	logger zerolog.Logger
	cron   *cron.Cron
}

// New builds the scheduler. Call Start to register and run the jobs.
func New(st *store.Store, b *bus.Bus, d *push.Dispatcher, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:  st,
		bus:    b,
		push:   d,
		logger: logger.With().Str("component", "sched").Logger(),
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DiscardLogger),
			cron.Recover(cron.DiscardLogger),
		)),
	}
}

// Start registers all jobs and launches the runner. Minute offsets stagger
// the jobs so a fleet restarted together does not sweep in lockstep.
func (s *Scheduler) Start() error {
	jobs := []struct {
		spec string
		name string
		run  func(context.Context)
	}{
		{"3-59/10 * * * *", "mute_rule_expiry", s.purgeMuteRules},
		{"7-59/15 * * * *", "throttle_sweep", s.sweepThrottle},
		{"41 * * * *", "low_prekey_audit", s.auditLowPrekeys},
		{"11 2 * * *", "blacklist_purge", s.purgeBlacklist},
		{"17 3 * * *", "stale_token_reap", s.reapStaleTokens},
		{"29 4 * * *", "signed_prekey_audit", s.auditSignedPrekeys},
	}
	for _, j := range jobs {
		j := j
		if _, err := s.cron.AddFunc(j.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			j.run(ctx)
		}); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.logger.Info().Int("jobs", len(jobs)).Msg("maintenance scheduler started")
	return nil
}

// Stop halts the runner and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) purgeMuteRules(ctx context.Context) {
	n, err := s.store.PurgeExpiredMuteRules(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("mute rule purge failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("purged", n).Msg("expired mute rules removed")
	}
}

func (s *Scheduler) sweepThrottle(context.Context) {
	s.push.SweepThrottle()
}

func (s *Scheduler) purgeBlacklist(ctx context.Context) {
	n, err := s.store.PurgeExpiredBlacklist(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("blacklist purge failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("purged", n).Msg("expired refresh blacklist entries removed")
	}
}

func (s *Scheduler) reapStaleTokens(ctx context.Context) {
	n, err := s.store.DeactivateStaleDeviceTokens(ctx, staleTokenAge)
	if err != nil {
		s.logger.Error().Err(err).Msg("stale token reap failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("reaped", n).Msg("stale device tokens deactivated")
	}
}

// auditLowPrekeys nudges users whose one-time prekey pool is running low so
// their clients replenish before fetches start going without.
func (s *Scheduler) auditLowPrekeys(ctx context.Context) {
	ids, err := s.store.LowPrekeyUsers(ctx, lowPrekeyThreshold)
	if err != nil {
		s.logger.Error().Err(err).Msg("low prekey audit failed")
		return
	}
	for _, id := range ids {
		s.raiseAlert(ctx, id, "prekey_low", "low", map[string]any{
			"threshold": lowPrekeyThreshold,
		})
	}
}

func (s *Scheduler) auditSignedPrekeys(ctx context.Context) {
	ids, err := s.store.StaleSignedPrekeyUsers(ctx, store.SignedPrekeyMaxAge)
	if err != nil {
		s.logger.Error().Err(err).Msg("signed prekey audit failed")
		return
	}
	for _, id := range ids {
		s.raiseAlert(ctx, id, "signed_prekey_stale", "low", map[string]any{
			"max_age_hours": int(store.SignedPrekeyMaxAge.Hours()),
		})
	}
}

// raiseAlert persists a low-severity maintenance alert and fans it out to the
// user's personal topic. Unlike interactive security alerts, sweep alerts do
// not push; the next app open picks them up.
func (s *Scheduler) raiseAlert(ctx context.Context, userID int64, alertType, severity string, metadata map[string]any) {
	raw, err := json.Marshal(metadata)
	if err != nil {
		raw = []byte("{}")
	}
	alert := &store.SecurityAlert{
		ID:        uuid.New(),
		UserID:    userID,
		AlertType: alertType,
		Severity:  severity,
		Metadata:  raw,
	}
	if err := s.store.InsertSecurityAlert(ctx, alert); err != nil {
		s.logger.Error().Err(err).Str("type", alertType).Msg("alert persist failed")
		return
	}
	s.bus.Publish(bus.UserTopic(userID), bus.Event{
		Type: bus.EventSecurityAlert,
		Data: map[string]any{
			"alert_id": alert.ID.String(),
			"type":     alertType,
			"severity": severity,
			"metadata": metadata,
		},
	})
}
