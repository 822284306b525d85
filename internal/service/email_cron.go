package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"spsh/backend/internal/config"
	"spsh/backend/internal/events"
	"spsh/backend/internal/storage"
)

// PersonEvaluator re-runs the e-mail decision for a person. *EmailEventHandler implements it.
type PersonEvaluator interface {
	HandlePerson(ctx context.Context, personID string) error
}

// deferredRetrier re-runs evaluations that were skipped while the person was held.
// *EmailEventHandler implements it.
type deferredRetrier interface {
	RetryDeferred(ctx context.Context) int
}

// EmailCronService runs the purge and self-healing sweeps.
type EmailCronService struct {
	store     storage.Store
	evaluator PersonEvaluator
	publisher events.Publisher
	cfg       config.EmailConfig
	logger    *zap.Logger
}

// NewEmailCronService creates the sweeps.
func NewEmailCronService(store storage.Store, evaluator PersonEvaluator, publisher events.Publisher, cfg config.EmailConfig, logger *zap.Logger) *EmailCronService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmailCronService{
		store:     store,
		evaluator: evaluator,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.Named("email-cron"),
	}
}

// PurgeMarkedAddresses removes addresses whose purge marker is older than the grace period.
// Addresses known to OX are handed to the OX handler, the rest are deleted here.
func (s *EmailCronService) PurgeMarkedAddresses(ctx context.Context, now time.Time) (int, error) {
	addresses, err := s.store.FindMarkedForPurge(ctx, now.Add(-s.cfg.PurgeGracePeriod))
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, a := range addresses {
		if a.OxUserID != nil && *a.OxUserID != "" {
			username := ""
			if p, err := s.store.FindPersonByID(ctx, a.PersonID); err == nil {
				username = p.Username
			}
			s.publisher.Publish(ctx, events.EmailAddressMarkedForDeletionEvent{
				PersonID:       a.PersonID,
				Username:       username,
				EmailAddressID: a.ID,
				Address:        a.Address,
				OxUserID:       *a.OxUserID,
			})
			purged++
			continue
		}
		if err := s.store.DeleteEmailAddress(ctx, a.ID); err != nil {
			s.logger.Error("could not delete email address", zap.String("address", a.Address), zap.Error(err))
			continue
		}
		purged++
	}
	return purged, nil
}

// RetryFailedAddresses re-evaluates every person whose primary address failed before the retry cutoff.
func (s *EmailCronService) RetryFailedAddresses(ctx context.Context, now time.Time) (int, error) {
	failed, err := s.store.FindFailedPrimary(ctx, now.Add(-s.cfg.RetryAfter))
	if err != nil {
		return 0, err
	}

	seen := make(map[string]struct{}, len(failed))
	retried := 0
	for _, a := range failed {
		if _, ok := seen[a.PersonID]; ok {
			continue
		}
		seen[a.PersonID] = struct{}{}

		if err := s.evaluator.HandlePerson(ctx, a.PersonID); err != nil {
			s.logger.Warn("retry of failed address incomplete",
				zap.String("personId", a.PersonID),
				zap.String("address", a.Address),
				zap.Error(err))
			continue
		}
		retried++
	}
	return retried, nil
}

// FailStalePending fails PENDING addresses older than the lock TTL. Such a record
// outlived the provisioning run that created it and would block the person forever.
func (s *EmailCronService) FailStalePending(ctx context.Context, now time.Time) (int, error) {
	ttl := s.cfg.LockTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	stale, err := s.store.FindPendingBefore(ctx, now.Add(-ttl))
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, a := range stale {
		a.Fail()
		if err := s.store.SaveEmailAddress(ctx, a); err != nil {
			s.logger.Error("could not fail stale pending address", zap.String("address", a.Address), zap.Error(err))
			continue
		}
		s.logger.Warn("stale pending address failed",
			zap.String("personId", a.PersonID),
			zap.String("address", a.Address))
		failed++
	}
	return failed, nil
}

// RunOnce runs every sweep. Stale PENDING records are failed first so the
// retry and deferred evaluations are not blocked by them.
func (s *EmailCronService) RunOnce(ctx context.Context, now time.Time) {
	stale, err := s.FailStalePending(ctx, now)
	if err != nil {
		s.logger.Error("failed to clear stale pending email addresses", zap.Error(err))
	} else if stale > 0 {
		s.logger.Info("stale pending email addresses failed", zap.Int("count", stale))
	}

	if r, ok := s.evaluator.(deferredRetrier); ok {
		if n := r.RetryDeferred(ctx); n > 0 {
			s.logger.Info("deferred email evaluations completed", zap.Int("count", n))
		}
	}

	purged, err := s.PurgeMarkedAddresses(ctx, now)
	if err != nil {
		s.logger.Error("failed to purge marked email addresses", zap.Error(err))
	} else if purged > 0 {
		s.logger.Info("marked email addresses purged", zap.Int("count", purged))
	}

	retried, err := s.RetryFailedAddresses(ctx, now)
	if err != nil {
		s.logger.Error("failed to retry failed email addresses", zap.Error(err))
	} else if retried > 0 {
		s.logger.Info("failed email addresses retried", zap.Int("count", retried))
	}
}

// Run executes the sweeps every interval until ctx is done.
func (s *EmailCronService) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("starting email cron", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("email cron stopped")
			return
		case now := <-ticker.C:
			s.RunOnce(ctx, now)
		}
	}
}
