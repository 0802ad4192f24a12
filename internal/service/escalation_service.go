package service

import (
	"context"
	"time"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/apperrors"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/logger"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/repository"
)

// SweepStats summarizes one escalation sweep.
type SweepStats struct {
	Scanned   int
	Escalated int
	Skipped   int
	Failed    int
}

// EscalationService periodically scans pending requests whose current level
// has outlived its SLA deadline and applies the level's escalation policy.
// Each request is processed under a short lease so overlapping sweeps (or
// replicas) do not double-handle it, and the per-level escalation trail makes
// the sweep idempotent: a level that already escalated since it was entered
// is skipped until its clock resets.
type EscalationService struct {
	requests    RequestStore
	escalations EscalationStore
	approvals   *ApprovalService
	lease       Lease
	log         *logger.Logger

	sweepInterval time.Duration
	batchTimeout  time.Duration
	batchSize     int

	now func() time.Time
}

// NewEscalationService creates the scheduler.
func NewEscalationService(
	requests RequestStore,
	escalations EscalationStore,
	approvals *ApprovalService,
	lease Lease,
	sweepInterval, batchTimeout time.Duration,
	batchSize int,
	log *logger.Logger,
) *EscalationService {
	return &EscalationService{
		requests:      requests,
		escalations:   escalations,
		approvals:     approvals,
		lease:         lease,
		log:           log,
		sweepInterval: sweepInterval,
		batchTimeout:  batchTimeout,
		batchSize:     batchSize,
		now:           time.Now,
	}
}

// Start runs the sweep loop until the context is cancelled. An immediate
// first sweep runs on startup so a restarted instance catches up without
// waiting a full interval.
func (s *EscalationService) Start(ctx context.Context) {
	s.log.Info().
		Dur("interval", s.sweepInterval).
		Int("batch_size", s.batchSize).
		Msg("Escalation scheduler started")

	s.runSweep(ctx)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Escalation scheduler stopped")
			return
		case <-ticker.C:
			s.runSweep(ctx)
		}
	}
}

func (s *EscalationService) runSweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, s.batchTimeout)
	defer cancel()

	stats, err := s.Sweep(sweepCtx)
	if err != nil {
		s.log.Error().Err(err).Msg("Escalation sweep failed")
		return
	}
	if stats.Scanned > 0 {
		s.log.Info().
			Int("scanned", stats.Scanned).
			Int("escalated", stats.Escalated).
			Int("skipped", stats.Skipped).
			Int("failed", stats.Failed).
			Msg("Escalation sweep completed")
	}
}

// Sweep processes one batch of breached requests. One request's failure never
// stops the batch; the request is retried on the next sweep.
func (s *EscalationService) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	now := s.now()
	breached, err := s.requests.ListPendingBreached(ctx, now, s.batchSize)
	if err != nil {
		return stats, apperrors.Wrap(err, apperrors.ErrCodeInternal, "listing breached requests")
	}
	stats.Scanned = len(breached)

	for _, req := range breached {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		handled, err := s.escalateOne(ctx, req)
		switch {
		case err != nil:
			stats.Failed++
			s.log.Error().Err(err).
				Str("request_id", req.ID).
				Int("level", req.CurrentLevel).
				Msg("Escalation failed")
		case handled:
			stats.Escalated++
		default:
			stats.Skipped++
		}
	}

	return stats, nil
}

// escalateOne handles a single breached request. Returns false without error
// when the request was skipped: lease held elsewhere, already escalated for
// this level, or lost the race to a human action.
func (s *EscalationService) escalateOne(ctx context.Context, req *repository.ApprovalRequest) (bool, error) {
	acquired, err := s.lease.Acquire(ctx, req.ID)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "acquiring escalation lease")
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		if err := s.lease.Release(ctx, req.ID); err != nil {
			s.log.Warn().Err(err).Str("request_id", req.ID).Msg("Failed to release escalation lease")
		}
	}()

	// Idempotence per level occupancy: an escalation recorded since the level
	// clock last started means this breach was already handled. Reassignment
	// resets the clock, so a re-breached level escalates again.
	done, err := s.escalations.ExistsSince(ctx, req.ID, req.CurrentLevel, req.LevelEnteredAt)
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	if _, err := s.approvals.EscalateRequest(ctx, req); err != nil {
		// A human action landing between the scan and the transition guard is
		// normal operation, not a failure.
		if apperrors.IsCode(err, apperrors.ErrCodeConflict) || apperrors.IsCode(err, apperrors.ErrCodeClosed) {
			s.log.Debug().
				Str("request_id", req.ID).
				Int("level", req.CurrentLevel).
				Msg("Escalation lost race to concurrent action")
			return false, nil
		}
		return false, err
	}

	s.log.Info().
		Str("request_id", req.ID).
		Int("level", req.CurrentLevel).
		Time("deadline", req.LevelDeadline).
		Msg("Request escalated")
	return true, nil
}
