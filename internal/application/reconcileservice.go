package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/ledgerkeep/internal/domain/model"
	"github.com/ericfisherdev/ledgerkeep/internal/domain/port/driven"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	MarkedStale    int // Pending attempts that timed out during this pass.
	Completed      int // account_created attempts whose credential was found.
	Orphaned       int // account_created attempts with no credential.
	Pending        int
	AwaitingCommit int // Recent account_created attempts still in flight.
	Unresolved     int // Orphaned or stale attempts awaiting an operator.
}

// ErrReconcilerStopped is returned by Trigger once Start has returned.
var ErrReconcilerStopped = errors.New("reconciler stopped")

// triggerRequest represents a manual reconciliation trigger.
type triggerRequest struct {
	done chan triggerResult
}

type triggerResult struct {
	report ReconcileReport
	err    error
}

// ReconcileService periodically scans the provisioning journal for attempts
// that never finished and surfaces ledger accounts without credentials.
type ReconcileService struct {
	journal    driven.ProvisioningJournal
	store      driven.CredentialStore
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
	triggerCh  chan triggerRequest
	stopped    chan struct{}
}

// NewReconcileService creates a new ReconcileService with all required dependencies.
func NewReconcileService(
	journal driven.ProvisioningJournal,
	store driven.CredentialStore,
	interval time.Duration,
	staleAfter time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileService{
		journal:    journal,
		store:      store,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger,
		now:        time.Now,
		triggerCh:  make(chan triggerRequest),
		stopped:    make(chan struct{}),
	}
}

// Start runs an immediate pass, then scans on an interval that tightens while
// a backlog exists. It also serves manual triggers. Start blocks until the
// context is canceled and must be called at most once.
func (s *ReconcileService) Start(ctx context.Context) {
	defer close(s.stopped)
	tier := s.runLogged(ctx)

	timer := time.NewTimer(tierInterval(tier, s.interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconcile service stopped")
			return
		case <-timer.C:
			tier = s.runLogged(ctx)
			timer.Reset(tierInterval(tier, s.interval))
		case req := <-s.triggerCh:
			report, err := s.RunOnce(ctx)
			req.done <- triggerResult{report: report, err: err}
		}
	}
}

// Trigger asks a running Start loop for an immediate pass and waits for its
// report.
func (s *ReconcileService) Trigger(ctx context.Context) (ReconcileReport, error) {
	req := triggerRequest{done: make(chan triggerResult, 1)}

	select {
	case s.triggerCh <- req:
	case <-s.stopped:
		return ReconcileReport{}, ErrReconcilerStopped
	case <-ctx.Done():
		return ReconcileReport{}, ctx.Err()
	}

	select {
	case res := <-req.done:
		return res.report, res.err
	case <-ctx.Done():
		return ReconcileReport{}, ctx.Err()
	}
}

func (s *ReconcileService) runLogged(ctx context.Context) BacklogTier {
	start := s.now()
	report, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("reconcile pass failed", "error", err)
		return TierBacklog
	}

	tier := classifyBacklog(report)
	s.logger.Info("reconcile pass complete",
		"marked_stale", report.MarkedStale,
		"completed", report.Completed,
		"orphaned", report.Orphaned,
		"pending", report.Pending,
		"unresolved", report.Unresolved,
		"tier", tier.String(),
		"duration", s.now().Sub(start).Round(time.Millisecond),
	)
	return tier
}

// RunOnce performs a single reconciliation pass.
func (s *ReconcileService) RunOnce(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	cutoff := s.now().Add(-s.staleAfter)

	stale, err := s.journal.MarkStale(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("mark stale attempts: %w", err)
	}
	report.MarkedStale = len(stale)
	for _, a := range stale {
		s.logger.Warn("provisioning attempt went stale; ledger outcome unknown",
			"identity", a.Identity, "attempt_id", a.ID, "started_at", a.CreatedAt)
	}

	created, err := s.journal.List(ctx, model.AttemptStateAccountCreated)
	if err != nil {
		return report, fmt.Errorf("list uncommitted attempts: %w", err)
	}
	for _, a := range created {
		if a.UpdatedAt.After(cutoff) {
			report.AwaitingCommit++
			continue
		}
		if err := s.settleCreated(ctx, a, &report); err != nil {
			return report, err
		}
	}

	pending, err := s.journal.List(ctx, model.AttemptStatePending)
	if err != nil {
		return report, fmt.Errorf("list pending attempts: %w", err)
	}
	report.Pending = len(pending)

	unresolved, err := s.journal.List(ctx, model.AttemptStateOrphaned, model.AttemptStateStale)
	if err != nil {
		return report, fmt.Errorf("list unresolved attempts: %w", err)
	}
	report.Unresolved = len(unresolved)
	for _, a := range unresolved {
		s.logger.Warn("unresolved provisioning attempt",
			"identity", a.Identity,
			"attempt_id", a.ID,
			"state", a.State,
			"account_id", a.LedgerAccountID,
			"reason", a.Reason,
		)
	}

	return report, nil
}

// settleCreated completes an account_created attempt whose credential exists
// and orphans it otherwise.
func (s *ReconcileService) settleCreated(ctx context.Context, a model.ProvisioningAttempt, report *ReconcileReport) error {
	cred, err := s.store.FindByAccountID(ctx, a.LedgerAccountID)
	if err != nil {
		return fmt.Errorf("look up credential for account %s: %w", a.LedgerAccountID, err)
	}

	if cred != nil && cred.Identity == a.Identity {
		if err := s.journal.Complete(ctx, a.ID); err != nil {
			return fmt.Errorf("complete attempt %s: %w", a.ID, err)
		}
		report.Completed++
		return nil
	}

	if err := s.journal.MarkOrphaned(ctx, a.ID, "no credential committed for ledger account"); err != nil {
		return fmt.Errorf("orphan attempt %s: %w", a.ID, err)
	}
	report.Orphaned++
	s.logger.Error("ledger account has no credential",
		"identity", a.Identity, "attempt_id", a.ID, "account_id", a.LedgerAccountID)
	return nil
}
