package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/multierr"

	"github.com/angelmondragon/packfinderz-donations/internal/donations"
	"github.com/angelmondragon/packfinderz-donations/pkg/db/models"
	"github.com/angelmondragon/packfinderz-donations/pkg/logger"
)

const (
	defaultReconcileLookback = time.Hour
	defaultReconcileLimit    = 200
	defaultReconcileWorkers  = 8
)

type donationReconciler interface {
	ReconcileReference(ctx context.Context, externalReference string) (*models.Donation, error)
	StaleReferences(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)
}

// DonationReconcileJobParams configure the ledger catch-up job.
type DonationReconcileJobParams struct {
	Logger     *logger.Logger
	Reconciler donationReconciler
	Gaps       donations.GapRecorder
	Metrics    itemCounter
	Lookback   time.Duration
	Limit      int
	Workers    int
}

// NewDonationReconcileJob re-reads the gateway for references whose outcome never
// reached the ledger and for unsettled donations older than the lookback.
func NewDonationReconcileJob(params DonationReconcileJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Reconciler == nil {
		return nil, fmt.Errorf("reconciler required")
	}
	if params.Gaps == nil {
		return nil, fmt.Errorf("gap recorder required")
	}
	lookback := params.Lookback
	if lookback <= 0 {
		lookback = defaultReconcileLookback
	}
	limit := params.Limit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	workers := params.Workers
	if workers <= 0 {
		workers = defaultReconcileWorkers
	}
	return &donationReconcileJob{
		logg:       params.Logger,
		reconciler: params.Reconciler,
		gaps:       params.Gaps,
		metrics:    params.Metrics,
		lookback:   lookback,
		limit:      limit,
		workers:    workers,
	}, nil
}

type donationReconcileJob struct {
	logg       *logger.Logger
	reconciler donationReconciler
	gaps       donations.GapRecorder
	metrics    itemCounter
	lookback   time.Duration
	limit      int
	workers    int
}

type reconcileTally struct {
	mu         sync.Mutex
	reconciled []string
	orphaned   int
	failed     int
	err        error
}

func (j *donationReconcileJob) Name() string { return "donation-reconcile" }

func (j *donationReconcileJob) Run(ctx context.Context) error {
	gapRefs, err := j.gaps.Pending(ctx)
	if err != nil {
		return fmt.Errorf("load reconcile gaps: %w", err)
	}
	staleRefs, err := j.reconciler.StaleReferences(ctx, j.lookback, j.limit)
	if err != nil {
		return fmt.Errorf("list stale donations: %w", err)
	}
	refs := mergeReferences(gapRefs, staleRefs)
	if len(refs) == 0 {
		return nil
	}

	pool, err := ants.NewPool(j.workers)
	if err != nil {
		return fmt.Errorf("reconcile pool: %w", err)
	}
	defer pool.Release()

	tally := &reconcileTally{}
	var wg sync.WaitGroup
	for _, ref := range refs {
		if ctx.Err() != nil {
			tally.mu.Lock()
			tally.err = multierr.Append(tally.err, ctx.Err())
			tally.mu.Unlock()
			break
		}
		reference := ref
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			j.reconcileOne(ctx, reference, tally)
		}); err != nil {
			wg.Done()
			tally.record(reference, fmt.Errorf("submit %s: %w", reference, err))
		}
	}
	wg.Wait()

	if len(tally.reconciled) > 0 {
		if err := j.gaps.Clear(ctx, tally.reconciled...); err != nil {
			tally.err = multierr.Append(tally.err, fmt.Errorf("clear reconcile gaps: %w", err))
		}
	}
	if j.metrics != nil {
		j.metrics.AddItems(j.Name(), "reconciled", len(tally.reconciled))
		j.metrics.AddItems(j.Name(), "orphaned", tally.orphaned)
		j.metrics.AddItems(j.Name(), "failed", tally.failed)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"gap_references":   len(gapRefs),
		"stale_references": len(staleRefs),
		"reconciled":       len(tally.reconciled),
		"orphaned":         tally.orphaned,
		"failed":           tally.failed,
	}), "donation reconcile pass complete")
	return tally.err
}

func (j *donationReconcileJob) reconcileOne(ctx context.Context, reference string, tally *reconcileTally) {
	_, err := j.reconciler.ReconcileReference(ctx, reference)
	var orphan *donations.OrphanedReferenceError
	if errors.As(err, &orphan) {
		j.logg.Warn(j.logg.WithReference(ctx, reference), "gateway reference still has no ledger row")
		tally.mu.Lock()
		tally.orphaned++
		tally.mu.Unlock()
		return
	}
	tally.record(reference, err)
}

func (t *reconcileTally) record(reference string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.failed++
		t.err = multierr.Append(t.err, fmt.Errorf("reconcile %s: %w", reference, err))
		return
	}
	t.reconciled = append(t.reconciled, reference)
}

func mergeReferences(lists ...[]string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, list := range lists {
		for _, ref := range list {
			if ref == "" {
				continue
			}
			if _, ok := seen[ref]; ok {
				continue
			}
			seen[ref] = struct{}{}
			out = append(out, ref)
		}
	}
	return out
}
