// Package reconcile realigns the incremental usage counters with the
// true counts. The matters counter can drift under partial failures,
// so an idempotent sweep compares it against a recount and applies the
// difference.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"opsboard/api/internal/store"
)

type Store interface {
	ListOrganizationIDs(ctx context.Context) ([]string, error)
	CountMatters(ctx context.Context, orgID string) (int64, error)
	ReadUsage(ctx context.Context, orgID, kind string) (int64, error)
	AdjustUsage(ctx context.Context, q store.Querier, orgID, kind string, delta int64) error
}

type Reconciler struct {
	db    store.Querier
	store Store
}

func New(db store.Querier, dataStore Store) *Reconciler {
	return &Reconciler{db: db, store: dataStore}
}

// Run sweeps every organization once and returns how many counters
// were corrected. Applying the recount-minus-stored delta makes the
// sweep idempotent: a second pass right after finds nothing to fix.
func (r *Reconciler) Run(ctx context.Context) (int, error) {
	orgIDs, err := r.store.ListOrganizationIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list organizations: %w", err)
	}

	corrected := 0
	for _, orgID := range orgIDs {
		truth, err := r.store.CountMatters(ctx, orgID)
		if err != nil {
			return corrected, fmt.Errorf("recount matters for %s: %w", orgID, err)
		}
		stored, err := r.store.ReadUsage(ctx, orgID, "matters")
		if err != nil {
			return corrected, fmt.Errorf("read counter for %s: %w", orgID, err)
		}
		if truth == stored {
			continue
		}
		if err := r.store.AdjustUsage(ctx, r.db, orgID, "matters", truth-stored); err != nil {
			return corrected, fmt.Errorf("correct counter for %s: %w", orgID, err)
		}
		log.Printf("reconciled matters counter for %s: %d -> %d", orgID, stored, truth)
		corrected++
	}
	return corrected, nil
}

// RunPeriodic sweeps on an interval until the context is cancelled.
func (r *Reconciler) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil {
				log.Printf("usage reconciliation failed: %v", err)
			}
		}
	}
}
