package recon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"yt-librarian/internal/fetcher"
	"yt-librarian/internal/models"
)

// Lister is the metadata-only listing mode of the fetch tool.
type Lister interface {
	Listing(ctx context.Context, remoteURL string) ([]fetcher.ListingEntry, error)
}

// CompletedSource is the reconciliation baseline from the persistent store.
type CompletedSource interface {
	CompletedIDs(subscriptionID int) ([]string, error)
}

// SubscriptionDiff is the new-work set for one subscription. Err is set when
// the listing fetch failed; the subscription then counts as zero new items
// for ordering and the error is surfaced after the whole pass.
type SubscriptionDiff struct {
	Subscription models.Subscription
	Listed       int
	NewItems     []fetcher.ListingEntry
	Err          error
}

// Engine computes new-work sets by diffing remote listings against
// persisted completed-item state.
type Engine struct {
	completed CompletedSource
	lister    Lister
	parallel  int
	// orderByBacklog schedules subscriptions with small backlogs first so
	// they are not starved behind a large one. Fairness policy, not a
	// correctness requirement.
	orderByBacklog bool
}

func NewEngine(completed CompletedSource, lister Lister, parallel int, orderByBacklog bool) *Engine {
	if parallel < 1 {
		parallel = 1
	}
	return &Engine{
		completed:      completed,
		lister:         lister,
		parallel:       parallel,
		orderByBacklog: orderByBacklog,
	}
}

// Diff returns the remote entries not yet fully done for the subscription.
// An empty remote listing is not an error.
func (e *Engine) Diff(ctx context.Context, sub models.Subscription) ([]fetcher.ListingEntry, int, error) {
	listing, err := e.lister.Listing(ctx, sub.RemoteURL)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list %s: %w", sub.RemoteURL, err)
	}

	completed, err := e.completed.CompletedIDs(sub.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load completed ids for subscription %d: %w", sub.ID, err)
	}
	done := make(map[string]struct{}, len(completed))
	for _, id := range completed {
		done[id] = struct{}{}
	}

	var fresh []fetcher.ListingEntry
	for _, entry := range listing {
		if _, ok := done[entry.ID]; ok {
			continue
		}
		fresh = append(fresh, entry)
	}
	return fresh, len(listing), nil
}

// DiffAll diffs every subscription with bounded parallelism, then orders the
// results smallest backlog first (when enabled). A listing failure for one
// subscription never aborts the others; failures come back joined in the
// returned error alongside the per-subscription Err fields.
func (e *Engine) DiffAll(ctx context.Context, subs []models.Subscription) ([]SubscriptionDiff, error) {
	diffs := make([]SubscriptionDiff, len(subs))

	var wg sync.WaitGroup
	sem := make(chan struct{}, e.parallel)
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub models.Subscription) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			fresh, listed, err := e.Diff(ctx, sub)
			if err != nil {
				log.Printf("recon: subscription %d (%s): %v", sub.ID, sub.Title, err)
				diffs[i] = SubscriptionDiff{Subscription: sub, Err: err}
				return
			}
			diffs[i] = SubscriptionDiff{Subscription: sub, Listed: listed, NewItems: fresh}
		}(i, sub)
	}
	wg.Wait()

	if e.orderByBacklog {
		sort.SliceStable(diffs, func(a, b int) bool {
			return len(diffs[a].NewItems) < len(diffs[b].NewItems)
		})
	}

	var errs []error
	for _, d := range diffs {
		if d.Err != nil {
			errs = append(errs, fmt.Errorf("subscription %d: %w", d.Subscription.ID, d.Err))
		}
	}
	return diffs, errors.Join(errs...)
}
