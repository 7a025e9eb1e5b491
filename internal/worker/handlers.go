package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"yt-librarian/internal/dedup"
	"yt-librarian/internal/fetcher"
	"yt-librarian/internal/importer"
	"yt-librarian/internal/models"
	"yt-librarian/internal/queue"
	"yt-librarian/internal/recon"
	"yt-librarian/internal/staging"
	"yt-librarian/internal/store"
	"yt-librarian/pkg/tasks"
)

// Options are the fetch parameters shared by every launched download.
type Options struct {
	OutputDir     string
	SourceAddress string
	UserAgent     string
	CookieFile    string
	// SubscriptionWaitTimeout bounds how long one reconciliation pass waits
	// for the queue to drain before resolving regardless of outstanding
	// work. Default 30 minutes.
	SubscriptionWaitTimeout time.Duration
	// MinStagingConfidence gates staging-record promotion.
	MinStagingConfidence float64
}

// TaskHandler wires the reconciliation pipeline: diff -> duplicate
// resolution -> download queue -> import finalizer.
type TaskHandler struct {
	store     *store.Store
	engine    *recon.Engine
	resolver  *dedup.Resolver
	queue     *queue.Queue
	finalizer *importer.Finalizer
	staging   *staging.Importer
	opts      Options
}

func NewTaskHandler(st *store.Store, engine *recon.Engine, resolver *dedup.Resolver, q *queue.Queue, fin *importer.Finalizer, stg *staging.Importer, opts Options) *TaskHandler {
	if opts.SubscriptionWaitTimeout <= 0 {
		opts.SubscriptionWaitTimeout = 30 * time.Minute
	}
	if opts.MinStagingConfidence <= 0 {
		opts.MinStagingConfidence = 0.8
	}
	h := &TaskHandler{
		store:     st,
		engine:    engine,
		resolver:  resolver,
		queue:     q,
		finalizer: fin,
		staging:   stg,
		opts:      opts,
	}

	// The queue coordinator drives all store mutations for in-flight items.
	q.OnLaunch = func(it *queue.Item) {
		if err := st.MarkDownloading(it.RecordID); err != nil {
			log.Printf("worker: failed to mark item %d downloading: %v", it.RecordID, err)
		}
	}
	q.OnAttemptFailed = func(it *queue.Item, reason string) {
		if err := st.RecordFailure(it.RecordID, reason); err != nil {
			log.Printf("worker: failed to record failure for item %d: %v", it.RecordID, err)
		}
	}
	q.OnTerminal = func(it *queue.Item, res *fetcher.Result, fetchErr error) {
		if fetchErr != nil {
			if err := st.MarkTerminal(it.RecordID, store.StatusFailed, fetchErr.Error()); err != nil {
				log.Printf("worker: failed to mark item %d failed: %v", it.RecordID, err)
			}
			return
		}
		if err := st.MarkTerminal(it.RecordID, store.StatusCompleted, ""); err != nil {
			log.Printf("worker: failed to mark item %d completed: %v", it.RecordID, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := fin.Finalize(ctx, it.Subscription, it.RecordID, it.ExternalID, res); err != nil {
			log.Printf("worker: import of item %d failed, will retry without re-fetching: %v", it.RecordID, err)
		}
	}
	return h
}

func (h *TaskHandler) HandleCheckAllSubscriptionsTask(ctx context.Context, t *asynq.Task) error {
	log.Println("Reconciling all subscriptions...")

	subs, err := h.store.GetAutoFetchSubscriptions()
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	diffs, diffErr := h.engine.DiffAll(ctx, subs)
	enqueued := 0
	for _, d := range diffs {
		if d.Err != nil {
			continue
		}
		enqueued += h.enqueueDiff(ctx, d.Subscription, d.NewItems)
		if err := h.store.TouchSubscription(d.Subscription.ID, d.Listed); err != nil {
			log.Printf("worker: failed to touch subscription %d: %v", d.Subscription.ID, err)
		}
	}

	stats := h.drainQueue(ctx, enqueued)
	log.Printf("Reconciliation pass finished: total=%d completed=%d failed=%d cancelled=%d",
		stats.Total, stats.Completed, stats.Failed, stats.Cancelled)
	return diffErr
}

func (h *TaskHandler) HandleReconcileSubscriptionTask(ctx context.Context, t *asynq.Task) error {
	var p tasks.ReconcileSubscriptionTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	log.Printf("Reconciling subscription: %d", p.SubscriptionID)

	sub, err := h.store.GetSubscriptionByID(p.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to get subscription by id: %w", err)
	}

	fresh, listed, err := h.engine.Diff(ctx, *sub)
	if err != nil {
		return err
	}
	enqueued := h.enqueueDiff(ctx, *sub, fresh)
	if err := h.store.TouchSubscription(sub.ID, listed); err != nil {
		log.Printf("worker: failed to touch subscription %d: %v", sub.ID, err)
	}

	stats := h.drainQueue(ctx, enqueued)
	log.Printf("Subscription %d reconciled: enqueued=%d completed=%d failed=%d",
		sub.ID, enqueued, stats.Completed, stats.Failed)
	return nil
}

func (h *TaskHandler) HandleRetryImportsTask(ctx context.Context, t *asynq.Task) error {
	log.Println("Retrying pending imports...")
	return h.finalizer.RetryPending(ctx)
}

func (h *TaskHandler) HandleScanLibraryTask(ctx context.Context, t *asynq.Task) error {
	written, err := h.staging.ScanLibrary(ctx)
	if err != nil {
		log.Printf("worker: library scan finished with errors: %v", err)
	}
	promoted, discarded, merr := h.staging.Migrate(h.opts.MinStagingConfidence)
	log.Printf("Library scan: staged=%d promoted=%d discarded=%d", written, promoted, discarded)
	if merr != nil {
		return merr
	}
	return err
}

// enqueueDiff runs the duplicate resolver over the new-work set and hands
// survivors to the download queue. Errors local to one item never abort the
// batch.
func (h *TaskHandler) enqueueDiff(ctx context.Context, sub models.Subscription, entries []fetcher.ListingEntry) int {
	enqueued := 0
	for _, entry := range entries {
		res, err := h.resolver.Resolve(ctx, sub, entry.ID, entry.Title)
		if err != nil {
			// Resolver failure (e.g. library timeout) falls through to the
			// normal fetch path rather than dropping the item.
			log.Printf("worker: duplicate resolution for %s failed: %v", entry.ID, err)
		} else if res.Duplicate {
			continue
		}

		up, err := h.store.UpsertItem(sub.ID, entry.ID, entry.Title)
		if err != nil {
			log.Printf("worker: failed to upsert item %s: %v", entry.ID, err)
			continue
		}
		if up.Skipped {
			continue
		}
		if up.ImportOnly {
			// Fetched on an earlier pass but never linked: the artifact is
			// still on disk, so only the library handoff is repeated.
			if err := h.finalizer.Finalize(ctx, sub, up.ItemID, entry.ID, &fetcher.Result{ID: entry.ID, Title: entry.Title}); err != nil {
				log.Printf("worker: import retry for item %d failed: %v", up.ItemID, err)
			}
			continue
		}

		remoteURL := entry.URL
		if remoteURL == "" {
			remoteURL = fmt.Sprintf("https://www.youtube.com/watch?v=%s", entry.ID)
		}
		added := h.queue.Enqueue(queue.Item{
			ExternalID:   entry.ID,
			RemoteURL:    remoteURL,
			Title:        entry.Title,
			RecordID:     up.ItemID,
			LockToken:    up.LockToken,
			Subscription: sub,
			Opts: fetcher.Options{
				Format:        sub.MediaFormat,
				OutputDir:     h.opts.OutputDir,
				SourceAddress: h.opts.SourceAddress,
				UserAgent:     h.opts.UserAgent,
				CookieFile:    h.opts.CookieFile,
			},
		})
		if !added {
			// Already queued under another subscription's pass; release the
			// lease so the queued attempt's completion wins.
			if err := h.store.ReleaseLock(up.ItemID); err != nil {
				log.Printf("worker: failed to release lock for item %d: %v", up.ItemID, err)
			}
			continue
		}
		enqueued++
	}
	return enqueued
}

func (h *TaskHandler) drainQueue(ctx context.Context, enqueued int) queue.Stats {
	h.queue.Start()
	if enqueued == 0 {
		return h.queue.Stats()
	}
	waitCtx, cancel := context.WithTimeout(ctx, h.opts.SubscriptionWaitTimeout)
	defer cancel()
	stats, err := h.queue.Wait(waitCtx)
	if err != nil {
		log.Printf("worker: queue wait resolved early: %v", err)
	}
	return stats
}
