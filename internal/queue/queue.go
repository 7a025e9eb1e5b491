package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"yt-librarian/internal/fetcher"
	"yt-librarian/internal/models"
)

// Status is the per-item scheduling state. Failed items with remaining
// retry budget transition back to pending; cancelled is reachable from
// pending or downloading via explicit removal or queue shutdown.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Item is one unit of scheduled work, derived from a persisted item record
// plus its subscription's fetch settings. Ephemeral: it never outlives the
// process.
type Item struct {
	ExternalID   string
	RemoteURL    string
	Title        string
	RecordID     int64
	LockToken    string
	Subscription models.Subscription
	Opts         fetcher.Options

	Status   Status
	Progress float64
	Retries  int
	LastErr  string

	lastBucket int
}

// Stats are the aggregate counters reported with every event.
type Stats struct {
	Total     int
	Pending   int
	Active    int
	Completed int
	Failed    int
	Cancelled int
}

type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
	EventDrained   EventType = "drained"
)

// Event is a lifecycle notification republished by the scheduler.
type Event struct {
	Type       EventType
	ExternalID string
	Progress   float64
	Err        string
	Stats      Stats
}

// Fetcher runs one external fetch process to completion.
type Fetcher interface {
	Fetch(ctx context.Context, remoteURL string, opts fetcher.Options, onProgress func(fetcher.Progress)) (*fetcher.Result, error)
}

// Config holds the scheduling parameters.
type Config struct {
	MaxConcurrent int
	MaxRetries    int
	RateLimitKBps int
	// LaunchInterval is the brief yield between process starts.
	LaunchInterval time.Duration
	PollInterval   time.Duration
}

type completion struct {
	item   *Item
	result *fetcher.Result
	err    error
}

// Queue is the download scheduler: a single coordinating goroutine selects
// eligible items, launches bounded-parallel external fetches and folds
// completion events back into shared state. All item mutations happen under
// one mutex held only by the coordinator and the progress callback.
type Queue struct {
	mu      sync.Mutex
	items   []*Item
	index   map[string]*Item
	cancels map[string]context.CancelFunc

	maxConcurrent int
	maxRetries    int
	rateLimitKBps int
	pollInterval  time.Duration
	launchLimiter *rate.Limiter

	fetch Fetcher

	// OnLaunch fires before each process start (lease renewal).
	OnLaunch func(*Item)
	// OnAttemptFailed fires on a retryable failure (reason persistence).
	OnAttemptFailed func(*Item, string)
	// OnTerminal fires once per item on completed or permanently failed.
	OnTerminal func(*Item, *fetcher.Result, error)

	events  chan Event
	wake    chan struct{}
	waiters []chan Stats

	active    int
	total     int
	running   bool
	drained   bool
	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(fetch Fetcher, cfg Config) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	cfg.MaxConcurrent = clampConcurrent(cfg.MaxConcurrent)
	if cfg.LaunchInterval <= 0 {
		cfg.LaunchInterval = 500 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Queue{
		index:         make(map[string]*Item),
		cancels:       make(map[string]context.CancelFunc),
		maxConcurrent: cfg.MaxConcurrent,
		maxRetries:    cfg.MaxRetries,
		rateLimitKBps: cfg.RateLimitKBps,
		pollInterval:  cfg.PollInterval,
		launchLimiter: rate.NewLimiter(rate.Every(cfg.LaunchInterval), 1),
		fetch:         fetch,
		events:        make(chan Event, 64),
		wake:          make(chan struct{}, 1),
	}
}

func clampConcurrent(n int) int {
	if n < 1 {
		return 1
	}
	if n > 10 {
		return 10
	}
	return n
}

// Events exposes the lifecycle event stream. Events are dropped rather than
// blocking the coordinator when nobody is draining the channel.
func (q *Queue) Events() <-chan Event {
	return q.events
}

// Enqueue appends a work item unless one with the same external id is
// already present. Returns whether the item was added.
func (q *Queue) Enqueue(it Item) bool {
	q.mu.Lock()
	if _, ok := q.index[it.ExternalID]; ok {
		q.mu.Unlock()
		return false
	}
	item := it
	item.Status = StatusPending
	item.lastBucket = -1
	q.items = append(q.items, &item)
	q.index[item.ExternalID] = &item
	q.total++
	q.drained = false
	q.mu.Unlock()
	q.wakeUp()
	return true
}

// SetMaxConcurrent changes the concurrency bound for future scheduling
// decisions; in-flight fetches are not restarted.
func (q *Queue) SetMaxConcurrent(n int) {
	q.mu.Lock()
	q.maxConcurrent = clampConcurrent(n)
	q.mu.Unlock()
	q.wakeUp()
}

// SetRateLimit changes the per-process rate limit for future launches.
func (q *Queue) SetRateLimit(kbps int) {
	q.mu.Lock()
	q.rateLimitKBps = kbps
	q.mu.Unlock()
}

// Start launches the scheduling loop if it is not already running. Each run
// gets its own completions channel, so a killed fetch from a previous run
// can never complete an item that was relaunched after a restart.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.drained = false
	q.runCtx, q.runCancel = context.WithCancel(context.Background())
	runCtx := q.runCtx
	completions := make(chan completion, 16)
	q.mu.Unlock()
	go q.run(runCtx, completions)
}

// Stop kills every active external process and halts scheduling without
// clearing queue contents. In-flight items return to pending, without
// consuming retry budget, and resume on the next Start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel := q.runCancel
	for id, c := range q.cancels {
		c()
		delete(q.cancels, id)
	}
	for _, it := range q.items {
		if it.Status == StatusDownloading {
			it.Status = StatusPending
		}
	}
	q.active = 0
	waiters := q.waiters
	q.waiters = nil
	stats := q.statsLocked()
	q.mu.Unlock()

	cancel()
	for _, w := range waiters {
		w <- stats
		close(w)
	}
}

// Remove cancels one item. A downloading item's process is killed; a
// pending one is marked cancelled in place.
func (q *Queue) Remove(externalID string) {
	q.mu.Lock()
	it, ok := q.index[externalID]
	if !ok {
		q.mu.Unlock()
		return
	}
	switch it.Status {
	case StatusDownloading:
		if c, ok := q.cancels[externalID]; ok {
			c()
		}
	case StatusPending:
		it.Status = StatusCancelled
	}
	cancelled := it.Status == StatusCancelled
	stats := q.statsLocked()
	q.mu.Unlock()
	if cancelled {
		q.emit(Event{Type: EventCancelled, ExternalID: externalID, Stats: stats})
	}
}

// Clear drops every non-active item from the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	kept := q.items[:0]
	for _, it := range q.items {
		if it.Status == StatusDownloading {
			kept = append(kept, it)
			continue
		}
		delete(q.index, it.ExternalID)
		q.total--
	}
	q.items = kept
	q.mu.Unlock()
}

// Stats returns a snapshot of the aggregate counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

// Wait blocks until no eligible item remains and no process is active, or
// the context expires. The caller-level timeout is the backstop for a fetch
// process that never exits.
func (q *Queue) Wait(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	if !q.running || q.idleLocked() {
		stats := q.statsLocked()
		q.mu.Unlock()
		return stats, nil
	}
	ch := make(chan Stats, 1)
	q.waiters = append(q.waiters, ch)
	q.mu.Unlock()

	select {
	case stats := <-ch:
		return stats, nil
	case <-ctx.Done():
		return q.Stats(), ctx.Err()
	}
}

func (q *Queue) run(runCtx context.Context, completions chan completion) {
	for {
		q.launchEligible(runCtx, completions)

		q.mu.Lock()
		if q.idleLocked() && !q.drained {
			q.drained = true
			waiters := q.waiters
			q.waiters = nil
			stats := q.statsLocked()
			q.mu.Unlock()
			for _, w := range waiters {
				w <- stats
				close(w)
			}
			q.emit(Event{Type: EventDrained, Stats: stats})
		} else {
			q.mu.Unlock()
		}

		select {
		case c := <-completions:
			q.handleCompletion(c)
		case <-q.wake:
		case <-runCtx.Done():
			return
		case <-time.After(q.pollInterval):
		}
	}
}

// launchEligible starts pending items while capacity remains, yielding
// briefly between process starts to avoid a thundering herd.
func (q *Queue) launchEligible(runCtx context.Context, completions chan completion) {
	for {
		q.mu.Lock()
		if !q.running || q.active >= q.maxConcurrent {
			q.mu.Unlock()
			return
		}
		it := q.nextEligibleLocked()
		if it == nil {
			q.mu.Unlock()
			return
		}
		it.Status = StatusDownloading
		q.active++
		opts := it.Opts
		if q.rateLimitKBps > 0 {
			opts.RateLimitKBps = q.rateLimitKBps
		}
		ctx, cancel := context.WithCancel(runCtx)
		q.cancels[it.ExternalID] = cancel
		q.mu.Unlock()

		if q.OnLaunch != nil {
			q.OnLaunch(it)
		}

		go func(it *Item, ctx context.Context, opts fetcher.Options) {
			res, err := q.fetch.Fetch(ctx, it.RemoteURL, opts, func(p fetcher.Progress) {
				q.reportProgress(it, p)
			})
			select {
			case completions <- completion{item: it, result: res, err: err}:
			case <-runCtx.Done():
			}
		}(it, ctx, opts)

		if err := q.launchLimiter.Wait(runCtx); err != nil {
			return
		}
	}
}

func (q *Queue) nextEligibleLocked() *Item {
	for _, it := range q.items {
		if it.Status == StatusPending {
			return it
		}
	}
	return nil
}

func (q *Queue) handleCompletion(c completion) {
	q.mu.Lock()
	it := c.item
	// A stale completion can arrive after Stop reset the item; ignore it.
	if it.Status != StatusDownloading {
		q.mu.Unlock()
		return
	}
	if cancelFn, ok := q.cancels[it.ExternalID]; ok {
		cancelFn()
		delete(q.cancels, it.ExternalID)
	}
	q.active--

	var ev Event
	switch {
	case c.err == nil:
		it.Status = StatusCompleted
		it.Progress = 100
		ev = Event{Type: EventCompleted, ExternalID: it.ExternalID, Progress: 100}
	case errors.Is(c.err, context.Canceled):
		it.Status = StatusCancelled
		it.LastErr = "cancelled"
		ev = Event{Type: EventCancelled, ExternalID: it.ExternalID}
	default:
		it.LastErr = c.err.Error()
		if it.Retries < q.maxRetries {
			it.Retries++
			it.Status = StatusPending
		} else {
			it.Status = StatusFailed
		}
		ev = Event{Type: EventFailed, ExternalID: it.ExternalID, Err: it.LastErr}
	}
	retryable := it.Status == StatusPending
	terminal := it.Status == StatusCompleted || it.Status == StatusFailed
	ev.Stats = q.statsLocked()
	q.mu.Unlock()

	q.emit(ev)
	if retryable && q.OnAttemptFailed != nil {
		q.OnAttemptFailed(it, it.LastErr)
	}
	if terminal && q.OnTerminal != nil {
		q.OnTerminal(it, c.result, c.err)
	}
}

// reportProgress coalesces updates to 10% boundaries before republishing
// them as events. Called from fetch goroutines.
func (q *Queue) reportProgress(it *Item, p fetcher.Progress) {
	q.mu.Lock()
	it.Progress = p.Percent
	bucket := int(p.Percent / 10)
	if bucket <= it.lastBucket && p.Percent < 100 {
		q.mu.Unlock()
		return
	}
	it.lastBucket = bucket
	ev := Event{Type: EventProgress, ExternalID: it.ExternalID, Progress: p.Percent, Stats: q.statsLocked()}
	q.mu.Unlock()
	q.emit(ev)
}

func (q *Queue) idleLocked() bool {
	return q.active == 0 && q.nextEligibleLocked() == nil
}

func (q *Queue) statsLocked() Stats {
	stats := Stats{Total: q.total, Active: q.active}
	for _, it := range q.items {
		switch it.Status {
		case StatusPending:
			stats.Pending++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}
	return stats
}

func (q *Queue) emit(ev Event) {
	select {
	case q.events <- ev:
	default:
	}
}

func (q *Queue) wakeUp() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
