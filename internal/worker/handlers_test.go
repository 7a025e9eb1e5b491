package worker_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"yt-librarian/internal/dedup"
	"yt-librarian/internal/fetcher"
	"yt-librarian/internal/importer"
	"yt-librarian/internal/library"
	"yt-librarian/internal/queue"
	"yt-librarian/internal/recon"
	"yt-librarian/internal/staging"
	"yt-librarian/internal/store"
	"yt-librarian/internal/test"
	"yt-librarian/internal/worker"
	"yt-librarian/pkg/tasks"
)

type fakeLister struct {
	entries []fetcher.ListingEntry
}

func (f *fakeLister) Listing(ctx context.Context, remoteURL string) ([]fetcher.ListingEntry, error) {
	return f.entries, nil
}

type fakeFetcher struct {
	results map[string]*fetcher.Result
	calls   int
}

func (f *fakeFetcher) Fetch(ctx context.Context, remoteURL string, opts fetcher.Options, onProgress func(fetcher.Progress)) (*fetcher.Result, error) {
	f.calls++
	return f.results[remoteURL], nil
}

type fakeLibrary struct {
	library.Client

	created   []library.Item
	attached  [][2]string
	annotated [][2]string
}

func (f *fakeLibrary) CreateItem(ctx context.Context, item library.Item) (*library.Item, error) {
	f.created = append(f.created, item)
	created := item
	created.ID = "lib-new"
	return &created, nil
}

func (f *fakeLibrary) AttachFolder(ctx context.Context, itemID, folderID string) error {
	f.attached = append(f.attached, [2]string{itemID, folderID})
	return nil
}

func (f *fakeLibrary) AppendAnnotation(ctx context.Context, itemID, note string) error {
	f.annotated = append(f.annotated, [2]string{itemID, note})
	return nil
}

func subscriptionColumns() []string {
	return []string{"id", "remote_url", "title", "media_format", "quality", "auto_fetch", "library_folder_id", "observed_count"}
}

func newHandler(t *testing.T, st *store.Store, lister recon.Lister, fetch queue.Fetcher, lib library.Client, dir string) *worker.TaskHandler {
	t.Helper()
	q := queue.New(fetch, queue.Config{
		MaxConcurrent:  2,
		LaunchInterval: time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	})
	t.Cleanup(q.Stop)

	engine := recon.NewEngine(st, lister, 1, true)
	resolver := dedup.NewResolver(st, lib, time.Second)
	finalizer := importer.New(st, lib, dir)
	stg := staging.NewImporter(st, lib)

	return worker.NewTaskHandler(st, engine, resolver, q, finalizer, stg, worker.Options{
		OutputDir:               dir,
		SubscriptionWaitTimeout: 10 * time.Second,
	})
}

// One reconciliation pass over a subscription with one already-done item,
// one duplicate known under another subscription, and one genuinely new
// item: only the new item is fetched and handed to the library.
func TestCheckAllSubscriptionsFetchesOnlyNewItems(t *testing.T) {
	st, mock := test.NewMockStore(t)
	dir := t.TempDir()
	artifact := filepath.Join(dir, "vid-c.mp4")
	if err := os.WriteFile(artifact, []byte("media"), 0o644); err != nil {
		t.Fatal(err)
	}

	lister := &fakeLister{entries: []fetcher.ListingEntry{
		{ID: "vid-a", Title: "Video A", URL: "url-a"},
		{ID: "vid-b", Title: "Video B", URL: "url-b"},
		{ID: "vid-c", Title: "Video C", URL: "url-c"},
	}}
	fetch := &fakeFetcher{results: map[string]*fetcher.Result{
		"url-c": {ID: "vid-c", Title: "Video C", Filename: artifact},
	}}
	lib := &fakeLibrary{}
	h := newHandler(t, st, lister, fetch, lib, dir)

	subs := sqlmock.NewRows(subscriptionColumns()).
		AddRow(1, "https://example.com/channel", "My Channel", "", "", true, "folder-9", 0)
	mock.ExpectQuery(`SELECT \* FROM subscriptions WHERE auto_fetch ORDER BY id`).
		WillReturnRows(subs)

	// vid-a is already done for this subscription.
	mock.ExpectQuery(`SELECT external_id FROM items WHERE subscription_id = \$1`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"external_id"}).AddRow("vid-a"))

	// vid-b is done under another subscription: cross-reference, no fetch.
	master := sqlmock.NewRows([]string{"id", "external_id", "fetched", "library_linked", "library_item_id"}).
		AddRow(7, "vid-b", true, true, "lib-7")
	mock.ExpectQuery(`SELECT \* FROM items WHERE external_id = \$1 AND fetched AND library_linked`).
		WithArgs("vid-b").WillReturnRows(master)
	mock.ExpectExec(`ON CONFLICT \(subscription_id, external_id\) DO UPDATE SET`).
		WithArgs(1, "vid-b", "Video B", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// vid-c is unknown everywhere: insert with a fresh lease.
	mock.ExpectQuery(`SELECT \* FROM items WHERE external_id = \$1 AND fetched AND library_linked`).
		WithArgs("vid-c").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT \* FROM staging_records WHERE external_id = \$1 LIMIT 1`).
		WithArgs("vid-c").WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM items WHERE subscription_id = \$1 AND external_id = \$2 FOR UPDATE`).
		WithArgs(1, "vid-c").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO items .* DO NOTHING RETURNING id`).
		WithArgs(1, "vid-c", "Video C", store.StatusPending, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectCommit()

	mock.ExpectExec(`UPDATE subscriptions SET last_checked_at = NOW\(\), observed_count = \$1 WHERE id = \$2`).
		WithArgs(3, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// The queue drives vid-c through launch, completion and import.
	mock.ExpectExec(`UPDATE items SET status = \$1, lock_acquired_at = NOW\(\)`).
		WithArgs(store.StatusDownloading, int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE items\s+SET status = \$1,`).
		WithArgs(store.StatusCompleted, "", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE items SET library_linked = TRUE`).
		WithArgs("lib-new", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	task, err := tasks.NewCheckAllSubscriptionsTask()
	assert.NoError(t, err)
	err = h.HandleCheckAllSubscriptionsTask(context.Background(), task)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	// The duplicate was cross-referenced into the existing artifact.
	assert.Equal(t, [][2]string{{"lib-7", "folder-9"}}, lib.attached)
	assert.Equal(t, [][2]string{{"lib-7", "seen in collection My Channel"}}, lib.annotated)

	// The new item went to the library and its artifact was cleaned up.
	assert.Len(t, lib.created, 1)
	assert.Equal(t, "vid-c", lib.created[0].SourceID)
	assert.NoFileExists(t, artifact)
}

// An item fetched on an earlier pass whose library handoff failed is
// finalized from the artifact still on disk; the fetch tool never runs.
func TestReconcileSubscriptionRetriesImportWithoutRefetch(t *testing.T) {
	st, mock := test.NewMockStore(t)
	dir := t.TempDir()
	artifact := filepath.Join(dir, "vid-d.mp4")
	if err := os.WriteFile(artifact, []byte("media"), 0o644); err != nil {
		t.Fatal(err)
	}

	lister := &fakeLister{entries: []fetcher.ListingEntry{{ID: "vid-d", Title: "Video D"}}}
	fetch := &fakeFetcher{}
	lib := &fakeLibrary{}
	h := newHandler(t, st, lister, fetch, lib, dir)

	sub := sqlmock.NewRows(subscriptionColumns()).
		AddRow(1, "https://example.com/channel", "My Channel", "", "", true, "folder-9", 1)
	mock.ExpectQuery(`SELECT \* FROM subscriptions WHERE id = \$1`).
		WithArgs(1).WillReturnRows(sub)
	mock.ExpectQuery(`SELECT external_id FROM items WHERE subscription_id = \$1`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"external_id"}))

	// Not linked yet, so neither dedup source matches.
	mock.ExpectQuery(`SELECT \* FROM items WHERE external_id = \$1 AND fetched AND library_linked`).
		WithArgs("vid-d").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT \* FROM staging_records WHERE external_id = \$1 LIMIT 1`).
		WithArgs("vid-d").WillReturnError(sql.ErrNoRows)

	// The gate re-acquires the lease for import only.
	fetchedUnlinked := sqlmock.NewRows([]string{"id", "subscription_id", "external_id", "status", "fetched", "library_linked", "duplicate", "lock_token"}).
		AddRow(42, 1, "vid-d", store.StatusCompleted, true, false, false, nil)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM items WHERE subscription_id = \$1 AND external_id = \$2 FOR UPDATE`).
		WithArgs(1, "vid-d").WillReturnRows(fetchedUnlinked)
	mock.ExpectExec(`UPDATE items SET lock_token = \$1, lock_acquired_at = NOW\(\), updated_at = NOW\(\) WHERE id = \$2`).
		WithArgs(sqlmock.AnyArg(), int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectExec(`UPDATE items SET library_linked = TRUE`).
		WithArgs("lib-new", int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE subscriptions SET last_checked_at = NOW\(\), observed_count = \$1 WHERE id = \$2`).
		WithArgs(1, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	task, err := tasks.NewReconcileSubscriptionTask(1)
	assert.NoError(t, err)
	err = h.HandleReconcileSubscriptionTask(context.Background(), task)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Zero(t, fetch.calls, "the artifact on disk must not be fetched again")
	assert.Len(t, lib.created, 1)
	assert.Equal(t, "vid-d", lib.created[0].SourceID)
	assert.NoFileExists(t, artifact)
}

// A pass where the remote listing matches completed state exactly touches
// the subscription and fetches nothing.
func TestReconcileSubscriptionWithNothingNew(t *testing.T) {
	st, mock := test.NewMockStore(t)
	dir := t.TempDir()

	lister := &fakeLister{entries: []fetcher.ListingEntry{{ID: "vid-a", Title: "Video A"}}}
	lib := &fakeLibrary{}
	h := newHandler(t, st, lister, &fakeFetcher{}, lib, dir)

	sub := sqlmock.NewRows(subscriptionColumns()).
		AddRow(1, "https://example.com/channel", "My Channel", "", "", true, nil, 1)
	mock.ExpectQuery(`SELECT \* FROM subscriptions WHERE id = \$1`).
		WithArgs(1).WillReturnRows(sub)
	mock.ExpectQuery(`SELECT external_id FROM items WHERE subscription_id = \$1`).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"external_id"}).AddRow("vid-a"))
	mock.ExpectExec(`UPDATE subscriptions SET last_checked_at = NOW\(\), observed_count = \$1 WHERE id = \$2`).
		WithArgs(1, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	task, err := tasks.NewReconcileSubscriptionTask(1)
	assert.NoError(t, err)
	err = h.HandleReconcileSubscriptionTask(context.Background(), task)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, lib.created)
}
