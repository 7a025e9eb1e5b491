package store_test

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"yt-librarian/internal/store"
	"yt-librarian/internal/test"
)

func itemColumns() []string {
	return []string{"id", "subscription_id", "external_id", "status", "fetched", "library_linked", "duplicate", "lock_token"}
}

func TestUpsertItemSkipsDoneItem(t *testing.T) {
	st, mock := test.NewMockStore(t)

	rows := sqlmock.NewRows(itemColumns()).
		AddRow(7, 1, "vid1", store.StatusCompleted, true, true, false, nil)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM items WHERE subscription_id = \$1 AND external_id = \$2 FOR UPDATE`).
		WithArgs(1, "vid1").WillReturnRows(rows)
	mock.ExpectRollback()

	res, err := st.UpsertItem(1, "vid1", "Video 1")
	assert.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "done", res.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertItemSkipsLockedItem(t *testing.T) {
	st, mock := test.NewMockStore(t)

	token := "someone-elses-lease"
	rows := sqlmock.NewRows(itemColumns()).
		AddRow(7, 1, "vid1", store.StatusDownloading, false, false, false, token)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM items WHERE subscription_id = \$1 AND external_id = \$2 FOR UPDATE`).
		WithArgs(1, "vid1").WillReturnRows(rows)
	mock.ExpectRollback()

	res, err := st.UpsertItem(1, "vid1", "Video 1")
	assert.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "locked", res.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertItemInsertsNewItemWithLease(t *testing.T) {
	st, mock := test.NewMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM items WHERE subscription_id = \$1 AND external_id = \$2 FOR UPDATE`).
		WithArgs(1, "vid1").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO items .* ON CONFLICT \(subscription_id, external_id\) DO NOTHING RETURNING id`).
		WithArgs(1, "vid1", "Video 1", store.StatusPending, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectCommit()

	res, err := st.UpsertItem(1, "vid1", "Video 1")
	assert.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, int64(42), res.ItemID)
	assert.NotEmpty(t, res.LockToken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertItemReacquiresReleasedItem(t *testing.T) {
	st, mock := test.NewMockStore(t)

	rows := sqlmock.NewRows(itemColumns()).
		AddRow(7, 1, "vid1", store.StatusFailed, false, false, false, nil)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM items WHERE subscription_id = \$1 AND external_id = \$2 FOR UPDATE`).
		WithArgs(1, "vid1").WillReturnRows(rows)
	mock.ExpectExec(`UPDATE items SET title = \$1, status = \$2, lock_token = \$3, lock_acquired_at = NOW\(\), updated_at = NOW\(\) WHERE id = \$4`).
		WithArgs("Video 1", store.StatusPending, sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := st.UpsertItem(1, "vid1", "Video 1")
	assert.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, int64(7), res.ItemID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertItemRetriesImportWithoutRefetch(t *testing.T) {
	st, mock := test.NewMockStore(t)

	// Fetched on an earlier pass, but the library handoff failed and the
	// lease was released. The gate re-acquires the lease for import only.
	rows := sqlmock.NewRows(itemColumns()).
		AddRow(7, 1, "vid1", store.StatusCompleted, true, false, false, nil)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM items WHERE subscription_id = \$1 AND external_id = \$2 FOR UPDATE`).
		WithArgs(1, "vid1").WillReturnRows(rows)
	mock.ExpectExec(`UPDATE items SET lock_token = \$1, lock_acquired_at = NOW\(\), updated_at = NOW\(\) WHERE id = \$2`).
		WithArgs(sqlmock.AnyArg(), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := st.UpsertItem(1, "vid1", "Video 1")
	assert.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.True(t, res.ImportOnly)
	assert.Equal(t, int64(7), res.ItemID)
	assert.NotEmpty(t, res.LockToken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertItemLosesInsertRace(t *testing.T) {
	st, mock := test.NewMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM items WHERE subscription_id = \$1 AND external_id = \$2 FOR UPDATE`).
		WithArgs(1, "vid1").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO items .* DO NOTHING RETURNING id`).
		WithArgs(1, "vid1", "Video 1", store.StatusPending, sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	res, err := st.UpsertItem(1, "vid1", "Video 1")
	assert.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "locked", res.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkTerminalRejectsNonTerminalStatus(t *testing.T) {
	st, _ := test.NewMockStore(t)

	err := st.MarkTerminal(1, store.StatusDownloading, "")
	assert.Error(t, err)
}

func TestMarkTerminalClearsLease(t *testing.T) {
	st, mock := test.NewMockStore(t)

	mock.ExpectExec(`UPDATE items\s+SET status = \$1,`).
		WithArgs(store.StatusFailed, "network timeout", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.MarkTerminal(3, store.StatusFailed, "network timeout")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompletedIDsIncludesDuplicates(t *testing.T) {
	st, mock := test.NewMockStore(t)

	rows := sqlmock.NewRows([]string{"external_id"}).AddRow("a").AddRow("b")
	mock.ExpectQuery(`SELECT external_id FROM items WHERE subscription_id = \$1 AND \(\(fetched AND library_linked\) OR duplicate\)`).
		WithArgs(1).WillReturnRows(rows)

	ids, err := st.CompletedIDs(1)
	assert.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupStaleLocks(t *testing.T) {
	st, mock := test.NewMockStore(t)

	mock.ExpectExec(`UPDATE items\s+SET lock_token = NULL`).
		WithArgs(float64(6)).
		WillReturnResult(sqlmock.NewResult(0, 2))

	released, err := st.CleanupStaleLocks(6 * time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupStaleLocksSurfacesCountError(t *testing.T) {
	st, mock := test.NewMockStore(t)

	mock.ExpectExec(`UPDATE items\s+SET lock_token = NULL`).
		WithArgs(float64(6)).
		WillReturnResult(sqlmock.NewErrorResult(errors.New("driver does not report affected rows")))

	_, err := st.CleanupStaleLocks(6 * time.Hour)
	assert.Error(t, err)
}

func TestCreateDuplicateIsUpsert(t *testing.T) {
	st, mock := test.NewMockStore(t)

	mock.ExpectExec(`ON CONFLICT \(subscription_id, external_id\) DO UPDATE SET`).
		WithArgs(2, "vid1", "Video 1", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.CreateDuplicate(2, "vid1", "Video 1", 7)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDuplicateWithoutMasterStoresNull(t *testing.T) {
	st, mock := test.NewMockStore(t)

	mock.ExpectExec(`ON CONFLICT \(subscription_id, external_id\) DO UPDATE SET`).
		WithArgs(2, "vid1", "Video 1", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := st.CreateDuplicate(2, "vid1", "Video 1", 0)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
