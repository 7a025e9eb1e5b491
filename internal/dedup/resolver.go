package dedup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"yt-librarian/internal/library"
	"yt-librarian/internal/models"
	"yt-librarian/internal/store"
)

// Resolution is the outcome of a duplicate check.
type Resolution struct {
	Duplicate     bool
	MasterItemID  int64
	LibraryItemID string
}

// Resolver decides whether a newly discovered item already exists elsewhere
// (done under another subscription, or staged from a library import) and
// cross-references the existing artifact instead of fetching again.
type Resolver struct {
	store   *store.Store
	library library.Client
	// timeout bounds the library cross-reference calls; on timeout the item
	// falls through to the normal fetch path rather than being dropped.
	timeout time.Duration
}

func NewResolver(st *store.Store, lib library.Client, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Resolver{store: st, library: lib, timeout: timeout}
}

// Resolve checks the store and the staging imports for the external id. On a
// match it attaches the new subscription's library folder to the existing
// artifact, appends a "seen in collection" annotation (idempotently) and
// writes a duplicate item record pointing at the master, so future
// reconciliation treats the item as done.
func (r *Resolver) Resolve(ctx context.Context, sub models.Subscription, externalID, title string) (Resolution, error) {
	master, err := r.store.FindDoneByExternalID(externalID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Resolution{}, fmt.Errorf("failed to look up master item: %w", err)
	}
	if master != nil {
		libraryItemID := ""
		if master.LibraryItemID != nil {
			libraryItemID = *master.LibraryItemID
		}
		if err := r.crossReference(ctx, sub, libraryItemID); err != nil {
			return Resolution{}, err
		}
		if err := r.store.CreateDuplicate(sub.ID, externalID, title, master.ID); err != nil {
			return Resolution{}, err
		}
		return Resolution{Duplicate: true, MasterItemID: master.ID, LibraryItemID: libraryItemID}, nil
	}

	staged, err := r.store.StagingByExternalID(externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return Resolution{}, nil
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to look up staging record: %w", err)
	}

	if err := r.crossReference(ctx, sub, staged.LibraryItemID); err != nil {
		return Resolution{}, err
	}
	// Staging rows live in their own id namespace and vanish on promotion;
	// the library item id is the durable link, so no master item is recorded.
	if err := r.store.CreateDuplicate(sub.ID, externalID, title, 0); err != nil {
		return Resolution{}, err
	}
	return Resolution{Duplicate: true, LibraryItemID: staged.LibraryItemID}, nil
}

// crossReference merges the subscription's folder and a collection note into
// the existing library artifact. Both client calls are idempotent, so
// resolving the same pair twice produces one cross-reference.
func (r *Resolver) crossReference(ctx context.Context, sub models.Subscription, libraryItemID string) error {
	if libraryItemID == "" {
		log.Printf("dedup: master for subscription %d has no library item id, skipping cross-reference", sub.ID)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if sub.LibraryFolderID != nil && *sub.LibraryFolderID != "" {
		if err := r.library.AttachFolder(ctx, libraryItemID, *sub.LibraryFolderID); err != nil {
			return fmt.Errorf("failed to attach folder: %w", err)
		}
	}
	note := fmt.Sprintf("seen in collection %s", sub.Title)
	if err := r.library.AppendAnnotation(ctx, libraryItemID, note); err != nil {
		return fmt.Errorf("failed to append annotation: %w", err)
	}
	return nil
}
