package importer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"yt-librarian/internal/fetcher"
	"yt-librarian/internal/library"
	"yt-librarian/internal/models"
	"yt-librarian/internal/store"
)

// Suffixes yt-dlp uses for partial or temporary files; never importable.
var partialSuffixes = []string{".part", ".ytdl", ".tmp", ".temp"}

// Finalizer hands completed artifacts to the external library and commits
// the final item state to the store.
type Finalizer struct {
	store     *store.Store
	library   library.Client
	outputDir string
}

func New(st *store.Store, lib library.Client, outputDir string) *Finalizer {
	return &Finalizer{store: st, library: lib, outputDir: outputDir}
}

// Finalize locates the fetched artifact, inserts it into the library with
// its derived metadata, marks the item record library-linked and deletes the
// local file. On library failure the lease is released but the artifact and
// the unlinked record survive, so the next run retries import without
// re-fetching. An "already exists" response is recovered by lookup-and-merge.
func (f *Finalizer) Finalize(ctx context.Context, sub models.Subscription, itemID int64, externalID string, res *fetcher.Result) error {
	artifact, err := f.locateArtifact(externalID, res)
	if err != nil {
		if relErr := f.store.ReleaseLock(itemID); relErr != nil {
			log.Printf("importer: failed to release lock for item %d: %v", itemID, relErr)
		}
		return err
	}

	meta := library.Item{
		Title:     res.Title,
		SourceURL: res.WebpageURL,
		SourceID:  externalID,
		Uploader:  res.Uploader,
		// yt-dlp upload_date is YYYYMMDD
		UploadDate: res.UploadDate,
		ViewCount:  res.ViewCount,
		LocalPath:  artifact,
	}
	if sub.LibraryFolderID != nil && *sub.LibraryFolderID != "" {
		meta.FolderIDs = []string{*sub.LibraryFolderID}
	}
	meta.Tags = []string{"collection:" + sub.Title}

	created, err := f.library.CreateItem(ctx, meta)
	if errors.Is(err, library.ErrAlreadyExists) {
		created, err = f.mergeExisting(ctx, sub, externalID)
	}
	if err != nil {
		if relErr := f.store.ReleaseLock(itemID); relErr != nil {
			log.Printf("importer: failed to release lock for item %d: %v", itemID, relErr)
		}
		return fmt.Errorf("failed to insert item %s into library: %w", externalID, err)
	}

	if err := f.store.MarkLinked(itemID, created.ID); err != nil {
		return err
	}
	if err := os.Remove(artifact); err != nil {
		log.Printf("importer: failed to remove artifact %s: %v", artifact, err)
	}
	return nil
}

// RetryPending re-runs the import path for items that were fetched but
// never linked, e.g. after a library outage.
func (f *Finalizer) RetryPending(ctx context.Context) error {
	items, err := f.store.PendingImports()
	if err != nil {
		return err
	}
	var errs []error
	for _, it := range items {
		if it.SubscriptionID == nil {
			continue
		}
		sub, err := f.store.GetSubscriptionByID(*it.SubscriptionID)
		if err != nil {
			errs = append(errs, fmt.Errorf("item %d: %w", it.ID, err))
			continue
		}
		res := &fetcher.Result{ID: it.ExternalID}
		if it.Title != nil {
			res.Title = *it.Title
		}
		if err := f.Finalize(ctx, *sub, it.ID, it.ExternalID, res); err != nil {
			log.Printf("importer: retrying import of item %d failed: %v", it.ID, err)
			errs = append(errs, fmt.Errorf("item %d: %w", it.ID, err))
		}
	}
	return errors.Join(errs...)
}

// mergeExisting resolves an "already exists" response: look the item up and
// merge folder and tag membership instead of creating a duplicate entry.
func (f *Finalizer) mergeExisting(ctx context.Context, sub models.Subscription, externalID string) (*library.Item, error) {
	existing, err := f.library.FindItemBySourceID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up existing library item: %w", err)
	}
	if sub.LibraryFolderID != nil && *sub.LibraryFolderID != "" {
		if err := f.library.AttachFolder(ctx, existing.ID, *sub.LibraryFolderID); err != nil {
			return nil, err
		}
	}
	tag := "collection:" + sub.Title
	for _, existingTag := range existing.Tags {
		if existingTag == tag {
			return existing, nil
		}
	}
	existing.Tags = append(existing.Tags, tag)
	if err := f.library.UpdateItem(ctx, existing); err != nil {
		return nil, fmt.Errorf("failed to merge tags into existing library item: %w", err)
	}
	return existing, nil
}

// locateArtifact finds the finished file for an external id, preferring the
// path the fetch tool reported and falling back to an output-directory scan.
// Partial and temporary markers are skipped.
func (f *Finalizer) locateArtifact(externalID string, res *fetcher.Result) (string, error) {
	if res != nil && res.Filename != "" && !isPartial(res.Filename) {
		if _, err := os.Stat(res.Filename); err == nil {
			return res.Filename, nil
		}
	}

	entries, err := os.ReadDir(f.outputDir)
	if err != nil {
		return "", fmt.Errorf("failed to read output directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, externalID+".") || isPartial(name) {
			continue
		}
		return filepath.Join(f.outputDir, name), nil
	}
	return "", fmt.Errorf("no artifact found for %s in %s", externalID, f.outputDir)
}

func isPartial(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range partialSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}
