package staging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"

	"yt-librarian/internal/library"
	"yt-librarian/internal/models"
	"yt-librarian/internal/store"
)

// Importer brings pre-existing library contents into the persistent store
// as staging records, so reconciliation and dedup know about media that was
// added to the library before this tool ran.
type Importer struct {
	store   *store.Store
	library library.Client
}

func NewImporter(st *store.Store, lib library.Client) *Importer {
	return &Importer{store: st, library: lib}
}

// ScanLibrary walks every library folder and writes one staging record per
// item with a recognizable external id. Returns the number of records
// written. Per-folder failures never abort the scan.
func (imp *Importer) ScanLibrary(ctx context.Context) (int, error) {
	folders, err := imp.library.ListFolders(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list library folders: %w", err)
	}

	written := 0
	var errs []error
	for _, folder := range folders {
		items, err := imp.library.ListFolderItems(ctx, folder.ID)
		if err != nil {
			log.Printf("staging: failed to list items in folder %s: %v", folder.Name, err)
			errs = append(errs, fmt.Errorf("folder %s: %w", folder.Name, err))
			continue
		}

		titles := make([]string, 0, len(items))
		for _, it := range items {
			titles = append(titles, it.Title)
		}
		name, confidence := DetectCollectionName(folder.Name, titles)

		for _, it := range items {
			externalID := it.SourceID
			if externalID == "" {
				externalID = ExternalIDFromURL(it.SourceURL)
			}
			if externalID == "" {
				continue
			}

			dup := false
			if _, err := imp.store.FindDoneByExternalID(externalID); err == nil {
				dup = true
			} else if !errors.Is(err, sql.ErrNoRows) {
				errs = append(errs, fmt.Errorf("item %s: %w", externalID, err))
				continue
			}

			rec := models.StagingRecord{
				LibraryItemID: it.ID,
				ExternalID:    externalID,
				SourceURL:     it.SourceURL,
				DetectedName:  name,
				Confidence:    confidence,
				Duplicate:     dup,
			}
			if err := imp.store.InsertStagingRecord(rec); err != nil {
				errs = append(errs, err)
				continue
			}
			written++
		}
	}
	return written, errors.Join(errs...)
}

// Migrate promotes staged rows whose detected name matches an existing
// subscription title at or above minConfidence, and discards duplicates.
// Unmatched confident rows stay staged for a later pass. Returns
// (promoted, discarded).
func (imp *Importer) Migrate(minConfidence float64) (int, int, error) {
	recs, err := imp.store.GetStagingRecords()
	if err != nil {
		return 0, 0, err
	}
	subs, err := imp.store.GetAllSubscriptions()
	if err != nil {
		return 0, 0, err
	}

	promoted, discarded := 0, 0
	var errs []error
	for _, rec := range recs {
		if rec.Duplicate {
			if err := imp.store.DiscardStagingRecord(rec.ID); err != nil {
				errs = append(errs, err)
				continue
			}
			discarded++
			continue
		}
		if rec.Confidence < minConfidence {
			continue
		}
		sub := matchSubscription(subs, rec.DetectedName)
		if sub == nil {
			continue
		}
		if err := imp.store.PromoteStagingRecord(rec.ID, sub.ID); err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", rec.ID, err))
			continue
		}
		promoted++
	}
	return promoted, discarded, errors.Join(errs...)
}

func matchSubscription(subs []models.Subscription, name string) *models.Subscription {
	normalized := normalize(name)
	if normalized == "" {
		return nil
	}
	for i := range subs {
		if normalize(subs[i].Title) == normalized {
			return &subs[i]
		}
	}
	return nil
}

// DetectCollectionName scores how confidently a folder represents one remote
// collection. A folder whose name is echoed by a common prefix of its item
// titles is very likely a playlist dump; a bare folder name is a weaker
// signal.
func DetectCollectionName(folderName string, titles []string) (string, float64) {
	name := strings.TrimSpace(folderName)
	if name == "" {
		return "", 0
	}
	if len(titles) >= 2 {
		prefix := commonPrefix(titles)
		if len(prefix) >= 10 && strings.HasPrefix(normalize(prefix), normalize(name)) {
			return name, 0.9
		}
	}
	if len(titles) > 0 {
		return name, 0.5
	}
	return name, 0.2
}

func commonPrefix(titles []string) string {
	prefix := titles[0]
	for _, t := range titles[1:] {
		n := len(prefix)
		if len(t) < n {
			n = len(t)
		}
		i := 0
		for i < n && prefix[i] == t[i] {
			i++
		}
		prefix = prefix[:i]
		if prefix == "" {
			return ""
		}
	}
	return strings.TrimSpace(prefix)
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// ExternalIDFromURL extracts the external media id from the URL shapes the
// fetch tool produces.
func ExternalIDFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	if id := u.Query().Get("v"); id != "" {
		return id
	}
	path := strings.Trim(u.Path, "/")
	if strings.HasPrefix(path, "shorts/") {
		return strings.TrimPrefix(path, "shorts/")
	}
	if strings.Contains(u.Host, "youtu.be") && path != "" && !strings.Contains(path, "/") {
		return path
	}
	return ""
}
