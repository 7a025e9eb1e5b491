package library

import (
	"context"
	"errors"
)

// ErrAlreadyExists is returned when the library reports an item or folder
// with the same identity already present. Callers recover via lookup and
// merge instead of treating it as fatal.
var ErrAlreadyExists = errors.New("library: already exists")

// ErrNotFound is returned when the library has no matching entity.
var ErrNotFound = errors.New("library: not found")

// Item is a media item as the external library models it.
type Item struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	SourceURL   string   `json:"source_url"`
	SourceID    string   `json:"source_id"`
	Uploader    string   `json:"uploader"`
	UploadDate  string   `json:"upload_date"`
	ViewCount   int64    `json:"view_count"`
	LocalPath   string   `json:"local_path"`
	FolderIDs   []string `json:"folder_ids"`
	Tags        []string `json:"tags"`
	Annotations []string `json:"annotations"`
}

// Folder is a library folder, possibly nested.
type Folder struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id"`
}

// Client is the boundary to the external host library application. All
// calls may fail with ErrAlreadyExists, which is recoverable by lookup.
type Client interface {
	FindItemBySourceID(ctx context.Context, sourceID string) (*Item, error)
	CreateItem(ctx context.Context, item Item) (*Item, error)
	UpdateItem(ctx context.Context, item *Item) error
	SoftDeleteItem(ctx context.Context, itemID string) error

	// AttachFolder merges a folder membership into an item. Idempotent.
	AttachFolder(ctx context.Context, itemID, folderID string) error
	// AppendAnnotation adds a descriptive note to an item. Idempotent:
	// reapplying the same note must not create a duplicate.
	AppendAnnotation(ctx context.Context, itemID, note string) error

	FindOrCreateFolder(ctx context.Context, name string) (*Folder, error)
	ListFolders(ctx context.Context) ([]Folder, error)
	ListFolderItems(ctx context.Context, folderID string) ([]Item, error)
}
