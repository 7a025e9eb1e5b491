package library

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient talks to the host library's REST API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("library request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrAlreadyExists
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("library returned %d: %s", resp.StatusCode, string(msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode library response: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) FindItemBySourceID(ctx context.Context, sourceID string) (*Item, error) {
	var items []Item
	path := "/api/items?source_id=" + url.QueryEscape(sourceID)
	if err := c.do(ctx, http.MethodGet, path, nil, &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return &items[0], nil
}

func (c *HTTPClient) CreateItem(ctx context.Context, item Item) (*Item, error) {
	created := Item{}
	if err := c.do(ctx, http.MethodPost, "/api/items", item, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *HTTPClient) UpdateItem(ctx context.Context, item *Item) error {
	return c.do(ctx, http.MethodPut, "/api/items/"+url.PathEscape(item.ID), item, item)
}

func (c *HTTPClient) SoftDeleteItem(ctx context.Context, itemID string) error {
	return c.do(ctx, http.MethodDelete, "/api/items/"+url.PathEscape(itemID), nil, nil)
}

// AttachFolder reads the item and merges the folder membership client-side,
// so reapplying the same attachment is a no-op.
func (c *HTTPClient) AttachFolder(ctx context.Context, itemID, folderID string) error {
	item := Item{}
	if err := c.do(ctx, http.MethodGet, "/api/items/"+url.PathEscape(itemID), nil, &item); err != nil {
		return err
	}
	for _, id := range item.FolderIDs {
		if id == folderID {
			return nil
		}
	}
	item.FolderIDs = append(item.FolderIDs, folderID)
	return c.UpdateItem(ctx, &item)
}

// AppendAnnotation merges a note the same way AttachFolder merges folders.
func (c *HTTPClient) AppendAnnotation(ctx context.Context, itemID, note string) error {
	item := Item{}
	if err := c.do(ctx, http.MethodGet, "/api/items/"+url.PathEscape(itemID), nil, &item); err != nil {
		return err
	}
	for _, existing := range item.Annotations {
		if existing == note {
			return nil
		}
	}
	item.Annotations = append(item.Annotations, note)
	return c.UpdateItem(ctx, &item)
}

func (c *HTTPClient) FindOrCreateFolder(ctx context.Context, name string) (*Folder, error) {
	folder := Folder{}
	err := c.do(ctx, http.MethodPost, "/api/folders", Folder{Name: name}, &folder)
	if err == nil {
		return &folder, nil
	}
	if !errors.Is(err, ErrAlreadyExists) {
		return nil, err
	}

	var folders []Folder
	path := "/api/folders?name=" + url.QueryEscape(name)
	if err := c.do(ctx, http.MethodGet, path, nil, &folders); err != nil {
		return nil, err
	}
	if len(folders) == 0 {
		return nil, ErrNotFound
	}
	return &folders[0], nil
}

func (c *HTTPClient) ListFolders(ctx context.Context) ([]Folder, error) {
	var folders []Folder
	if err := c.do(ctx, http.MethodGet, "/api/folders?nested=true", nil, &folders); err != nil {
		return nil, err
	}
	return folders, nil
}

func (c *HTTPClient) ListFolderItems(ctx context.Context, folderID string) ([]Item, error) {
	var items []Item
	path := "/api/folders/" + url.PathEscape(folderID) + "/items"
	if err := c.do(ctx, http.MethodGet, path, nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}
