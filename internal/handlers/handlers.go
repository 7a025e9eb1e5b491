package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"yt-librarian/internal/fetcher"
	"yt-librarian/internal/library"
	"yt-librarian/internal/store"
	"yt-librarian/pkg/tasks"
)

// Prober resolves a remote collection's identity for subscription creation.
type Prober interface {
	Probe(ctx context.Context, remoteURL string) (fetcher.CollectionInfo, error)
}

type Handlers struct {
	store            *store.Store
	asynqClient      tasks.TaskEnqueuer
	prober           Prober
	library          library.Client
	mediaStoragePath string
	maxSubscriptions int
}

func New(st *store.Store, asynqClient tasks.TaskEnqueuer, prober Prober, lib library.Client, mediaStoragePath string, maxSubscriptions int) *Handlers {
	if maxSubscriptions <= 0 {
		maxSubscriptions = 100
	}
	return &Handlers{
		store:            st,
		asynqClient:      asynqClient,
		prober:           prober,
		library:          lib,
		mediaStoragePath: mediaStoragePath,
		maxSubscriptions: maxSubscriptions,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
