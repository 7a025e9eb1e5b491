package handlers

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"yt-librarian/internal/store"
	"yt-librarian/pkg/tasks"
)

func (h *Handlers) GetSubscriptions(w http.ResponseWriter, r *http.Request) {
	subscriptions, err := h.store.GetAllSubscriptions()
	if err != nil {
		log.Printf("Error getting subscriptions: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, subscriptions)
}

func (h *Handlers) PostSubscription(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.CountSubscriptions()
	if err != nil {
		log.Printf("Error counting subscriptions: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if count >= h.maxSubscriptions {
		http.Error(w, "Subscription limit reached", http.StatusForbidden)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	remoteURL := r.FormValue("url")
	if remoteURL == "" {
		http.Error(w, "URL is required", http.StatusBadRequest)
		return
	}
	mediaFormat := r.FormValue("format")
	if mediaFormat == "" {
		mediaFormat = "bestvideo+bestaudio/best"
	}
	quality := r.FormValue("quality")
	if quality == "" {
		quality = "1080p"
	}

	// Resolve the collection title with a metadata-only probe.
	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	info, err := h.prober.Probe(ctx, remoteURL)
	if err != nil {
		log.Printf("Error probing collection '%s': %v", remoteURL, err)
		http.Error(w, "Invalid or unsupported collection URL", http.StatusBadRequest)
		return
	}

	var folderID *string
	folder, err := h.library.FindOrCreateFolder(ctx, info.Title)
	if err != nil {
		log.Printf("Error creating library folder for '%s': %v", info.Title, err)
	} else {
		folderID = &folder.ID
	}

	sub, err := h.store.AddSubscription(remoteURL, info.Title, mediaFormat, quality, folderID)
	if err != nil {
		if store.IsDuplicateSubscription(err) {
			http.Error(w, "You are already subscribed to this collection.", http.StatusConflict)
			return
		}
		log.Printf("Error creating subscription: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	// Kick off the first reconciliation pass right away.
	task, err := tasks.NewReconcileSubscriptionTask(sub.ID)
	if err != nil {
		log.Printf("Error creating task: %v", err)
	} else {
		if _, err = h.asynqClient.Enqueue(task); err != nil {
			log.Printf("Error enqueuing task: %v", err)
		}
	}

	writeJSON(w, http.StatusCreated, sub)
}

func (h *Handlers) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	subscriptionID, err := strconv.Atoi(vars["id"])
	if err != nil {
		http.Error(w, "Invalid subscription ID", http.StatusBadRequest)
		return
	}
	cascade := r.URL.Query().Get("cascade") == "true"

	if err := h.store.DeleteSubscription(subscriptionID, cascade); err != nil {
		log.Printf("Error deleting subscription: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.StatusCounts()
	if err != nil {
		log.Printf("Error getting status counts: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}
