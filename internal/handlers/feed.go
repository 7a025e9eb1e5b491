package handlers

import (
	"log"
	"net/http"
	"path/filepath"

	"github.com/gorilla/mux"

	"yt-librarian/internal/feed"
)

const feedItemLimit = 50

func (h *Handlers) GetRSSFeed(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	uuid := vars["uuid"]

	token, err := h.store.GetTokenByFeedUUID(uuid)
	if err != nil {
		http.Error(w, "Feed not found", http.StatusNotFound)
		return
	}

	items, err := h.store.RecentlyImported(feedItemLimit)
	if err != nil {
		log.Printf("Error getting imported items: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	rss, err := feed.GenerateRSS(token, items, r)
	if err != nil {
		log.Printf("Error generating RSS: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/rss+xml")
	w.Write([]byte(rss))
}

func (h *Handlers) ServeMediaFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	filename := vars["filename"]

	filePath := filepath.Join(h.mediaStoragePath, filepath.Base(filename))
	http.ServeFile(w, r, filePath)
}
