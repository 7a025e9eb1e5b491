package feed

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/eduncan911/podcast"

	"yt-librarian/internal/models"
	"yt-librarian/internal/store"
)

func getBaseURL(r *http.Request) string {
	if baseURL := os.Getenv("BASE_URL"); baseURL != "" {
		return baseURL
	}

	scheme := r.URL.Scheme
	if scheme == "" {
		scheme = "https"
		if r.Header.Get("X-Forwarded-Proto") != "" {
			scheme = r.Header.Get("X-Forwarded-Proto")
		}
	}

	return fmt.Sprintf("%s://%s", scheme, r.Host)
}

// GenerateRSS renders the recently imported items as a podcast-style feed.
func GenerateRSS(token *models.APIToken, items []store.ImportedItem, r *http.Request) (string, error) {
	baseURL := getBaseURL(r)
	libraryURL := os.Getenv("LIBRARY_URL")

	p := podcast.New(
		fmt.Sprintf("%s's imports", token.Name),
		fmt.Sprintf("%s/rss/%s", baseURL, token.FeedUUID),
		"Media recently imported into the library.",
		&time.Time{}, &time.Time{},
	)

	for i := range items {
		item := podcast.Item{
			Title:       items[i].Title,
			Description: fmt.Sprintf("From %s", items[i].SubscriptionTitle),
			Link:        fmt.Sprintf("%s/items/%s", libraryURL, items[i].LibraryItemID),
			PubDate:     &items[i].UpdatedAt,
		}
		if _, err := p.AddItem(item); err != nil {
			return "", err
		}
	}

	return p.String(), nil
}
