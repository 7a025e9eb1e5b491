package main

import (
	"log"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"

	"yt-librarian/internal/fetcher"
	"yt-librarian/internal/handlers"
	"yt-librarian/internal/library"
	"yt-librarian/internal/middleware"
	"yt-librarian/internal/store"
)

// CommitSHA is set at build time via ldflags
var CommitSHA = "unknown"

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Println("Error loading .env file")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}
	st, err := store.Open(dbURL)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		log.Fatalf("Failed to migrate schema: %v", err)
	}

	// Bootstrap the operator token so the feed UUID survives restarts.
	apiToken := os.Getenv("API_TOKEN")
	if apiToken == "" {
		log.Fatal("API_TOKEN is not set")
	}
	tokenName := os.Getenv("API_TOKEN_NAME")
	if tokenName == "" {
		tokenName = "operator"
	}
	if _, err := st.UpsertToken(apiToken, tokenName); err != nil {
		log.Fatalf("Failed to upsert API token: %v", err)
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "127.0.0.1:6379"
	}
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
	defer client.Close()

	lib := library.NewHTTPClient(os.Getenv("LIBRARY_URL"), os.Getenv("LIBRARY_TOKEN"))

	mediaDir := os.Getenv("MEDIA_DIR")
	if mediaDir == "" {
		mediaDir = "media"
	}
	maxSubs := 100
	if v := os.Getenv("MAX_SUBSCRIPTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			maxSubs = n
		}
	}

	h := handlers.New(st, client, fetcher.New(), lib, mediaDir, maxSubs)

	r := mux.NewRouter()

	api := r.NewRoute().Subrouter()
	api.Use(middleware.Auth(st))
	api.Use(middleware.NewRateLimiterMiddleware(rate.Limit(5), 10).Middleware)
	api.HandleFunc("/subscriptions", h.GetSubscriptions).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions", h.PostSubscription).Methods(http.MethodPost)
	api.HandleFunc("/subscriptions/{id}", h.DeleteSubscription).Methods(http.MethodDelete)
	api.HandleFunc("/status", h.GetStatus).Methods(http.MethodGet)

	// Feed and media routes are capability URLs, no bearer auth.
	r.HandleFunc("/rss/{uuid}", h.GetRSSFeed).Methods(http.MethodGet)
	r.HandleFunc("/media/{filename}", h.ServeMediaFile).Methods(http.MethodGet)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Starting server on :%s (commit: %s)", port, CommitSHA)
	if err := http.ListenAndServe(":"+port, r); err != nil {
		log.Fatal(err)
	}
}
