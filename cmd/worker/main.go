package main

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"yt-librarian/internal/dedup"
	"yt-librarian/internal/fetcher"
	"yt-librarian/internal/importer"
	"yt-librarian/internal/library"
	"yt-librarian/internal/queue"
	"yt-librarian/internal/recon"
	"yt-librarian/internal/staging"
	"yt-librarian/internal/store"
	"yt-librarian/internal/worker"
	"yt-librarian/pkg/tasks"
)

// CommitSHA is set at build time via ldflags
var CommitSHA = "unknown"

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

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

	// Crash recovery: leases abandoned by a previous process are released
	// before any task runs.
	staleAge := time.Duration(envInt("STALE_LOCK_MAX_AGE_HOURS", 6)) * time.Hour
	released, err := st.CleanupStaleLocks(staleAge)
	if err != nil {
		log.Fatalf("Failed to clean up stale locks: %v", err)
	}
	if released > 0 {
		log.Printf("Released %d stale locks older than %s", released, staleAge)
	}

	mediaDir := os.Getenv("MEDIA_DIR")
	if mediaDir == "" {
		mediaDir = "media"
	}
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		log.Fatalf("Failed to create media dir: %v", err)
	}

	ytdlp := fetcher.New()
	lib := library.NewHTTPClient(os.Getenv("LIBRARY_URL"), os.Getenv("LIBRARY_TOKEN"))

	q := queue.New(ytdlp, queue.Config{
		MaxConcurrent: envInt("MAX_CONCURRENT", 3),
		MaxRetries:    envInt("MAX_RETRIES", 3),
		RateLimitKBps: envInt("RATE_LIMIT_KBPS", 0),
	})
	defer q.Stop()

	engine := recon.NewEngine(st, ytdlp,
		envInt("RECON_PARALLEL", 4),
		os.Getenv("RECON_ORDERING") != "none")
	resolver := dedup.NewResolver(st, lib, envDuration("DEDUP_TIMEOUT", 15*time.Second))
	finalizer := importer.New(st, lib, mediaDir)
	stagingImporter := staging.NewImporter(st, lib)

	taskHandler := worker.NewTaskHandler(st, engine, resolver, q, finalizer, stagingImporter, worker.Options{
		OutputDir:               mediaDir,
		SourceAddress:           os.Getenv("SOURCE_ADDRESS"),
		UserAgent:               os.Getenv("USER_AGENT"),
		CookieFile:              os.Getenv("COOKIE_FILE"),
		SubscriptionWaitTimeout: envDuration("SUB_WAIT_TIMEOUT", 30*time.Minute),
	})

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "127.0.0.1:6379"
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: redisAddr},
		asynq.Config{
			// One reconciliation pass at a time; the download queue bounds
			// its own fetch parallelism.
			Concurrency: 1,
			Queues: map[string]int{
				"high":    2,
				"default": 1,
			},
			// Custom retry delay function for exponential backoff
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := 5 * time.Minute
				maxDelay := 24 * time.Hour
				for i := 0; i < n; i++ {
					delay *= 2
					if delay > maxDelay {
						delay = maxDelay
						break
					}
				}
				log.Printf("Task %s failed %d times, retrying in %v", task.Type(), n+1, delay)
				return delay
			},
		},
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeCheckAllSubscriptions, taskHandler.HandleCheckAllSubscriptionsTask)
	mux.HandleFunc(tasks.TypeReconcileSubscription, taskHandler.HandleReconcileSubscriptionTask)
	mux.HandleFunc(tasks.TypeRetryImports, taskHandler.HandleRetryImportsTask)
	mux.HandleFunc(tasks.TypeScanLibrary, taskHandler.HandleScanLibraryTask)

	log.Printf("Worker starting (commit: %s)", CommitSHA)
	if err := srv.Run(mux); err != nil {
		log.Fatalf("could not run server: %v", err)
	}
}
