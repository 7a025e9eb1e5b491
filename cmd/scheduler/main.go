package main

import (
	"log"
	"os"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"yt-librarian/pkg/tasks"
)

// CommitSHA is set at build time via ldflags
var CommitSHA = "unknown"

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Println("Error loading .env file")
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "127.0.0.1:6379"
	}

	checkInterval := os.Getenv("CHECK_INTERVAL")
	if checkInterval == "" {
		checkInterval = "1h"
	}

	scheduler := asynq.NewScheduler(
		asynq.RedisClientOpt{Addr: redisAddr},
		&asynq.SchedulerOpts{},
	)

	checkTask, err := tasks.NewCheckAllSubscriptionsTask()
	if err != nil {
		log.Fatalf("could not create task: %v", err)
	}
	if _, err := scheduler.Register("@every "+checkInterval, checkTask); err != nil {
		log.Fatalf("could not register task: %v", err)
	}

	// Imports that failed at the library stage retry without re-fetching.
	retryTask, err := tasks.NewRetryImportsTask()
	if err != nil {
		log.Fatalf("could not create task: %v", err)
	}
	if _, err := scheduler.Register("@every 6h", retryTask); err != nil {
		log.Fatalf("could not register task: %v", err)
	}

	scanTask, err := tasks.NewScanLibraryTask()
	if err != nil {
		log.Fatalf("could not create task: %v", err)
	}
	if _, err := scheduler.Register("@every 24h", scanTask); err != nil {
		log.Fatalf("could not register task: %v", err)
	}

	log.Printf("Scheduler starting (commit: %s)", CommitSHA)
	if err := scheduler.Run(); err != nil {
		log.Fatalf("could not run scheduler: %v", err)
	}
}
