package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/toallcreation/backend/internal/accounts"
	"github.com/toallcreation/backend/internal/queue"
	"github.com/toallcreation/backend/internal/requests"
	"github.com/toallcreation/backend/internal/tokens"
	"github.com/toallcreation/backend/internal/worker"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	concurrency := 4
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			concurrency = n
		}
	}

	accountStore := accounts.New(db)
	requestStore := requests.NewStore(db)
	w := worker.New(requestStore, accountStore, tokens.New(accountStore))

	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: queue.RedisAddr()},
		asynq.Config{Concurrency: concurrency},
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-stop
		log.Println("Shutting down worker...")
		srv.Shutdown()
	}()

	log.Printf("Worker starting concurrency=%d queue=%s", concurrency, queue.RedisAddr())
	if err := srv.Run(w.Mux()); err != nil {
		log.Fatalf("Worker failed: %v", err)
	}
	log.Println("Worker stopped")
}
