package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/rs/cors"

	"github.com/toallcreation/backend/internal/accounts"
	"github.com/toallcreation/backend/internal/auth"
	"github.com/toallcreation/backend/internal/handlers"
	"github.com/toallcreation/backend/internal/queue"
	"github.com/toallcreation/backend/internal/requests"
	"github.com/toallcreation/backend/internal/retention"
	"github.com/toallcreation/backend/internal/scheduled"
)

// allowedOrigins parses the comma-separated ALLOWED_ORIGINS env var,
// defaulting to the wildcard when unset.
func allowedOrigins() []string {
	v := os.Getenv("ALLOWED_ORIGINS")
	if v == "" {
		return []string{"*"}
	}
	out := make([]string, 0, 4)
	for _, o := range strings.Split(v, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Root context for background workers and graceful shutdown
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	// Run migrations on startup
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("Failed to init migration driver: %v", err)
	}
	migrator, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}
	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		log.Fatalf("Database migration failed: %v", err)
	}
	log.Println("Database is up-to-date")

	// Queue client for intake fan-out
	qc := queue.NewClient(queue.RedisAddr())
	defer qc.Close()

	accountStore := accounts.New(db)
	requestStore := requests.NewStore(db)
	scheduleStore := scheduled.NewStore(db)
	intake := requests.NewIntake(requestStore, accountStore, qc)

	h := handlers.New(intake, requestStore, accountStore, scheduleStore, qc)
	router := h.Router(auth.NewVerifier())

	// CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	handler := c.Handler(router)

	// Background: scheduler tick promotes due scheduled posts
	crontab := cron.New()
	if enabled := os.Getenv("SCHEDULER_ENABLED"); enabled == "" || enabled == "true" {
		dispatcher := scheduled.NewDispatcher(scheduleStore, intake)
		spec := "@every 1m"
		if v := os.Getenv("SCHEDULER_INTERVAL_SECONDS"); v != "" {
			var secs int
			if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs > 0 {
				spec = fmt.Sprintf("@every %ds", secs)
			}
		}
		if _, err := crontab.AddFunc(spec, func() {
			if n, err := dispatcher.RunOnce(rootCtx); err != nil {
				log.Printf("[Scheduler] tick_error err=%v", err)
			} else if n > 0 {
				log.Printf("[Scheduler] tick promoted=%d", n)
			}
		}); err != nil {
			log.Fatalf("Failed to register scheduler job: %v", err)
		}
	} else {
		log.Printf("[Scheduler] disabled via SCHEDULER_ENABLED=%q", enabled)
	}

	// Background: hourly retention sweep
	sweeper := retention.NewSweeper(db)
	if _, err := crontab.AddFunc("@every 1h", func() {
		if err := sweeper.RunOnce(rootCtx); err != nil {
			log.Printf("[Retention] sweep_error err=%v", err)
		}
	}); err != nil {
		log.Fatalf("Failed to register retention job: %v", err)
	}
	crontab.Start()
	defer crontab.Stop()

	port := os.Getenv("PORT")
	if port == "" {
		port = "18911"
	}

	srv := &http.Server{
		Handler:      handler,
		Addr:         ":" + port,
		WriteTimeout: 60 * time.Second,
		ReadTimeout:  60 * time.Second,
	}

	// Handle graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-stop
		log.Println("Shutting down server...")
		cancel()
		ctx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Server starting on port %s", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
	log.Println("Server stopped")
}
