/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the ledger reconciliation service: SQLite-backed
  stores, the reconciler, the optional background scheduler, and the HTTP
  API, with graceful shutdown.

COMMAND-LINE FLAGS:
  -port                 HTTP server port (default: 8080)
  -db                   SQLite database path (default: ledger.db,
                        ":memory:" for in-memory)
  -tolerance            Drift tolerance as a decimal string (default: 1e-6)
  -reconcile-interval   Background drift sweep interval; 0 disables
                        (default: 0)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections, drain active requests (30s timeout)
  3. Close the database
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cambio/ledger-engine/api"
	"github.com/cambio/ledger-engine/reconcile"
	"github.com/cambio/ledger-engine/store/sqlite"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "ledger.db", "SQLite database path")
	toleranceStr := flag.String("tolerance", "0.000001", "drift tolerance")
	interval := flag.Duration("reconcile-interval", 0, "background drift sweep interval (0 disables)")
	flag.Parse()

	tolerance, err := decimal.NewFromString(*toleranceStr)
	if err != nil {
		log.Fatalf("Invalid -tolerance %q: %v", *toleranceStr, err)
	}

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	reconciler := reconcile.New(store, store, tolerance).WithRunStore(store)
	handler := api.NewHandler(store, store, store, reconciler)
	router := api.NewRouter(handler)

	var scheduler *api.Scheduler
	if *interval > 0 {
		scheduler = api.NewScheduler(reconciler, *interval)
		scheduler.Start()
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: router,
	}

	go func() {
		log.Printf("[server] listening on %s (db=%s tolerance=%s)", srv.Addr, *dbPath, tolerance)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("[server] shutting down...")

	if scheduler != nil {
		scheduler.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[server] forced shutdown: %v", err)
	}
	log.Println("[server] stopped")
}
