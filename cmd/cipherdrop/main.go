package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cipherdrop/internal/server"
)

func main() {
	cfg, err := server.LoadConfig()
	if err != nil {
		log.Printf("service=cipherdrop msg=%q err=%v", "config_invalid", err)
		os.Exit(1)
	}

	// Database
	dbConn, err := server.OpenDB(cfg.DatabaseURL)
	if err != nil {
		log.Printf("service=cipherdrop msg=%q err=%v", "db_connect_failed", err)
		os.Exit(1)
	}
	defer func() { _ = dbConn.Close() }()

	log.Printf("service=cipherdrop msg=%q", "running_migrations")
	if err := server.RunMigrations(dbConn); err != nil {
		log.Printf("service=cipherdrop msg=%q err=%v", "migration_failed", err)
		os.Exit(1)
	}
	log.Printf("service=cipherdrop msg=%q", "migrations_complete")

	// Blob store
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	blobs, err := server.NewMinioStore(startupCtx, cfg)
	startupCancel()
	if err != nil {
		log.Printf("service=cipherdrop msg=%q err=%v", "blobstore_connect_failed", err)
		os.Exit(1)
	}

	ledger := server.NewLedger(dbConn)
	sessions := server.NewSessionStore(dbConn)
	srv := server.New(cfg, ledger, sessions, blobs)

	// Background sweep: expired files and sessions, idle rate buckets,
	// orphaned blobs.
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	sweeper := server.NewSweeper(ledger, sessions, blobs, srv.Limiter(), cfg.SweepInterval)
	go sweeper.Run(sweepCtx)

	// Start the HTTP server in a background goroutine so we can listen
	// for OS signals while it runs.
	errCh := make(chan error, 1)
	go func() {
		log.Printf("service=cipherdrop msg=%q addr=%s", "starting", cfg.Addr)
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("service=cipherdrop msg=%q signal=%s", "shutting_down", sig.String())
		sweepCancel()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("service=cipherdrop msg=%q err=%v", "shutdown_error", err)
			os.Exit(1)
		}
		log.Printf("service=cipherdrop msg=%q", "shutdown_complete")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("service=cipherdrop msg=%q err=%v", "server_error", err)
			os.Exit(1)
		}
	}
}
