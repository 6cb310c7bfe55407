package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"gestloc.io/internal/httpapi"
	"gestloc.io/internal/lease"
	"gestloc.io/internal/obs"
	"gestloc.io/internal/outbox"
	"gestloc.io/internal/store/pg"
	"gestloc.io/internal/worker"
)

var version = "0.3.1"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("GESTLOC_COMMIT"))

	events := outbox.New()

	// Durable store when a DSN is configured, in-memory otherwise (dev/tests).
	var (
		svc   lease.Service
		probe httpapi.ReadyProbe
	)
	if dsn := os.Getenv("GESTLOC_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn, nil, nil, events)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		svc = store
		probe = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		log.Println("GESTLOC_PG_DSN not set, using in-memory store")
		svc = lease.NewInMemory(nil, nil, events)
	}

	api := httpapi.New(probe, version, svc, events)

	addr := os.Getenv("GESTLOC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Background drift sweep; set interval to 0 to disable.
	if interval := reconcileInterval(); interval > 0 {
		go worker.NewReconciler(svc, interval).Start(ctx)
	}

	log.Printf("Starting gestloc-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}

func reconcileInterval() time.Duration {
	raw := os.Getenv("GESTLOC_RECONCILE_INTERVAL")
	if raw == "" {
		return 10 * time.Minute
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid GESTLOC_RECONCILE_INTERVAL %q, using default", raw)
		return 10 * time.Minute
	}
	return d
}
