package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"biblio.org/internal/engine"
	"biblio.org/internal/inventory"
	"biblio.org/internal/obs"
	"biblio.org/internal/server"
	"biblio.org/internal/session"
	"biblio.org/internal/store/pg"
	"biblio.org/internal/store/sqlite"
)

var version = "0.3.1"

func main() {
	obs.Init()

	lockWait := envDuration("LIBRARY_LOCK_WAIT", inventory.DefaultLockWait)

	store, err := openStore(lockWait)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	secret := os.Getenv("LIBRARY_AUTH_SECRET")
	if secret == "" {
		// Ephemeral secret: fine for single-process deployments since session
		// state does not survive a restart anyway.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			log.Fatalf("generate auth secret: %v", err)
		}
		secret = hex.EncodeToString(buf)
		obs.Warn("LIBRARY_AUTH_SECRET not set, using an ephemeral secret", nil)
	}

	sessions := session.NewManager(store, secret,
		session.WithTTL(envDuration("LIBRARY_SESSION_TTL", session.DefaultTTL)))
	eng := engine.New(store,
		engine.WithLoanPeriod(envDuration("LIBRARY_LOAN_PERIOD", engine.DefaultLoanPeriod)))

	srv := server.New(server.Config{
		Addr:        envStr("LIBRARY_ADDR", ":9000"),
		IdleTimeout: envDuration("LIBRARY_IDLE_TIMEOUT", 0),
	}, store, eng, sessions)

	metricsAddr := envStr("LIBRARY_METRICS_ADDR", ":9100")
	metricsSrv := &http.Server{
		Addr:              metricsAddr,
		Handler:           metricsMux(store),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics listen: %v", err)
		}
	}()

	obs.Info("starting libraryd", map[string]any{
		"version": version,
		"addr":    envStr("LIBRARY_ADDR", ":9000"),
		"metrics": metricsAddr,
		"store":   envStr("LIBRARY_STORE", "memory"),
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	obs.Info("shutting down", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	_ = metricsSrv.Shutdown(ctx)
	sessions.Close()
	_ = store.Close()
	obs.Info("stopped", nil)
}

// openStore picks the backend from LIBRARY_STORE: memory (default), sqlite
// or pg.
func openStore(lockWait time.Duration) (inventory.Store, error) {
	switch envStr("LIBRARY_STORE", "memory") {
	case "sqlite":
		return sqlite.Open(envStr("LIBRARY_SQLITE_PATH", "library.db"), lockWait)
	case "pg":
		return pg.Open(os.Getenv("LIBRARY_PG_DSN"), lockWait)
	default:
		return inventory.NewInMemory().WithLockWait(lockWait), nil
	}
}

func metricsMux(store inventory.Store) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			http.Error(w, "store unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("parse %s: %v", key, err)
	}
	return d
}
