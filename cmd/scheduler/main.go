package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"

	"github.com/nostrmarket/askexperts/internal/config"
	"github.com/nostrmarket/askexperts/internal/scheduler"
	"github.com/nostrmarket/askexperts/internal/store"
)

func main() {
	log.Println("starting expert scheduler")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("ASKEXPERTS_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("ASKEXPERTS_DATABASE_URL (or database.url) must be set")
	}

	db, err := store.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	sch := scheduler.New(db)
	sch.StartTimeout = cfg.Scheduler.StartTimeout()
	sch.ReconnectTimeout = cfg.Scheduler.ReconnectTimeout()

	go func() {
		if err := sch.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("scheduler poll loop failed: %v", err)
		}
	}()

	addr := cfg.Scheduler.ListenAddr

	r := mux.NewRouter()
	r.HandleFunc("/ws/worker", sch.HandleWebSocket)

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("scheduler control plane listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("scheduler server failed: %v", err)
	}
}
