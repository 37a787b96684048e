package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"telemedic.org/internal/auth"
	"telemedic.org/internal/config"
	"telemedic.org/internal/httpapi"
	"telemedic.org/internal/obs"
	"telemedic.org/internal/records"
	"telemedic.org/internal/store/pg"
	"telemedic.org/internal/stream"
)

var version = "0.3.1"

func main() {
	obs.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Postgres when a DSN is configured, in-memory otherwise. The in-memory
	// store is for local development; /readyz only pings a real database.
	var (
		svc   records.Service
		ready httpapi.ReadyProbe
	)
	if cfg.Database.DSN != "" {
		store, err := pg.Open(cfg.Database.DSN, pg.Options{
			CodeLength:      cfg.Records.VideocallCodeLength,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		})
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		svc = store
		ready = httpapi.ReadyProbe{DB: store.DB()}
	} else {
		svc = records.NewInMemory(cfg.Records.VideocallCodeLength)
	}

	var gate httpapi.Gateway
	if cfg.Auth.Enabled() {
		validator, err := auth.NewValidator(auth.Config{
			Domain:       cfg.Auth.Domain,
			Audience:     cfg.Auth.Audience,
			Algorithms:   cfg.Auth.Algorithms,
			FetchTimeout: cfg.Auth.FetchTimeout,
		})
		if err != nil {
			log.Fatalf("configure token validator: %v", err)
		}
		gate = validator
	} else {
		log.Println("AUTH_DOMAIN is empty: bearer-token validation is disabled")
	}

	api := httpapi.New(httpapi.Options{
		Records:      svc,
		Gate:         gate,
		Stream:       stream.New(),
		Ready:        ready,
		Version:      version,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		RateLimit: httpapi.RateLimitOptions{
			PerSecond: cfg.RateLimit.PerSecond,
			Burst:     cfg.RateLimit.Burst,
		},
		CORS: httpapi.CORSOptions{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			AllowedMethods: cfg.CORS.AllowedMethods,
			AllowedHeaders: cfg.CORS.AllowedHeaders,
			MaxAge:         cfg.CORS.MaxAge,
		},
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	log.Printf("Starting telemedic-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
