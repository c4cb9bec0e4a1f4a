package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"opsboard/api/internal/app"
	"opsboard/api/internal/config"
	"opsboard/api/internal/dispatch"
	"opsboard/api/internal/email"
	"opsboard/api/internal/plan"
	"opsboard/api/internal/ratelimit"
	"opsboard/api/internal/reconcile"
	"opsboard/api/internal/search"
	"opsboard/api/internal/session"
	"opsboard/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	redisStore, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer redisStore.Close()

	planCache := plan.NewCache(cfg.PlanCacheTTL, 10_000)
	gate := plan.NewGate(dataStore, planCache)
	go planCache.Run(ctx, cfg.PlanCacheTTL)

	authn := app.TokenAuthenticator{Secret: []byte(cfg.TokenSecret)}
	dispatcher := dispatch.New(db, dataStore, gate, authn)
	dispatcher.SetCheckoutLimiter(ratelimit.New(redisStore.Client(), "checkout:", 5, 10*time.Minute))

	reconciler := reconcile.New(db, dataStore)
	go reconciler.RunPeriodic(ctx, cfg.ReconcileInterval)

	service := app.New(cfg, dataStore, redisStore, gate, dispatcher)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewPgFTS(db))
	service.SetSearch(searchService)
	go searchService.ReindexAllFromPG(ctx)

	mail := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if mail.IsConfigured() {
		service.SetMailer(mail)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Opsboard API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
