package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/claworc/ssh-service/internal/config"
	"github.com/gluk-w/claworc/ssh-service/internal/crypto"
	"github.com/gluk-w/claworc/ssh-service/internal/database"
	"github.com/gluk-w/claworc/ssh-service/internal/gateway"
	"github.com/gluk-w/claworc/ssh-service/internal/handlers"
	"github.com/gluk-w/claworc/ssh-service/internal/lifecycle"
	"github.com/gluk-w/claworc/ssh-service/internal/logging"
	"github.com/gluk-w/claworc/ssh-service/internal/netguard"
	"github.com/gluk-w/claworc/ssh-service/internal/registry"
	"github.com/gluk-w/claworc/ssh-service/internal/sshaudit"
	"github.com/gluk-w/claworc/ssh-service/internal/sshbroker"
	"github.com/gluk-w/claworc/ssh-service/internal/sshkeys"
	"github.com/gluk-w/claworc/ssh-service/internal/sshterminal"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func main() {
	config.Load()
	logging.Init(config.Cfg.LogPath)

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}

	if n, err := database.SeedProfiles(config.Cfg.ProfilesSeedFile, crypto.Encrypt); err != nil {
		log.Printf("WARNING: profile seeding stopped after %d profile(s): %v", n, err)
	}

	hostKeyCallback, err := sshkeys.HostKeyCallback(config.Cfg.KnownHostsFile)
	if err != nil {
		log.Fatalf("Host key verification: %v", err)
	}
	if config.Cfg.KnownHostsFile == "" {
		log.Printf("WARNING: SSHSVC_KNOWN_HOSTS_FILE not set, remote host keys are not verified")
	}

	allowedTargets, err := netguard.Parse(config.Cfg.AllowedTargets)
	if err != nil {
		log.Fatalf("SSHSVC_ALLOWED_TARGETS: %v", err)
	}
	allowedClients, err := netguard.Parse(config.Cfg.AllowedClients)
	if err != nil {
		log.Fatalf("SSHSVC_ALLOWED_CLIENTS: %v", err)
	}
	if !allowedTargets.Empty() {
		log.Printf("Remote hosts restricted to: %s", allowedTargets)
	}
	if !allowedClients.Empty() {
		log.Printf("Clients restricted to: %s", allowedClients)
	}

	auditor := sshaudit.NewAuditor(database.DB, config.Cfg.AuditRetention)
	handlers.Auditor = auditor

	reg := registry.New()
	gw := gateway.New(reg, gateway.Options{
		PingInterval:   config.Cfg.PingInterval,
		PingTimeout:    config.Cfg.PingTimeout,
		MaxInputSize:   config.Cfg.MaxInputMessageSize,
		InputRateLimit: config.Cfg.InputRateLimit,
		Observer:       auditor,
	})
	broker := sshbroker.New(reg, gw, sshterminal.Options{
		Defaults: sshterminal.Defaults{
			Timeout:      config.Cfg.ConnectTimeout,
			TerminalType: config.Cfg.DefaultTerminalType,
			Cols:         config.Cfg.DefaultCols,
			Rows:         config.Cfg.DefaultRows,
		},
		KeepaliveInterval: config.Cfg.KeepaliveInterval,
		KeepaliveCountMax: config.Cfg.KeepaliveCountMax,
		HostKeyCallback:   hostKeyCallback,
		AgentSocket:       config.Cfg.AgentSocketPath(),
		DialControl:       allowedTargets.DialControl,
	})
	broker.SetObserver(auditor)
	gw.Bind(broker)
	log.Printf("Session broker initialized (keepalive=%s x%d, connect timeout=%s)",
		config.Cfg.KeepaliveInterval, config.Cfg.KeepaliveCountMax, config.Cfg.ConnectTimeout)

	handlers.Registry = reg
	handlers.Clients = gw
	handlers.StartedAt = time.Now()

	scheduler, err := database.StartHistoryPruner(config.Cfg.HistoryPruneSchedule, config.Cfg.HistoryRetention)
	if err != nil {
		log.Fatalf("History pruner: %v", err)
	}
	if _, err := scheduler.AddFunc("@every 10m", func() {
		if n := broker.RateLimiter().Prune(); n > 0 {
			log.Printf("[sshbroker] pruned %d idle rate limit entries", n)
		}
	}); err != nil {
		log.Fatalf("Rate limit cleanup: %v", err)
	}
	if _, err := scheduler.AddFunc(config.Cfg.HistoryPruneSchedule, func() {
		auditor.PurgeOlderThan(0)
	}); err != nil {
		log.Fatalf("Audit purge: %v", err)
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)
	r.With(allowedClients.Middleware).Handle("/ws", gw)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/connections", handlers.ListConnections)
		r.Get("/logs", handlers.GetServerLogs)
		r.Delete("/logs", handlers.ClearServerLogs)

		r.Get("/sessions", handlers.ListSessions)
		r.Post("/sessions", handlers.CreateSession)
		r.Get("/sessions/groups", handlers.ListGroups)
		r.Get("/sessions/{id}", handlers.GetSession)
		r.Put("/sessions/{id}", handlers.UpdateSession)
		r.Delete("/sessions/{id}", handlers.DeleteSession)
		r.Post("/sessions/{id}/connect", handlers.ConnectSession)
		r.Get("/sessions/{id}/history", handlers.ListSessionHistory)

		r.Put("/history/{historyId}", handlers.FinishHistory)

		r.Get("/audit", handlers.GetAuditLogs)
		r.Delete("/audit", handlers.PurgeAuditLogs)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	mgr := lifecycle.New(reg, broker, gw, srv)
	mgr.OnShutdown("scheduler", func(ctx context.Context) error {
		select {
		case <-scheduler.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	mgr.OnShutdown("database", func(context.Context) error { return database.Close() })
	mgr.OnShutdown("logging", func(context.Context) error { return logging.Close() })

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("SSH service listening on %s", config.Cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Printf("Shutting down (%d live sessions)...", reg.Size())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Cfg.ShutdownTimeout)
	defer cancel()

	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
