package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JineeshTS/GanakysPortal-sub008/internal/cache"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/client"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/config"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/database"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/handler"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/logger"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/repository"
	"github.com/JineeshTS/GanakysPortal-sub008/internal/service"
)

const configCacheTTL = 5 * time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approval Engine (SUB-008)")

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize redis. Optional: without it, config caching and escalation
	// leasing degrade to pass-through.
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = cache.NewRedisClient(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, continuing without cache")
			rdb = nil
		} else {
			defer rdb.Close()
			log.Info().Msg("Redis connection established")
		}
	}

	// Initialize NATS. Optional: without it, notifications and decision
	// events are skipped.
	var natsClient *client.NATSClient
	if cfg.NATS.Enabled {
		natsClient, err = client.NewNATSClient(cfg.NATS.URL, cfg.Service.Name, log)
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, continuing without event publishing")
			natsClient = nil
		} else {
			defer natsClient.Close()
		}
	}

	// Initialize repositories
	matrixRepo := repository.NewMatrixRepository(db)
	templateRepo := repository.NewTemplateRepository(db)
	holderRepo := repository.NewHolderRepository(db)
	delegationRepo := repository.NewDelegationRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	actionRepo := repository.NewActionRepository(db)
	escalationRepo := repository.NewEscalationRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Configuration reads go through redis
	matrixCache := cache.NewMatrixCache(matrixRepo, rdb, configCacheTTL, log.Logger)
	templateCache := cache.NewTemplateCache(templateRepo, rdb, configCacheTTL, log.Logger)

	// Event publishers
	notifier := client.NewNotificationPublisher(natsClient, log)
	decisions := client.NewDecisionPublisher(natsClient, log)

	// Initialize services
	matrixService := service.NewMatrixService(matrixCache, log)
	templateService := service.NewTemplateService(templateCache, log)
	delegationService := service.NewDelegationService(delegationRepo, holderRepo, log)
	approvalService := service.NewApprovalService(
		requestRepo, templateService, matrixService, delegationService,
		holderRepo, actionRepo, escalationRepo, auditRepo,
		notifier, decisions, log,
	)

	// Escalation scheduler
	lease := cache.NewEscalationLease(rdb, cfg.Scheduler.LeaseTTL)
	escalationService := service.NewEscalationService(
		requestRepo, escalationRepo, approvalService, lease,
		cfg.Scheduler.SweepInterval, cfg.Scheduler.BatchTimeout, cfg.Scheduler.BatchSize,
		log,
	)
	go escalationService.Start(ctx)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(
		approvalService, delegationService, matrixService, templateService, holderRepo, log,
	)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Approval request routes
	mux.HandleFunc("/api/v1/approvals", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			httpHandler.SubmitRequest(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/approvals/get", requireMethod(http.MethodGet, httpHandler.GetRequest))
	mux.HandleFunc("/api/v1/approvals/act", requireMethod(http.MethodPost, httpHandler.Act))
	mux.HandleFunc("/api/v1/approvals/bulk-act", requireMethod(http.MethodPost, httpHandler.BulkAct))
	mux.HandleFunc("/api/v1/approvals/withdraw", requireMethod(http.MethodPost, httpHandler.Withdraw))
	mux.HandleFunc("/api/v1/approvals/resubmit", requireMethod(http.MethodPost, httpHandler.Resubmit))
	mux.HandleFunc("/api/v1/approvals/inbox", requireMethod(http.MethodGet, httpHandler.Inbox))
	mux.HandleFunc("/api/v1/approvals/history", requireMethod(http.MethodGet, httpHandler.History))

	// Delegation routes
	mux.HandleFunc("/api/v1/delegations", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListDelegations(w, r)
		case http.MethodPost:
			httpHandler.CreateDelegation(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/delegations/revoke", requireMethod(http.MethodPost, httpHandler.RevokeDelegation))

	// Configuration admin routes
	mux.HandleFunc("/api/v1/matrices", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListMatrices(w, r)
		case http.MethodPost:
			httpHandler.CreateMatrix(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/matrices/deactivate", requireMethod(http.MethodPost, httpHandler.DeactivateMatrix))
	mux.HandleFunc("/api/v1/templates", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListTemplates(w, r)
		case http.MethodPost:
			httpHandler.CreateTemplate(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/templates/deactivate", requireMethod(http.MethodPost, httpHandler.DeactivateTemplate))
	mux.HandleFunc("/api/v1/holders", requireMethod(http.MethodPost, httpHandler.UpsertHolder))

	// Apply middleware
	var h http.Handler = mux
	h = handler.RequestID(h)
	h = handler.Logger(&log.Logger)(h)
	h = handler.Recovery(&log.Logger)(h)
	h = handler.CORS([]string{"*"})(h)
	h = handler.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel() // stops the escalation scheduler

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}

// requireMethod rejects requests with the wrong HTTP method.
func requireMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}
