package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cexll/gitlab-copilot/internal/config"
	"github.com/cexll/gitlab-copilot/internal/eventstore"
	"github.com/cexll/gitlab-copilot/internal/executor"
	"github.com/cexll/gitlab-copilot/internal/processor"
	"github.com/cexll/gitlab-copilot/internal/session"
	"github.com/cexll/gitlab-copilot/internal/tenant"
	"github.com/cexll/gitlab-copilot/internal/vault"
	"github.com/cexll/gitlab-copilot/internal/web"
	"github.com/cexll/gitlab-copilot/internal/webhook"
	"github.com/cexll/gitlab-copilot/internal/workspace"
)

// mongoClient is the slice of *mongo.Client the server needs, kept as an
// interface so tests can inject a failing connector.
type mongoClient interface {
	Database(name string, opts ...*options.DatabaseOptions) *mongo.Database
	Disconnect(ctx context.Context) error
}

var (
	loadDotEnv         = godotenv.Load
	connectMongo       = mongoConnect
	defaultListenServe = listenAndServe
)

const shutdownGrace = 30 * time.Second

// listenAndServe runs the HTTP server until ctx is canceled, then drains
// in-flight requests before returning.
func listenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Printf("Shutdown signal received, draining connections...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func mongoConnect(ctx context.Context, uri string) (mongoClient, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

func main() {
	// SIGINT/SIGTERM cancel the context; run then drains the server and the
	// deferred cleanup loops stop before the process exits.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, defaultListenServe); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func run(ctx context.Context, serve func(context.Context, string, http.Handler) error) error {
	// Load .env file (ignore error if file doesn't exist)
	_ = loadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log.Printf("Starting GitLab Copilot server...")
	log.Printf("Port: %d", cfg.Port)
	log.Printf("Work dir: %s", cfg.WorkDir)
	log.Printf("AI executor: %s", cfg.AIExecutor)
	if cfg.CodeReviewExecutor != "" {
		log.Printf("Code review executor: %s", cfg.CodeReviewExecutor)
	}

	startedAt := time.Now()

	var (
		tenantStore tenant.Store
		secretVault *vault.Vault
		events      eventstore.Store
		metadata    workspace.MetadataStore
	)

	if cfg.PlatformMode() {
		log.Printf("Mode: platform (MongoDB %s)", cfg.MongoDatabase)

		client, err := connectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		defer func() {
			if err := client.Disconnect(context.Background()); err != nil {
				log.Printf("MongoDB disconnect failed: %v", err)
			}
		}()
		db := client.Database(cfg.MongoDatabase)

		if tenantStore, err = tenant.NewMongoStore(db); err != nil {
			return fmt.Errorf("failed to initialize tenant store: %w", err)
		}
		if events, err = eventstore.NewMongoStore(db); err != nil {
			return fmt.Errorf("failed to initialize event store: %w", err)
		}
		if metadata, err = workspace.NewMongoMetadataStore(ctx, db); err != nil {
			return fmt.Errorf("failed to initialize workspace metadata store: %w", err)
		}
		if secretVault, err = vault.New(cfg.EncryptionKey); err != nil {
			return fmt.Errorf("failed to initialize vault: %w", err)
		}
	} else {
		log.Printf("Mode: legacy single-tenant (%s)", cfg.GitLabBaseURL)
		events = eventstore.NewMemoryStore(1000)
		metadata = workspace.NewMemoryMetadataStore()
	}

	var legacy *tenant.Legacy
	if cfg.HasLegacyCredentials() {
		legacy = &tenant.Legacy{
			BaseURL:       cfg.GitLabBaseURL,
			AccessToken:   cfg.GitLabToken,
			WebhookSecret: cfg.WebhookSecret,
		}
	}
	resolver := tenant.NewResolver(tenantStore, secretVault, legacy)

	// Session continuation: follow-up comments resume the same provider
	// session. Disabled entirely via SESSION_ENABLED=false.
	var sessions *session.Store
	var sessionCleanup *session.CleanupService
	if cfg.SessionEnabled {
		var snapshot session.Snapshot
		if cfg.SessionStorePath != "" {
			snapshot = session.NewFileSnapshot(cfg.SessionStorePath)
		}
		sessions = session.NewStore(cfg.SessionMaxSessions, snapshot)
		sessionCleanup = session.NewCleanupService(sessions, cfg.SessionCleanupInterval, cfg.SessionMaxIdleTime)
		sessionCleanup.Start()
		defer sessionCleanup.Stop()
		log.Printf("Sessions: enabled (max %d, idle %s)", cfg.SessionMaxSessions, cfg.SessionMaxIdleTime)
	} else {
		log.Printf("Sessions: disabled")
	}

	workspaces := workspace.NewManager(cfg.WorkDir, &workspace.RealGitRunner{})
	workspaceCleanup := workspace.NewCleanupService(workspaces, metadata, cfg.WorkspaceCleanupInterval, cfg.WorkspaceMaxIdleTime)
	workspaceCleanup.Start()
	defer workspaceCleanup.Stop()

	exec := executor.New(&workspace.RealGitRunner{}, executor.DefaultTimeout)
	proc := processor.New(cfg, sessions, workspaces, metadata, events, exec)

	r := mux.NewRouter()

	webhookHandler := webhook.NewHandler(resolver, events, proc)
	webhookHandler.Register(r)

	if cfg.AdminAPISecret != "" {
		var sessionStatus, workspaceStatus web.CleanupStatus
		if sessionCleanup != nil {
			sessionStatus = sessionCleanup
		}
		workspaceStatus = workspaceCleanup
		web.NewHandler(web.NewAuth(cfg.AdminAPISecret), events, sessions, sessionStatus, workspaceStatus).RegisterRoutes(r)
		log.Printf("Status API: enabled")
	}

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		cleanup := map[string]any{
			"workspaces": cleanupHealth(workspaceCleanup.LastRun()),
		}
		if sessionCleanup != nil {
			cleanup["sessions"] = cleanupHealth(sessionCleanup.LastRun())
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":          "ok",
			"uptimeSeconds":   int(time.Since(startedAt).Seconds()),
			"platformMode":    cfg.PlatformMode(),
			"sessionsEnabled": cfg.SessionEnabled,
			"statusAPI":       cfg.AdminAPISecret != "",
			"cleanup":         cleanup,
		})
	}).Methods("GET")

	r.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"service":"gitlab-copilot","status":"running","executor":"%s"}`, cfg.AIExecutor)
	}).Methods("GET")

	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("Server listening on %s", addr)
	log.Printf("Webhook endpoint: http://localhost%s/webhook", addr)
	log.Printf("Health check: http://localhost%s/health", addr)

	if err := serve(ctx, addr, r); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func cleanupHealth(lastRun time.Time) map[string]any {
	if lastRun.IsZero() {
		return map[string]any{"ran": false}
	}
	return map[string]any{"ran": true, "lastRun": lastRun.Format(time.RFC3339)}
}
