package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"danmuhub/api"
	"danmuhub/config"
	"danmuhub/handlers"
	"danmuhub/internal/database"
	"danmuhub/internal/transport"
	"danmuhub/services/cachestore"
	"danmuhub/services/configstore"
	"danmuhub/services/fallback"
	"danmuhub/services/metasource"
	"danmuhub/services/ratelimit"
	"danmuhub/services/scheduler"
	"danmuhub/services/scraper"
	"danmuhub/services/store"
	"danmuhub/services/tasks"
	"danmuhub/services/tokens"

	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {

	portOverride := flag.Int("port", 0, "override server port from config")
	flag.Parse()

	fmt.Println("🚀 danmuhub Starting...")

	// Determine config path (env or default)
	configPath := os.Getenv("DANMUHUB_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("cache", "settings.json")
	}

	// Init config manager and load settings (creates defaults if missing)
	cfgManager := config.NewManager(configPath)
	settings, err := cfgManager.Load()
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}

	// Set up file logging with rotation
	if settings.Log.File != "" {
		logDir := filepath.Dir(settings.Log.File)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			log.Printf("Warning: could not create log directory %s: %v", logDir, err)
		} else {
			fileWriter := &lumberjack.Logger{
				Filename:   settings.Log.File,
				MaxSize:    settings.Log.MaxSize,
				MaxBackups: settings.Log.MaxBackups,
				MaxAge:     settings.Log.MaxAge,
				Compress:   settings.Log.Compress,
			}
			multiWriter := io.MultiWriter(os.Stdout, fileWriter)
			log.SetOutput(multiWriter)
			log.SetFlags(log.LstdFlags | log.Lshortfile)
			log.Printf("Logging to file: %s", settings.Log.File)
		}
	}

	// Apply port override if specified
	if *portOverride > 0 {
		settings.Server.Port = *portOverride
	}

	ctx := context.Background()

	// Open the database and run migrations
	db, err := database.Open(settings.Database.Path)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	conn := db.Connection()

	st := store.New(conn)
	configSvc := configstore.NewService(conn)
	cacheSvc := cachestore.NewService(conn)

	// Shared HTTP clients (one direct, one per proxy)
	httpManager := transport.NewManager(30 * time.Second)
	directClient := httpManager.Client()
	proxyClient, err := httpManager.ProxyClient(settings.Proxy.URL)
	if err != nil {
		log.Printf("[main] invalid proxy url %q, ignoring: %v", settings.Proxy.URL, err)
		proxyClient = directClient
	}

	// Adapter signature verification. A broken key or signature set is not
	// fatal for the process: the rate limiter rejects all outbound checks
	// until the operator fixes the configuration.
	verificationFailed := false
	verifier, err := scraper.NewVerifier(settings.Scrapers.VerificationEnabled,
		settings.Scrapers.PublicKeyPath, settings.Scrapers.SignatureDir)
	if err != nil {
		log.Printf("[main] adapter verification setup failed: %v", err)
		verificationFailed = true
		verifier, _ = scraper.NewVerifier(false, "", "")
	}

	scrapers := scraper.NewRegistry(conn, verifier, configSvc, directClient, proxyClient)

	limiter := ratelimit.NewService(conn,
		settings.RateLimit.GlobalLimit,
		settings.RateLimit.FallbackLimit,
		time.Duration(settings.RateLimit.PeriodSeconds)*time.Second,
		scrapers.QuotaFor)
	if verificationFailed {
		limiter.MarkVerificationFailed()
	}

	if err := scrapers.Load(ctx, configSvc); err != nil {
		log.Fatalf("failed to load scraper registry: %v", err)
	}

	// Metadata sources
	tmdb := metasource.NewTmdbSource(directClient, func(ctx context.Context, key string) string {
		v, err := configSvc.Get(ctx, key)
		if err != nil {
			return ""
		}
		return v
	})
	metasource.Register(metasource.Registration{
		Name: "tmdb",
		Factory: func(*http.Client) metasource.Source {
			return tmdb
		},
	})
	meta := metasource.NewRegistry(conn, directClient)
	if err := meta.Load(ctx); err != nil {
		log.Fatalf("failed to load metadata sources: %v", err)
	}
	scrapers.SetSupplementer(meta)

	// Task manager
	manager := tasks.NewManager(st)
	if err := manager.Start(ctx, tasks.Workers{
		Download:   settings.Workers.DownloadWorkers,
		Management: 1,
		Fallback:   settings.Workers.FallbackWorkers,
	}); err != nil {
		log.Fatalf("failed to start task manager: %v", err)
	}

	// Fallback engine
	selector := fallback.NewAISelector(directClient, configSvc)
	engine := fallback.New(st, cacheSvc, configSvc, limiter, scrapers, meta, manager, selector)
	if err := engine.RegisterDefaults(ctx); err != nil {
		log.Fatalf("failed to register fallback defaults: %v", err)
	}

	// Token service
	tokenSvc := tokens.NewService(st, configSvc)
	if err := tokenSvc.RegisterDefaults(ctx); err != nil {
		log.Fatalf("failed to register token defaults: %v", err)
	}

	// Scheduler and its jobs
	sched := scheduler.New(st, manager)
	sched.RegisterJob(&scheduler.IncrementalRefreshJob{Store: st, Refresher: engine})
	sched.RegisterJob(&scheduler.TmdbAutoMapJob{Store: st, Tmdb: tmdb})
	sched.RegisterJob(&scheduler.WebhookProcessorJob{Store: st, Cache: cacheSvc, Refresher: engine})
	sched.RegisterJob(&scheduler.CacheSweepJob{Cache: cacheSvc})
	sched.RegisterJob(&scheduler.TokenResetJob{Store: st})
	if err := sched.EnsureDefaults(ctx); err != nil {
		log.Fatalf("failed to seed default schedules: %v", err)
	}
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}

	// HTTP layer
	auth := &handlers.AuthMiddleware{Tokens: tokenSvc, Config: configSvc}
	if err := auth.RegisterDefaults(ctx); err != nil {
		log.Fatalf("failed to register auth defaults: %v", err)
	}
	webhook := &handlers.WebhookHandler{Cache: cacheSvc, Config: configSvc}
	if err := webhook.RegisterDefaults(ctx); err != nil {
		log.Fatalf("failed to register webhook defaults: %v", err)
	}
	admin := &handlers.AdminHandler{
		Store:     st,
		Config:    configSvc,
		Manager:   manager,
		Scheduler: sched,
		Limiter:   limiter,
		Scrapers:  scrapers,
		Meta:      meta,
		Tokens:    tokenSvc,
		Engine:    engine,
	}

	r := api.NewRouter(api.Deps{
		Auth:    auth,
		Dandan:  handlers.NewDandanHandler(engine),
		Admin:   admin,
		Webhook: webhook,
	})

	addr := fmt.Sprintf("%s:%d", settings.Server.Host, settings.Server.Port)
	fmt.Printf("Server starting on %s\n", addr)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Setup graceful shutdown
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdownChan
	log.Println("🛑 Shutdown signal received, cleaning up...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	sched.Stop()
	manager.Stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	httpManager.Close()
	if err := db.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}

	log.Println("✅ Shutdown complete")
}
