package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/loanconsult/crm/internal/api"
	"github.com/loanconsult/crm/internal/auth"
	"github.com/loanconsult/crm/internal/config"
	"github.com/loanconsult/crm/internal/core"
	"github.com/loanconsult/crm/internal/jobs"
	"github.com/loanconsult/crm/internal/line"
	"github.com/loanconsult/crm/internal/observers"
	"github.com/loanconsult/crm/internal/realtime"
	"github.com/loanconsult/crm/internal/store"
	"github.com/loanconsult/crm/internal/versioning"
)

func main() {
	seedAdmin := flag.String("seed-admin", "", "Create an admin account (user:password) and exit")
	batchSync := flag.Bool("batch-sync", false, "Mirror every conversation to the realtime store and exit")
	flag.Parse()

	if err := config.LoadConfig(); err != nil {
		log.Fatal("Failed to load configuration", "err", err)
	}
	config.SetupLogging(config.AppConfig)

	dbStore, err := store.Open(config.AppConfig.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to initialize database", "err", err)
	}
	defer dbStore.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *seedAdmin != "" {
		code := runSeedAdmin(ctx, dbStore, *seedAdmin)
		dbStore.Close()
		os.Exit(code)
	}

	rt, err := newRealtimeStore(ctx)
	if err != nil {
		log.Fatal("Failed to initialize realtime store", "err", err)
	}
	syncService := realtime.NewSyncService(dbStore, rt)

	if *batchSync {
		code := runBatchSync(ctx, syncService)
		dbStore.Close()
		os.Exit(code)
	}

	// Hooks run in registration order: versions are stamped before derived
	// fields and sync jobs see the entity.
	dispatcher := jobs.NewDispatcher()
	hub := api.NewHub(conversationVisibility(dbStore))
	dbStore.Use(versioning.NewObserver(versioning.NewTracker(dbStore), dbStore))
	dbStore.Use(observers.NewCustomerCaseObserver(dbStore))
	dbStore.Use(observers.NewCustomerObserver(dbStore))
	dbStore.Use(observers.NewChatSyncObserver(dispatcher, hub))

	runner := realtime.NewRunner(syncService, dbStore, config.AppConfig.BatchSyncLimit)
	if err := startQueues(ctx, dispatcher, runner, jobs.NewStoreSink(dbStore)); err != nil {
		log.Fatal("Failed to start sync queues", "err", err)
	}

	var messenger line.Messenger
	if config.AppConfig.LineChannelSecret != "" && config.AppConfig.LineChannelToken != "" {
		bot, err := line.NewBotMessenger(config.AppConfig.LineChannelSecret, config.AppConfig.LineChannelToken)
		if err != nil {
			log.Fatal("Failed to initialize LINE client", "err", err)
		}
		messenger = bot
	} else {
		log.Warn("LINE credentials not set; replies and webhooks are disabled")
	}

	var drafter core.Drafter
	if config.AppConfig.GeminiAPIKey != "" {
		replyDrafter, err := core.NewReplyDrafter(ctx, config.AppConfig.GeminiAPIKey)
		if err != nil {
			log.Fatal("Failed to initialize reply drafter", "err", err)
		}
		defer replyDrafter.Close()
		drafter = replyDrafter
	}

	schemas, err := api.LoadSchemas()
	if err != nil {
		log.Fatal("Failed to load request schemas", "err", err)
	}

	apiHandler := api.NewAPIHandler(
		core.NewUserService(dbStore),
		core.NewCustomerService(dbStore),
		core.NewChatService(dbStore, messenger, dispatcher, drafter),
		hub,
		schemas,
	)
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", config.AppConfig.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("Starting server. Press Ctrl+C to quit.", "addr", serverAddr, "db", dbStore.Dialect())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Could not listen", "addr", serverAddr, "err", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "err", err)
	}
	hub.Close()
	cancel()
	if err := dispatcher.Close(); err != nil {
		log.Error("Failed to close sync queues", "err", err)
	}
	log.Info("Server exiting gracefully")
}

func newRealtimeStore(ctx context.Context) (realtime.Store, error) {
	if config.AppConfig.FirebaseDatabaseURL == "" {
		log.Warn("FIREBASE_DATABASE_URL not set; mirroring conversations in memory")
		return realtime.NewMemoryStore(), nil
	}
	return realtime.NewFirebaseStore(ctx, config.AppConfig.FirebaseDatabaseURL, config.AppConfig.FirebaseCredentialsFile)
}

// startQueues registers one queue per lane. QUEUE_URL picks RabbitMQ for
// amqp:// URLs and in-process workers otherwise.
func startQueues(ctx context.Context, d *jobs.Dispatcher, h jobs.Handler, sink jobs.FailureSink) error {
	lanes := []string{jobs.QueueSync, jobs.QueueStats}
	url := config.AppConfig.QueueURL

	if strings.HasPrefix(url, "amqp://") || strings.HasPrefix(url, "amqps://") {
		conn, err := jobs.DialAMQP(url)
		if err != nil {
			return err
		}
		for _, lane := range lanes {
			q, err := jobs.NewAMQPQueue(conn, lane, h, jobs.AMQPOptions{Prefetch: config.AppConfig.QueueWorkers, Sink: sink})
			if err != nil {
				return err
			}
			if err := q.Start(ctx); err != nil {
				return err
			}
			d.Register(lane, q)
		}
		log.Info("Sync queues started", "transport", "amqp", "lanes", lanes)
		return nil
	}

	for _, lane := range lanes {
		q := jobs.NewMemoryQueue(lane, h, jobs.MemoryOptions{
			Workers:  config.AppConfig.QueueWorkers,
			Capacity: config.AppConfig.QueueCapacity,
			Sink:     sink,
		})
		q.Start(ctx)
		d.Register(lane, q)
	}
	log.Info("Sync queues started", "transport", "memory", "workers", config.AppConfig.QueueWorkers)
	return nil
}

func conversationVisibility(s *store.Store) api.Visibility {
	return func(p *auth.Principal, lineUserID string) bool {
		if p.SeesAll() {
			return true
		}
		c, err := s.GetCustomerByLineUserID(context.Background(), lineUserID)
		return err == nil && c.AssignedTo != nil && *c.AssignedTo == p.UserID
	}
}

func runSeedAdmin(ctx context.Context, s *store.Store, creds string) int {
	username, password, ok := strings.Cut(creds, ":")
	if !ok || username == "" || password == "" {
		log.Error("-seed-admin expects user:password")
		return 2
	}
	user, err := core.NewUserService(s).SeedAdmin(ctx, username, password)
	if err != nil {
		log.Error("Failed to seed admin", "err", err)
		return 1
	}
	log.Info("Admin account created", "id", user.ID, "username", user.Username)
	return 0
}

func runBatchSync(ctx context.Context, svc *realtime.SyncService) int {
	limit := config.AppConfig.BatchSyncLimit
	if limit <= 0 {
		limit = 50
	}
	var total realtime.BatchResult
	for offset := 0; ; offset += limit {
		result, err := svc.BatchSync(ctx, limit, offset)
		if err != nil {
			log.Error("Batch sync failed", "offset", offset, "err", err)
			return 1
		}
		total.Succeeded += result.Succeeded
		total.Failed += result.Failed
		if result.Succeeded+result.Failed < limit {
			break
		}
	}
	log.Info("Batch sync complete", "succeeded", total.Succeeded, "failed", total.Failed)
	if total.Failed > 0 {
		return 1
	}
	return 0
}
