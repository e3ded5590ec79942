// The worker binary runs everything that happens after acceptance:
// the delivery pool, queue recovery, the tracking event consumer, the
// domain verification sweeper, and the concurrency cap reconciler.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/delivery"
	"github.com/ultrazend/ultrazend/internal/dkim"
	"github.com/ultrazend/ultrazend/internal/dnscache"
	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/distlock"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/queue"
	"github.com/ultrazend/ultrazend/internal/ratelimit"
	"github.com/ultrazend/ultrazend/internal/repository/postgres"
	"github.com/ultrazend/ultrazend/internal/tracking"
	"github.com/ultrazend/ultrazend/internal/verifier"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if cfg.Log.RedactPII != nil {
		logger.SetRedactPII(*cfg.Log.RedactPII)
	}
	log := logger.Component("worker")

	db, err := postgres.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Error("parse redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	clock := domain.RealClock{}
	workerID := "worker-" + uuid.NewString()[:8]

	messages := postgres.NewMessageRepo(db)
	domains := postgres.NewDomainRepo(db)
	events := postgres.NewEventRepo(db)
	suppressions := postgres.NewSuppressionRepo(db)
	keys := postgres.NewDkimKeyRepo(db)
	tenantRepo := postgres.NewTenantRepo(db)

	keybox, err := dkim.NewKeybox(cfg.DKIM.MasterKeyHex)
	if err != nil {
		log.Error("dkim master key", "error", err)
		os.Exit(1)
	}
	keystore := dkim.NewKeystore(keys, keybox, cfg.DKIM.DefaultKeySize, clock)
	signer := dkim.NewSigner(keystore, cfg.DKIM.SignOrFail)

	dns := dnscache.New(dnscache.NewNetResolver(), cfg.DNS, clock)

	// Concurrency caps come from the tenant's plan tier; leased counts in
	// the database rebuild them after a restart.
	semaphores := ratelimit.NewSemaphoreRegistry(func(tenantID string) int {
		t, err := tenantRepo.GetTenant(context.Background(), tenantID)
		if err != nil {
			return 1
		}
		_, _, concurrent := cfg.RateLimit.LimitsFor(string(t.Plan))
		return concurrent
	})
	if leased, err := messages.LeasedCountsByTenant(context.Background(), clock.Now()); err == nil {
		semaphores.Reconcile(leased)
	} else {
		log.Warn("semaphore reconcile skipped", "error", err)
	}

	q := queue.New(db, cfg.Queue, clock)
	recovery := queue.NewRecoveryWorker(q, cfg.Delivery.MaxAttempts, cfg.Queue.Lease())

	urls := tracking.NewURLBuilder(cfg.Tracking.BaseURL, cfg.Tracking.Secret)
	builder := delivery.NewBuilder(cfg.SMTP.Hostname, urls, clock)
	transport := delivery.NewSMTPTransport(cfg.SMTP.Hostname, cfg.Delivery)
	deliverer := delivery.NewMXDeliverer(dns, transport, cfg.Delivery.Smarthost)

	pool := delivery.NewPool(workerID, q, messages, domains, events, suppressions,
		signer, builder, deliverer, semaphores, cfg.Delivery, clock)

	consumer := tracking.NewConsumer(redisClient, events, workerID, clock)

	sweeper := verifier.New(domains, keystore, dns,
		distlock.NewLock(redisClient, db, "verifier-sweep", cfg.Verifier.Interval()),
		cfg.Verifier, clock)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("worker starting", "worker_id", workerID, "delivery_workers", cfg.Delivery.Workers)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			log.Info("loop stopped", "loop", name)
		}()
	}

	run("delivery", func(ctx context.Context) { pool.Run(ctx, cfg.Queue.PollInterval()) })
	run("recovery", recovery.Run)
	run("tracking-consumer", consumer.Run)
	run("verifier", sweeper.Run)

	wg.Wait()
	// Give in-flight database writes a moment before the pools close.
	time.Sleep(100 * time.Millisecond)
	log.Info("worker shut down cleanly")
}
