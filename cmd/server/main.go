// The server binary runs the HTTP surface: the v1 submission and
// management API plus the open/click tracking endpoints. Delivery runs
// in cmd/worker; SMTP submission in cmd/smtpd.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ultrazend/ultrazend/internal/api"
	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/ratelimit"
	"github.com/ultrazend/ultrazend/internal/repository/postgres"
	"github.com/ultrazend/ultrazend/internal/submission"
	"github.com/ultrazend/ultrazend/internal/tenant"
	"github.com/ultrazend/ultrazend/internal/tracking"

	"github.com/ultrazend/ultrazend/internal/domain"
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
	log := logger.Component("server")

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

	messages := postgres.NewMessageRepo(db)
	events := postgres.NewEventRepo(db)
	suppressions := postgres.NewSuppressionRepo(db)
	tenants := tenant.NewService(postgres.NewTenantRepo(db), postgres.NewDomainRepo(db), cfg.RateLimit, clock)
	limiter := ratelimit.NewLimiter(redisClient, clock)

	pipeline := submission.NewPipeline(messages, suppressions, limiter, submission.Limits{
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		MaxRecipients:  cfg.SMTP.MaxRecipients,
	}, clock)

	srv := api.NewServer(cfg.Server, tenants, pipeline, messages, events, suppressions)

	trackingHandler := tracking.NewHandler(cfg.Tracking, tracking.NewPublisher(redisClient), redisClient)
	srv.Handler().Group(func(r chi.Router) {
		trackingHandler.Routes(r)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		log.Error("http server stopped", "error", err)
		os.Exit(1)
	}
	log.Info("server shut down cleanly")
}
