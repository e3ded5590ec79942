// The smtpd binary runs the SMTP submission server and the inbound
// return-path listener. Submissions go through the same admission
// pipeline as the HTTP API; inbound DSN and ARF reports feed bounce
// processing.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/ultrazend/ultrazend/internal/bounce"
	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/ratelimit"
	"github.com/ultrazend/ultrazend/internal/repository/postgres"
	"github.com/ultrazend/ultrazend/internal/smtpd"
	"github.com/ultrazend/ultrazend/internal/submission"
	"github.com/ultrazend/ultrazend/internal/tenant"
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
	log := logger.Component("smtpd-main")

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
	suppressions := postgres.NewSuppressionRepo(db)
	events := postgres.NewEventRepo(db)
	tenants := tenant.NewService(postgres.NewTenantRepo(db), postgres.NewDomainRepo(db), cfg.RateLimit, clock)
	limiter := ratelimit.NewLimiter(redisClient, clock)

	pipeline := submission.NewPipeline(messages, suppressions, limiter, submission.Limits{
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		MaxRecipients:  cfg.SMTP.MaxRecipients,
	}, clock)

	bounces := bounce.NewProcessor(messages, suppressions, events, cfg.SMTP.Hostname, clock)

	backend := smtpd.NewBackend(cfg.SMTP, tenants, pipeline, bounces)
	submissionSrv, err := smtpd.NewServer(backend, cfg.SMTP)
	if err != nil {
		log.Error("build submission server", "error", err)
		os.Exit(1)
	}
	mxSrv, err := smtpd.NewMXServer(backend, cfg.SMTP)
	if err != nil {
		log.Error("build mx server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 2)
	go func() {
		log.Info("submission server listening", "addr", submissionSrv.Addr, "hostname", cfg.SMTP.Hostname)
		errc <- submissionSrv.ListenAndServe()
	}()
	go func() {
		log.Info("mx server listening", "addr", mxSrv.Addr)
		errc <- mxSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		log.Error("smtp server stopped", "error", err)
		os.Exit(1)
	case <-ctx.Done():
		if err := submissionSrv.Close(); err != nil {
			log.Warn("submission server close", "error", err)
		}
		if err := mxSrv.Close(); err != nil {
			log.Warn("mx server close", "error", err)
		}
	}
	log.Info("smtpd shut down cleanly")
}
