// The migrate binary applies schema migrations and can seed a first
// tenant with an API credential for bootstrapping an environment.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/repository/postgres"
	"github.com/ultrazend/ultrazend/internal/tenant"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	seedTenant := flag.String("seed-tenant", "", "create a tenant with this name and print its API token")
	seedPlan := flag.String("seed-plan", "free", "plan for the seeded tenant")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	log := logger.Component("migrate")

	db, err := postgres.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		log.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := postgres.Migrate(ctx, db); err != nil {
		log.Error("migrate", "error", err)
		os.Exit(1)
	}
	log.Info("migrations applied")

	if *seedTenant == "" {
		return
	}

	plan := domain.Plan(*seedPlan)
	if !plan.Valid() {
		log.Error("invalid plan", "plan", *seedPlan)
		os.Exit(1)
	}

	repo := postgres.NewTenantRepo(db)
	t := &domain.Tenant{
		ID:     uuid.NewString(),
		Name:   *seedTenant,
		Plan:   plan,
		Active: true,
	}
	if err := repo.CreateTenant(ctx, t); err != nil {
		log.Error("create tenant", "error", err)
		os.Exit(1)
	}

	// The raw token is printed once and never stored; only its
	// fingerprint lands in the database.
	token := "uz_" + uuid.NewString()
	cred := &domain.APICredential{
		ID:           uuid.NewString(),
		TenantID:     t.ID,
		Fingerprint:  tenant.Fingerprint(token),
		Capabilities: []domain.Capability{domain.CapabilityAdmin},
		Active:       true,
	}
	if err := repo.CreateCredential(ctx, cred); err != nil {
		log.Error("create credential", "error", err)
		os.Exit(1)
	}

	log.Info("tenant seeded", "tenant_id", t.ID, "plan", plan)
	fmt.Printf("tenant_id=%s\napi_token=%s\n", t.ID, token)
}
