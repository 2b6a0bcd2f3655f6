package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"

	"github.com/klinika/klinika/internal/app"
	"github.com/klinika/klinika/internal/platform/cache"
	"github.com/klinika/klinika/internal/platform/db"
	"github.com/klinika/klinika/internal/rbac"
	"github.com/klinika/klinika/internal/shared"
	"github.com/klinika/klinika/migrations"
)

// Seeds a development database with the declared role matrix and issues one
// session per role so the guards can be exercised without a login flow.
func main() {
	skipMatrix := flag.Bool("skip-matrix", false, "do not write the declared matrix")
	flag.Parse()

	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.IsProduction() {
		log.Fatal("refusing to seed a production environment")
	}
	logger := app.NewLogger(cfg)
	ctx := context.Background()

	catalog, err := rbac.DefaultCatalog()
	if err != nil {
		log.Fatalf("load catalog: %v", err)
	}

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool, migrations.Files); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer func() { _ = redisClient.Close() }()

	service, err := rbac.NewService(rbac.NewPostgresStore(pool), catalog, rbac.ServiceConfig{
		Logger:      logger,
		Invalidator: rbac.NewInvalidator(redisClient, logger),
	})
	if err != nil {
		log.Fatalf("init rbac: %v", err)
	}

	if !*skipMatrix {
		fmt.Println("→ Applying role matrix...")
		report, err := service.ApplyMatrix(ctx, rbac.DefaultMatrix())
		if err != nil {
			log.Fatalf("apply matrix: %v", err)
		}
		if report.Dropped() > 0 {
			fmt.Printf("  %d declared identifiers dropped\n", report.Dropped())
		}
	}

	fmt.Println("→ Issuing development sessions...")
	sessions := shared.NewSessionManager(redisClient, cfg.SessionSecret, "klinika_session", cfg.SessionTTL, false)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ROLE\tUSER\tCOOKIE")
	for _, role := range rbac.Roles() {
		userID := "dev-" + string(role)
		sess, err := sessions.Issue(ctx, userID, string(role))
		if err != nil {
			log.Fatalf("issue session for %s: %v", role, err)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s=%s\n", role, userID, sessions.CookieName(), sessions.CookieValue(sess))
	}
	_ = tw.Flush()
	fmt.Println("✓ Seed complete")
}
