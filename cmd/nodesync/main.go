package main

import (
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/membergate/nodesync/app/models"
	apiv1 "github.com/membergate/nodesync/internal/api/v1"
	"github.com/membergate/nodesync/internal/pkg/alerting"
	"github.com/membergate/nodesync/internal/pkg/cache"
	"github.com/membergate/nodesync/internal/pkg/database"
	"github.com/membergate/nodesync/internal/pkg/env"
	"github.com/membergate/nodesync/internal/pkg/nodepoll"
	"github.com/membergate/nodesync/internal/pkg/resync"
	"github.com/membergate/nodesync/internal/pkg/router"
	"github.com/membergate/nodesync/internal/pkg/scheduler"
	"github.com/membergate/nodesync/internal/pkg/statestore"
)

func main() {
	app, manager := NewApplication()

	// stop tickers cleanly on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("[App] Shutdown signal received")
		manager.Stop()
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	stdlog.Fatal(err)
}

func NewApplication() (*fiber.App, *scheduler.Manager) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	if err := models.LoadSettings(db); err != nil {
		log.Errorf("[App] Failed to load settings, using defaults: %v", err)
	}

	var store statestore.Store
	if env.GetEnv("STATE_STORE", "db") == "redis" {
		store = statestore.NewRedisStore(cache.GetClient(), "")
	} else {
		store = statestore.NewGormStore(db)
	}

	client := nodepoll.NewClient(
		env.GetEnv("NODE_API_BASE_URL", ""),
		env.GetEnv("NODE_API_TOKEN", ""),
	)
	engine := nodepoll.NewEngine(store, nodepoll.NewRepository(db), client)
	engine.OnResult = func(jobName, status, errExcerpt string) {
		alerting.HandleJobResult(store, jobName, status, errExcerpt, models.GetAppSettings())
	}

	resyncJob := resync.NewJob(db, store)
	resyncJob.OnResult = engine.OnResult

	manager := scheduler.NewManager(engine, resyncJob)
	manager.Start()

	app := fiber.New(fiber.Config{
		AppName: "NodeSync",
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// prometheus metrics
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// ROUTER
	router.InstallRouter(app, apiv1.NewAPIServer(engine, resyncJob))

	return app, manager
}
