package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/storage/memory/v2"
	"github.com/gofiber/storage/redis/v3"
	"github.com/khanghh/kshelf/internal/audit"
	"github.com/khanghh/kshelf/internal/common"
	"github.com/khanghh/kshelf/internal/config"
	"github.com/khanghh/kshelf/internal/handlers/api"
	"github.com/khanghh/kshelf/internal/middlewares"
	"github.com/khanghh/kshelf/internal/render"
	"github.com/khanghh/kshelf/internal/store"
	"github.com/khanghh/kshelf/model"
	"github.com/khanghh/kshelf/params"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
	"gorm.io/plugin/dbresolver"
)

var (
	app       *cli.App
	gitCommit string
	gitDate   string
	gitTag    string
)

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "YAML config file",
		Value: "config.yaml",
	}
	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Enable debug logging",
	}
	nodeIDFlag = &cli.Int64Flag{
		Name:  "node-id",
		Usage: "Snowflake node id, overrides nodeId from the config file",
	}
	maxAgeDaysFlag = &cli.IntFlag{
		Name:     "max-age-days",
		Usage:    "Delete archives older than this many days",
		Required: true,
	}
)

func init() {
	app = cli.NewApp()
	app.EnableBashCompletion = true
	app.Usage = "kshelf - audit log service of the kshelf catalog"
	app.Flags = []cli.Flag{
		configFileFlag,
		debugFlag,
		nodeIDFlag,
	}
	app.Commands = []*cli.Command{
		{
			Name:   "serve",
			Usage:  "Run the admin API and the retention scheduler",
			Action: run,
		},
		{
			Name:   "cleanup",
			Usage:  "Run one retention cleanup cycle and exit",
			Action: runCleanup,
		},
		{
			Name:  "archives",
			Usage: "Manage audit archives",
			Subcommands: []*cli.Command{
				{
					Name:   "list",
					Usage:  "List archive files",
					Action: listArchives,
				},
				{
					Name:   "prune",
					Usage:  "Delete archive files older than --max-age-days",
					Flags:  []cli.Flag{maxAgeDaysFlag},
					Action: pruneArchives,
				},
			},
		},
		{
			Name: "version",
			Action: func(ctx *cli.Context) error {
				version := params.VersionWithCommit(gitCommit, gitDate)
				if gitTag != "" {
					version = gitTag + " (" + version + ")"
				}
				fmt.Println(version)
				return nil
			},
		},
	}
	app.Action = run
}

func mustInitLogger(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))
}

func mustInitDatabase(dbConfig config.MySQLConfig) *gorm.DB {
	db, err := gorm.Open(mysql.Open(dbConfig.Dsn), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			TablePrefix:   dbConfig.TablePrefix,
			SingularTable: true,
		},
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	resolver := dbresolver.Register(dbresolver.Config{
		Replicas: replicaDialectors(dbConfig.Replicas),
		Policy:   dbresolver.RandomPolicy{},
	})
	if dbConfig.MaxIdleConns > 0 {
		resolver = resolver.SetMaxIdleConns(dbConfig.MaxIdleConns)
	}
	if dbConfig.MaxOpenConns > 0 {
		resolver = resolver.SetMaxOpenConns(dbConfig.MaxOpenConns)
	}
	if dbConfig.ConnMaxIdleTime > 0 {
		resolver = resolver.SetConnMaxIdleTime(time.Duration(dbConfig.ConnMaxIdleTime) * time.Second)
	}
	if dbConfig.ConnMaxLifetime > 0 {
		resolver = resolver.SetConnMaxLifetime(time.Duration(dbConfig.ConnMaxLifetime) * time.Second)
	}
	if err := db.Use(resolver); err != nil {
		slog.Error("Failed to configure database resolver", "error", err)
		os.Exit(1)
	}

	if err := model.AutoMigrate(db); err != nil {
		slog.Error("Database migration failed", "error", err)
		os.Exit(1)
	}

	return db
}

func replicaDialectors(dsns []string) []gorm.Dialector {
	replicas := make([]gorm.Dialector, 0, len(dsns))
	for _, dsn := range dsns {
		replicas = append(replicas, mysql.Open(dsn))
	}
	return replicas
}

func mustInitRedisStorage(redisCfg config.RedisConfig) *redis.Storage {
	return redis.New(redis.Config{
		URL:           redisCfg.URL,
		PoolSize:      redisCfg.PoolSize,
		IsClusterMode: redisCfg.ClusterMode,
	})
}

// mustInitStorage returns the limiter storage, the cache storage and, when
// redis is configured, its client for readiness checks.
func mustInitStorage(redisCfg config.RedisConfig) (fiber.Storage, store.Storage, goredis.UniversalClient) {
	if redisCfg.URL == "" {
		slog.Warn("Redis is not configured, using in-memory storage")
		memStorage := memory.New()
		return memStorage, store.NewFiberStorage(memStorage), nil
	}
	redisStorage := mustInitRedisStorage(redisCfg)
	return redisStorage, store.NewRedisStorage(redisStorage.Conn()), redisStorage.Conn()
}

func mustInitArchiveUploader(ctx context.Context, s3Cfg config.S3Config) audit.ArchiveUploader {
	if s3Cfg.Bucket == "" {
		return nil
	}
	uploader, err := audit.NewS3Uploader(ctx, s3Cfg.Region, s3Cfg.Bucket, s3Cfg.Prefix)
	if err != nil {
		slog.Error("Failed to initialize S3 archive mirror", "error", err)
		os.Exit(1)
	}
	return uploader
}

type auditComponents struct {
	recorder  *audit.Recorder
	archiver  *audit.Archiver
	cleanup   *audit.CleanupService
	query     *audit.QueryService
	pruner    *audit.ArchivePruner
	scheduler *audit.Scheduler
}

func initAuditComponents(ctx context.Context, cfg *config.Config, configFile string, db *gorm.DB, cacheStorage store.Storage, reg prometheus.Registerer) *auditComponents {
	auditCfg := cfg.Audit
	archiveFormat, err := audit.ParseArchiveFormat(auditCfg.ArchiveFormat)
	if err != nil {
		slog.Error("Invalid archive format", "error", err)
		os.Exit(1)
	}

	var statsCache audit.StatsCache
	if cacheStorage != nil {
		statsCache = store.New[audit.Stats](cacheStorage, "kshelf:")
	}

	var (
		metrics  = audit.NewMetrics(reg)
		repo     = audit.NewAuditEventRepository(db)
		recorder = audit.NewRecorder(repo, metrics)
		archiver = audit.NewArchiver(auditCfg.ArchivePath, mustInitArchiveUploader(ctx, auditCfg.S3), metrics)
		loader   = config.NewRetentionPolicyLoader(configFile, auditCfg.RetentionPolicies)
		cleanup  = audit.NewCleanupService(repo, recorder, archiver, loader, statsCache, metrics, audit.CleanupOptions{
			ArchiveBeforeDelete: auditCfg.ArchiveBeforeDelete,
			ArchiveFormat:       archiveFormat,
			CompressArchives:    auditCfg.CompressArchives,
		})
	)
	return &auditComponents{
		recorder:  recorder,
		archiver:  archiver,
		cleanup:   cleanup,
		query:     audit.NewQueryService(repo, archiver, recorder, statsCache, auditCfg.StatsCacheTTL),
		pruner:    audit.NewArchivePruner(archiver, recorder, auditCfg.ArchiveMaxAgeDays, auditCfg.ArchivePruneSchedule),
		scheduler: audit.NewScheduler(cleanup, auditCfg.CleanupEnabled, auditCfg.CleanupInterval()),
	}
}

func setupAPIRoutes(router fiber.Router, cfg *config.Config, limiterStorage fiber.Storage, components *auditComponents) {
	auditHandler := api.NewAuditHandler(
		components.query,
		components.cleanup,
		components.archiver,
		components.pruner,
		components.recorder,
	)

	adminRouter := router.Group("/api/admin/audit",
		limiter.New(limiter.Config{
			Max:        cfg.Admin.RateLimit.Max,
			Expiration: cfg.Admin.RateLimit.Expiration,
			Storage:    limiterStorage,
			LimitReached: func(ctx *fiber.Ctx) error {
				return render.RenderError(ctx, fiber.StatusTooManyRequests, "Too many requests")
			},
		}),
		middlewares.Authenticate(cfg.Admin.JWTSecret, components.recorder),
	)
	auditHandler.Register(adminRouter)
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig(ctx.String(configFileFlag.Name))
	if err != nil {
		slog.Error("Could not load config file.", "error", err)
		return nil, err
	}
	mustInitLogger(cfg.Debug || ctx.IsSet(debugFlag.Name))
	if ctx.IsSet(nodeIDFlag.Name) {
		cfg.NodeID = ctx.Int64(nodeIDFlag.Name)
	}
	if err := model.SetNodeID(cfg.NodeID); err != nil {
		return nil, fmt.Errorf("invalid node id %d: %w", cfg.NodeID, err)
	}
	return cfg, nil
}

func run(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("admin.jwtSecret is required")
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	db := mustInitDatabase(cfg.MySQL)
	limiterStorage, cacheStorage, rdb := mustInitStorage(cfg.Redis)
	components := initAuditComponents(sigCtx, cfg, ctx.String(configFileFlag.Name), db, cacheStorage, reg)

	router := fiber.New(fiber.Config{
		Prefork:       false,
		CaseSensitive: true,
		BodyLimit:     params.ServerBodyLimit,
		IdleTimeout:   params.ServerIdleTimeout,
		ReadTimeout:   params.ServerReadTimeout,
		WriteTimeout:  params.ServerWriteTimeout,
		ErrorHandler:  middlewares.ErrorHandler(components.recorder),
	})

	router.Use(recover.New())
	router.Use(requestid.New())
	router.Use(logger.New())
	router.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.AllowOrigins, ", "),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))
	setupAPIRoutes(router, cfg, limiterStorage, components)

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		components.scheduler.Run(sigCtx)
	}()

	if err := components.pruner.Start(); err != nil {
		slog.Error("Failed to start archive pruner", "error", err)
		return err
	}

	healthCheckDone := make(chan struct{})
	go common.StartHealthCheckServer(sigCtx, healthCheckDone, cfg.HealthAddr, common.NewHealthCheckHandler(rdb, db, reg))

	defer func() {
		stop()
		components.pruner.Stop()
		<-schedulerDone
		<-healthCheckDone
	}()

	go func() {
		<-sigCtx.Done()
		if err := router.ShutdownWithTimeout(10 * time.Second); err != nil {
			slog.Error("Failed to shut down server", "error", err)
		}
	}()
	return router.Listen(cfg.ListenAddr)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runCleanup(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	db := mustInitDatabase(cfg.MySQL)
	components := initAuditComponents(ctx.Context, cfg, ctx.String(configFileFlag.Name), db, nil, prometheus.NewRegistry())

	result, err := components.cleanup.RunCycle(ctx.Context)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func listArchives(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	archiver := audit.NewArchiver(cfg.Audit.ArchivePath, nil, nil)
	return printJSON(archiver.ListArchives())
}

func pruneArchives(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	maxAgeDays := ctx.Int(maxAgeDaysFlag.Name)
	if maxAgeDays < 0 || maxAgeDays > params.ArchiveMaxAgeMaxDays {
		return fmt.Errorf("--%s must be between 0 and %d", maxAgeDaysFlag.Name, params.ArchiveMaxAgeMaxDays)
	}
	db := mustInitDatabase(cfg.MySQL)
	components := initAuditComponents(ctx.Context, cfg, ctx.String(configFileFlag.Name), db, nil, prometheus.NewRegistry())

	deleted, err := components.pruner.PruneOlderThan(ctx.Context, audit.SystemActor, maxAgeDays)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d archive files\n", deleted)
	return nil
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
