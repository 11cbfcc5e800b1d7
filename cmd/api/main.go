package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wa-linepool/internal/assignment"
	"wa-linepool/internal/audit"
	"wa-linepool/internal/auth"
	"wa-linepool/internal/config"
	"wa-linepool/internal/failover"
	"wa-linepool/internal/httpapi"
	"wa-linepool/internal/lines"
	"wa-linepool/internal/notify"
	"wa-linepool/internal/outbound"
	"wa-linepool/internal/pending"
	"wa-linepool/internal/presence"
	"wa-linepool/internal/provider"
	"wa-linepool/internal/reporting"
	"wa-linepool/internal/routing"
	"wa-linepool/pkg/logger"
	"wa-linepool/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, "wa-linepool")
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	store := lines.NewPostgresStore(db)
	if err := store.EnsureSchema(rootCtx); err != nil {
		log.Error("schema init failed", "err", err)
		os.Exit(1)
	}

	auditRepo, closeAudit, err := openAudit(rootCtx, cfg, db, log)
	if err != nil {
		log.Error("audit init failed", "err", err)
		os.Exit(1)
	}
	defer closeAudit()
	auditSvc := audit.NewService(auditRepo, logger.Component(log, "audit"))

	instanceID := uuid.NewString()
	notifier := &notify.RedisNotifier{Client: rdb, SenderID: instanceID, Log: logger.Component(log, "notify")}
	prov := provider.NewGateway(cfg.Provider.BaseURL, cfg.Provider.Token, cfg.Provider.Timeout)

	retry := utils.RetryPolicy{Attempts: cfg.Engine.RetryAttempts, BaseDelay: cfg.Engine.RetryBaseDelay}
	txTimeout := cfg.Engine.TxTimeout

	resolver := assignment.NewResolver(cfg.Engine.DefaultSegment)
	bindings := assignment.NewService(store, auditSvc, logger.Component(log, "bindings"), assignment.Options{TxTimeout: txTimeout, Retry: retry})
	queue := pending.NewQueue(store, auditSvc, logger.Component(log, "pending"), pending.Options{TxTimeout: txTimeout, Retry: retry})
	router := routing.NewRouter(store, notifier, auditSvc, logger.Component(log, "routing"), routing.Options{TxTimeout: txTimeout, Retry: retry})

	controller := failover.NewController(bindings, resolver, notifier, auditSvc,
		utils.RedisGuard{Client: rdb, Prefix: "linepool:guard:", TTL: 2 * time.Minute},
		logger.Component(log, "failover"),
		failover.Options{FollowupDelay: cfg.Engine.FollowupDelay},
	)
	monitor := failover.NewMonitor(store, prov, controller, logger.Component(log, "health"), failover.MonitorOptions{
		Interval:        cfg.Engine.HealthInterval,
		ClosedThreshold: cfg.Engine.ClosedThreshold,
		TxTimeout:       txTimeout,
	})

	h := httpapi.Handlers{
		Auth:           authManager,
		Router:         router,
		Presence:       presence.NewService(bindings, resolver, queue, notifier, logger.Component(log, "presence"), presence.Options{DrainLimit: cfg.Engine.DrainLimit}),
		Outbound:       outbound.NewService(bindings, resolver, prov, auditSvc, logger.Component(log, "outbound"), outbound.Options{TxTimeout: txTimeout, SendRetry: retry}),
		Bindings:       bindings,
		Failover:       controller,
		Reporting:      reporting.NewService(store, txTimeout),
		AllowTokenMint: cfg.IsLocal(),
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, h, auth.RequireAccessToken(authManager), readiness(db, rdb))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go monitor.Run(rootCtx)

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "instance_id", instanceID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

// openAudit fans audit events out to Postgres and, when AMQP_URL is set, to
// the audit exchange.
func openAudit(ctx context.Context, cfg config.Config, db *sql.DB, log *slog.Logger) (audit.Repository, func(), error) {
	pg := audit.NewPostgresRepo(db)
	if err := pg.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	if cfg.AMQP.URL == "" {
		return pg, func() {}, nil
	}
	mq, err := audit.NewAMQPRepo(cfg.AMQP.URL, cfg.AMQP.AuditExchange, logger.Component(log, "audit-amqp"))
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := mq.Close(); err != nil {
			log.Warn("amqp close failed", "err", err)
		}
	}
	return audit.MultiRepo{pg, mq}, closeFn, nil
}
