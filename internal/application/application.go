package application

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/Leighthann/codebreak/internal/auth"
	"github.com/Leighthann/codebreak/internal/cache"
	"github.com/Leighthann/codebreak/internal/config"
	"github.com/Leighthann/codebreak/internal/database"
	"github.com/Leighthann/codebreak/internal/handler"
	"github.com/Leighthann/codebreak/internal/model"
	"github.com/Leighthann/codebreak/internal/repository"
	"github.com/Leighthann/codebreak/internal/router"
	"github.com/Leighthann/codebreak/internal/service"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
)

// serviceName is reported by the gRPC health server.
const serviceName = "codebreak"

// Gateway is every persistence operation the hub needs.
type Gateway interface {
	service.SessionStore
	service.LeaderboardStore
	service.AchievementStore
	service.TransferStore
}

// API is the HTTP + WebSocket API application.
type API struct {
	cfg      *config.Config
	log      *zap.Logger
	srv      *http.Server
	grpcSrv  *grpc.Server
	health   *health.Server
	db       *gorm.DB
	rdb      *redis.Client
	registry *service.Registry
	hub      *service.Broadcaster
	sessions *service.SessionManager
	sweeper  *service.Sweeper
}

// NewLogger builds the process logger: development output outside production, level from LOG_LEVEL.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.AppEnv == "development" {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.LogLevel != "" {
		lvl, err := zapcore.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zc.Build()
}

// OpenGateway returns the persistence gateway selected by STORE. With postgres it
// runs migrations first; the returned *gorm.DB is nil for the memory store.
func OpenGateway(cfg *config.Config, log *zap.Logger) (Gateway, *gorm.DB, error) {
	if cfg.Store == config.StoreMemory {
		log.Warn("using in-memory store, state is lost on restart")
		return repository.NewMemoryGateway(), nil, nil
	}
	if err := database.MigrateUp(cfg.DatabaseURL()); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	db, err := database.Open(cfg.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("database: %w", err)
	}
	return repository.NewGormGateway(db), db, nil
}

// NewAPI creates the API application: validates config, opens the store,
// recovers orphaned sessions and builds the router.
func NewAPI(ctx context.Context, cfg *config.Config) (*API, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}

	gw, db, err := OpenGateway(cfg, logger)
	if err != nil {
		return nil, err
	}
	checks := map[string]handler.Pinger{}
	if db != nil {
		checks["postgres"] = database.Ping(db)
	}

	var lbCache service.LeaderboardCache
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = cache.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		lbCache = cache.NewLeaderboardCache(rdb, cfg.LeaderboardCacheTTL)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	registry := service.NewRegistry(logger)
	hub := service.NewBroadcaster(cfg.WSOutboundQueue, cfg.WSCriticalWait, registry, logger)
	sessions := service.NewSessionManager(gw, registry, hub, service.SessionOptions{
		DefaultMaxMembers: cfg.SessionDefaultMaxMembers,
		MaxMembersLimit:   cfg.SessionMaxMembersLimit,
		IdleThreshold:     cfg.SessionIdleThreshold,
	}, logger)
	achievements := service.NewAchievements(gw, sessions, logger)
	leaderboard := service.NewLeaderboard(gw, lbCache, sessions, achievements, service.LeaderboardOptions{
		DefaultLimit: cfg.LeaderboardDefaultLimit,
		MaxLimit:     cfg.LeaderboardMaxLimit,
	}, logger)
	transfers := service.NewTransfers(gw, sessions, achievements, logger)

	if _, err := sessions.Recover(ctx); err != nil {
		logger.Warn("recover sessions failed", zap.Error(err))
	}

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	r := router.New(router.Handlers{
		Sessions:    handler.NewSessionHandler(sessions, transfers, cfg.WSBaseURL),
		Leaderboard: handler.NewLeaderboardHandler(leaderboard),
		Players:     handler.NewPlayerHandler(achievements, transfers, sessions),
		WS: handler.NewGameWSHandler(registry, sessions, transfers, verifier, handler.WSOptions{
			ReadBufferSize:  cfg.WSReadBufferSize,
			WriteBufferSize: cfg.WSWriteBufferSize,
			MaxMessageSize:  cfg.WSMaxMessageSize,
			PingInterval:    cfg.WSPingInterval,
			PongWait:        cfg.WSPongWait,
			ErrorWait:       cfg.WSCriticalWait,
			ChatMaxLength:   cfg.ChatMaxLength,
			Conn: service.ConnOptions{
				QueueSize:     cfg.WSOutboundQueue,
				PositionRate:  cfg.WSPositionRate,
				PositionBurst: cfg.WSPositionBurst,
			},
		}, logger),
		Health: handler.NewHealthHandler(checks),
	}, verifier, logger)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a := &API{
		cfg:      cfg,
		log:      logger,
		srv:      srv,
		db:       db,
		rdb:      rdb,
		registry: registry,
		hub:      hub,
		sessions: sessions,
		sweeper:  service.NewSweeper(sessions, cfg.SessionSweepInterval, logger),
	}
	if cfg.GRPCPort != "" {
		a.health = health.NewServer()
		a.grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(a.grpcSrv, a.health)
		a.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
		a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}
	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled; then shuts down gracefully.
func (a *API) Run(ctx context.Context) error {
	defer func() { _ = a.log.Sync() }()
	host := a.cfg.AppHost
	if host == "0.0.0.0" {
		host = "localhost"
	}
	base := "http://" + host + ":" + a.cfg.HTTPPort
	a.log.Info("HTTP server listening",
		zap.String("addr", a.srv.Addr),
		zap.String("health", base+"/health"),
		zap.String("sessions", base+"/sessions"),
		zap.String("leaderboard", base+"/leaderboard"),
		zap.String("websocket", "ws://"+host+":"+a.cfg.HTTPPort+"/ws/:username"))

	errCh := make(chan error, 2)
	go func() {
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	if a.grpcSrv != nil {
		lis, err := net.Listen("tcp", a.cfg.GRPCAddr())
		if err != nil {
			_ = a.shutdown()
			return fmt.Errorf("grpc listen: %w", err)
		}
		a.log.Info("gRPC health server listening", zap.String("addr", a.cfg.GRPCAddr()))
		go func() {
			if err := a.grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc: %w", err)
			}
		}()
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		a.sweeper.Run(sweepCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.log.Error("server failed", zap.Error(runErr))
	}
	stopSweep()
	<-sweepDone
	if err := a.shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (a *API) shutdown() error {
	if a.health != nil {
		a.health.Shutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var err error
	if serr := a.srv.Shutdown(shutdownCtx); serr != nil {
		err = fmt.Errorf("http shutdown: %w", serr)
	}
	if a.grpcSrv != nil {
		a.grpcSrv.GracefulStop()
	}

	// Hijacked WebSocket connections are not closed by Shutdown.
	for _, conn := range a.registry.Conns() {
		a.registry.Unbind(shutdownCtx, conn, model.LeaveReasonDisconnect)
	}
	a.registry.Wait()
	a.hub.Close()

	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.db != nil {
		if sqlDB, derr := a.db.DB(); derr == nil {
			_ = sqlDB.Close()
		}
	}
	a.log.Info("shutdown complete")
	return err
}

// SweepOnce deletes inactive sessions idle for longer than idle (the configured
// threshold when idle <= 0) and returns how many were removed.
func SweepOnce(ctx context.Context, cfg *config.Config, idle time.Duration) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, fmt.Errorf("config: %w", err)
	}
	logger, err := NewLogger(cfg)
	if err != nil {
		return 0, err
	}
	defer func() { _ = logger.Sync() }()
	gw, db, err := OpenGateway(cfg, logger)
	if err != nil {
		return 0, err
	}
	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
	}
	if idle <= 0 {
		idle = cfg.SessionIdleThreshold
	}
	registry := service.NewRegistry(logger)
	hub := service.NewBroadcaster(1, 0, registry, logger)
	defer hub.Close()
	sessions := service.NewSessionManager(gw, registry, hub, service.SessionOptions{
		DefaultMaxMembers: cfg.SessionDefaultMaxMembers,
		MaxMembersLimit:   cfg.SessionMaxMembersLimit,
		IdleThreshold:     idle,
	}, logger)
	return sessions.Sweep(ctx, time.Now().UTC())
}
