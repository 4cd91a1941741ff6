package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/corrosion-check/internal/analysis"
	"github.com/example/corrosion-check/internal/auth"
	"github.com/example/corrosion-check/internal/config"
	"github.com/example/corrosion-check/internal/handlers"
	"github.com/example/corrosion-check/internal/health"
	"github.com/example/corrosion-check/internal/logging"
	"github.com/example/corrosion-check/internal/repository"
	"github.com/example/corrosion-check/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewAnalysisRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
	defer redisClient.Close()

	client, err := analysis.NewClient(analysis.ClientConfig{
		Endpoint:    cfg.AnalysisEndpoint,
		Timeout:     cfg.AnalysisTimeout,
		MaxInFlight: int64(cfg.AnalysisMaxInFlight),
	}, logger)
	if err != nil {
		logger.Fatal("invalid analysis client configuration", zap.Error(err))
	}

	cache := usecase.NewRedisCache(redisClient)
	uc := usecase.NewInspectionUseCase(repo, cache, client, logger).WithResultTTL(cfg.CacheTTL)

	checker := health.NewChecker(2*time.Second, logger).
		Register("database", repo).
		Register("redis", cache)

	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()
	startGRPCHealth(serveCtx, cfg.GRPCAddr, checker, logger)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	authMiddleware := auth.JWTMiddleware(auth.Config{
		Secret:   cfg.JWTSecret,
		Audience: cfg.JWTAudience,
		Disabled: !cfg.AuthEnabled,
	})

	if err := handlers.RegisterRoutes(r, uc, authMiddleware, handlers.Options{
		Health:            checker,
		InferenceUpstream: cfg.InferenceUpstream,
		MaxBatchFiles:     cfg.MaxBatchFiles,
		Logger:            logger,
	}); err != nil {
		logger.Fatal("failed to register routes", zap.Error(err))
	}

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("corrosion analysis API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("analysis_endpoint", client.Endpoint()))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

// startGRPCHealth serves the gRPC health protocol until ctx is cancelled.
// An empty addr disables it.
func startGRPCHealth(ctx context.Context, addr string, checker *health.Checker, logger *zap.Logger) {
	if addr == "" {
		return
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("failed to listen for gRPC health", zap.String("addr", addr), zap.Error(err))
	}
	srv := health.NewGRPCServer(checker, 10*time.Second, logger)
	go func() {
		if err := srv.Serve(ctx, lis); err != nil {
			logger.Error("gRPC health stopped", zap.Error(err))
		}
	}()
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
