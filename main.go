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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/visionchain/retina-api/internal/auth"
	"github.com/visionchain/retina-api/internal/chain"
	"github.com/visionchain/retina-api/internal/chat"
	"github.com/visionchain/retina-api/internal/classifier"
	"github.com/visionchain/retina-api/internal/handlers"
	"github.com/visionchain/retina-api/internal/logging"
	"github.com/visionchain/retina-api/internal/repository"
	"github.com/visionchain/retina-api/internal/retina"
	"github.com/visionchain/retina-api/internal/storage"
	"github.com/visionchain/retina-api/internal/usecase"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	db := initDatabase(ctx, logger)
	repo := repository.NewScreeningRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, logger)

	artifacts := initArtifactStore(ctx, logger)

	classifierURL := getEnv("CLASSIFIER_URL", "http://inference:8500")
	cls := classifier.NewHTTPClient(classifierURL, &http.Client{Timeout: 60 * time.Second}, logger)

	anchorer := chain.NewBlockfrostAnchorer(
		os.Getenv("BLOCKFROST_PROJECT_ID"),
		getEnv("BLOCKFROST_BASE_URL", "https://cardano-preprod.blockfrost.io/api/v0"),
		getEnv("BLOCKFROST_IPFS_URL", "https://ipfs.blockfrost.io/api/v0"),
		&http.Client{Timeout: 30 * time.Second},
		logger,
	)

	chatSvc := chat.NewService(os.Getenv("GROQ_API_KEY"), os.Getenv("GROQ_MODEL"), logger)

	cache := usecase.NewRedisCache(redisClient)
	validator := retina.NewValidator(retina.DefaultConfig())
	uc := usecase.NewScreeningUseCase(repo, cache, cls, artifacts, anchorer, validator, logger)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	r.Use(cors.Default())

	jwtSecret := getEnv("JWT_SECRET", "dev-secret")
	jwtAudience := os.Getenv("JWT_AUDIENCE")
	authMiddleware := auth.JWTMiddleware(jwtSecret, jwtAudience)

	handlers.RegisterRoutes(r, uc, chatSvc, anchorer, authMiddleware)

	server := &http.Server{
		Addr:    ":" + getEnv("PORT", "8080"),
		Handler: r,
	}

	logger.Info("retina API listening", zap.String("addr", server.Addr))
	if err := serveHTTPServer(server, 15*time.Second, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, zapLogger *zap.Logger) *gorm.DB {
	dsn := getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=visionchain port=5432 sslmode=disable")
	// TranslateError maps unique violations to gorm.ErrDuplicatedKey, which
	// the reward claim path depends on.
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Info),
		TranslateError: true,
	})
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

func initRedis(ctx context.Context, zapLogger *zap.Logger) *redis.Client {
	addr := getEnv("REDIS_ADDR", "redis:6379")
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func initArtifactStore(ctx context.Context, zapLogger *zap.Logger) *storage.Store {
	store, err := storage.New(ctx,
		getEnv("MINIO_ENDPOINT", "minio:9000"),
		getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		getEnv("MINIO_SECRET_KEY", "minioadmin"),
		getEnv("MINIO_BUCKET", "retina-artifacts"),
		os.Getenv("MINIO_USE_SSL") == "true",
	)
	if err != nil {
		zapLogger.Fatal("object store init failed", zap.Error(err))
	}
	return store
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithListener(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, listener, nil)
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

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
