package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"supportchat/config"
	_ "supportchat/docs"
	"supportchat/internal/realtime"
	"supportchat/internal/repository"
	"supportchat/internal/service"
	"supportchat/internal/storage"
	"supportchat/internal/transport/rest"
	"supportchat/internal/transport/websocket"
	"supportchat/pkg/database"
	"supportchat/pkg/logger"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

const shutdownTimeout = 5 * time.Second

// @title Support Chat API
// @version 1.0
// @description Чат поддержки: очередь обращений, назначение специалиста и обмен сообщениями

// @BasePath /api/v1

// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name Authorization
func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		panic(err)
	}

	log, err := logger.NewLogger(cfg.Environment, cfg.LogLevel, logger.WithService(cfg.Name, cfg.Version))
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Сервер остановлен с ошибкой", zap.Error(err))
		os.Exit(1)
	}

	log.Info("Сервер успешно остановлен")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	var rdb *redis.Client
	if cfg.Chat.Broker == config.BrokerRedis {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("не удалось подключиться к Redis: %w", err)
		}
		log.Info("Redis подключен", zap.String("addr", cfg.Redis.Addr))
	}

	var repos *repository.Repositories
	switch cfg.Chat.Backend {
	case config.BackendPostgres:
		db, err := database.NewPostgresDB(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		defer db.Close()

		log.Info("Запуск миграций базы данных")
		if err := database.RunMigrations(ctx, db, cfg.Postgres.MigrationsDir, log); err != nil {
			return err
		}
		log.Info("Миграции успешно выполнены")

		repos = repository.NewRepositories(db, rdb)
	default:
		log.Warn("Используется хранилище в памяти, данные не переживут перезапуск")
		repos = repository.NewMemoryRepositories()
	}

	var broker realtime.Broker
	if rdb != nil {
		broker = realtime.NewRedisBroker(rdb, realtime.DefaultBufferSize, log)
	} else {
		broker = realtime.NewMemoryBroker(realtime.DefaultBufferSize, log)
	}
	defer broker.Close()

	var fileStorage storage.FileStorage
	if cfg.S3.Endpoint != "" {
		s3Storage, err := storage.NewS3Storage(ctx, cfg.S3, log)
		if err != nil {
			return err
		}
		fileStorage = s3Storage
		log.Info("S3 хранилище успешно инициализировано", zap.String("endpoint", cfg.S3.Endpoint))
	} else {
		log.Warn("S3 хранилище не настроено, вложения хранятся в памяти")
		fileStorage = storage.NewMemoryStorage()
	}

	services := service.NewServices(service.Deps{
		Repos:       repos,
		Broker:      broker,
		Logger:      log,
		Config:      cfg,
		FileStorage: fileStorage,
	})

	hub := websocket.NewHub(services, broker, log)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	rest.NewHandler(services, log, cfg, hub).InitRoutes(router)

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.GET("/swagger", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/swagger/index.html")
	})

	srv := &http.Server{
		Addr:           ":" + cfg.HTTP.Port,
		Handler:        router,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderMB << 20,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("Сервер запущен", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return services.Sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Выключение сервера...")

		hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
