// Точка входа Document Store — хранилище файлов регистраций портала ГУ.
// Загружает конфигурацию, создаёт файловое хранилище и движок сжатия,
// при наличии DS_DB_HOST подключает реестр метаданных в PostgreSQL,
// запускает фоновый аудит, topologymetrics и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/giportal/document-store/internal/api/handlers"
	"github.com/bigkaa/giportal/document-store/internal/api/middleware"
	"github.com/bigkaa/giportal/document-store/internal/compression"
	"github.com/bigkaa/giportal/document-store/internal/config"
	"github.com/bigkaa/giportal/document-store/internal/database"
	"github.com/bigkaa/giportal/document-store/internal/repository"
	"github.com/bigkaa/giportal/document-store/internal/server"
	"github.com/bigkaa/giportal/document-store/internal/service"
	"github.com/bigkaa/giportal/document-store/internal/storage/filestore"
	"github.com/bigkaa/giportal/document-store/internal/urlmap"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Document Store запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("storage_dir", cfg.StorageDir),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Файловое хранилище
	store, err := filestore.New(cfg.StorageDir)
	if err != nil {
		logger.Error("Ошибка инициализации хранилища", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Движок сжатия и кэш метаданных
	engine := compression.New(compression.Options{TargetSize: cfg.CompressionTarget}, logger)

	var cache *service.MetadataCache
	if cfg.MetaCacheSize > 0 {
		cache = service.NewMetadataCache(cfg.MetaCacheSize, cfg.MetaCacheTTL)
	}

	storageMgr := service.NewStorageManager(store, engine, cache, logger)

	// 5. Реестр метаданных (опционально)
	var (
		mirror   service.MetadataMirror
		checkers []handlers.ReadinessChecker
		dephCfg  = service.DephealthConfig{
			ServiceID:     cfg.ServiceID,
			Group:         cfg.DephealthGroup,
			JWKSURL:       cfg.JWKSUrl,
			CheckInterval: cfg.DephealthCheckInterval,
		}
	)
	if cfg.DatabaseEnabled() {
		logger.Info("Применение миграций БД...")
		if err := database.Migrate(cfg, logger); err != nil {
			logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
			os.Exit(1)
		}

		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer pool.Close()

		// Адаптер pgxpool → *sql.DB для topologymetrics
		pgDB := stdlib.OpenDBFromPool(pool)
		defer pgDB.Close()

		mirror = repository.NewStoredFileRepository(pool)
		storageMgr.SetMirror(mirror)
		checkers = append(checkers, database.NewReadinessChecker(pool))

		dephCfg.DB = pgDB
		dephCfg.PgConnURL = cfg.DatabaseURL()
	} else {
		logger.Info("DS_DB_HOST не задан, реестр метаданных отключён")
	}

	// 6. JWT middleware (опционально)
	var jwtAuth *middleware.JWTAuth
	if cfg.JWTEnabled() {
		jwtAuth, err = middleware.NewJWTAuth(middleware.JWKSConfig{
			URL:             cfg.JWKSUrl,
			CACertPath:      cfg.JWKSCACert,
			TLSSkipVerify:   cfg.JWKSTLSSkipVerify,
			ClientTimeout:   cfg.JWKSClientTimeout,
			RefreshInterval: cfg.JWKSRefreshInterval,
			Leeway:          cfg.JWTLeeway,
		}, logger)
		if err != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer jwtAuth.Close()
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.JWKSUrl),
			slog.String("audit_scope", cfg.AuditScope),
		)
	} else {
		logger.Warn("DS_JWKS_URL не задан, загрузка и аудит доступны без аутентификации")
	}

	// 7. Фоновый аудит
	auditSvc := service.NewAuditService(store, mirror, cfg.AuditInterval, logger)
	auditSvc.Start(ctx)
	defer auditSvc.Stop()

	// 8. topologymetrics — мониторинг зависимостей (PostgreSQL + JWKS)
	dephealthSvc, err := service.NewDephealthService(dephCfg, logger)
	switch {
	case errors.Is(err, service.ErrNoDependencies):
		logger.Info("topologymetrics не запущен: нет внешних зависимостей")
	case err != nil:
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", err.Error()),
		)
	default:
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics", slog.String("error", startErr.Error()))
		} else {
			defer dephealthSvc.Stop()
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 9. HTTP-обработчики и сервер
	urls := urlmap.New(cfg.URLPrefix, cfg.StaticPrefix)
	srv := server.New(cfg, logger, server.Handlers{
		Registrations: handlers.NewRegistrationsHandler(storageMgr, urls, cfg.MaxUploadSize, logger),
		Files:         handlers.NewFilesHandler(storageMgr, urls, logger),
		Maintenance:   handlers.NewMaintenanceHandler(auditSvc),
		Health:        handlers.NewHealthHandler(store.RootDir(), checkers...),
	}, jwtAuth)

	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1) //nolint:gocritic // defer не выполнится, процесс завершается с ошибкой
	}

	logger.Info("Document Store остановлен")
}
