// Точка входа Accounts Module — координатор жизненного цикла сервисных
// аккаунтов. Загружает конфигурацию, подключается к PostgreSQL, применяет
// миграции, инициализирует клиент Authorization Authority, создаёт
// сервисный слой и API handlers, запускает фоновую сверку и
// topologymetrics, HTTP-сервер с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/platform/accounts-module/internal/api/handlers"
	"github.com/bigkaa/platform/accounts-module/internal/api/middleware"
	"github.com/bigkaa/platform/accounts-module/internal/authclient"
	"github.com/bigkaa/platform/accounts-module/internal/config"
	"github.com/bigkaa/platform/accounts-module/internal/database"
	"github.com/bigkaa/platform/accounts-module/internal/repository"
	"github.com/bigkaa/platform/accounts-module/internal/server"
	"github.com/bigkaa/platform/accounts-module/internal/service"
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
	logger.Info("Accounts Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	// Предупреждение о дефолтном значении topologymetrics
	if os.Getenv("ACC_DEPHEALTH_GROUP") == "" {
		logger.Warn("ACC_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode).
	// Проверка здоровья PostgreSQL идёт через существующий пул соединений,
	// что позволяет обнаружить его исчерпание.
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. HTTP-клиент с кастомным CA (для Authority)
	var httpClientCA *http.Client
	if cfg.AuthCACertPath != "" {
		httpClientCA, err = buildHTTPClientWithCA(cfg.AuthCACertPath)
		if err != nil {
			logger.Error("Ошибка загрузки CA-сертификата",
				slog.String("path", cfg.AuthCACertPath),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
		logger.Info("CA-сертификат загружен", slog.String("path", cfg.AuthCACertPath))
	}

	// 6. Клиент Authorization Authority
	authClient := authclient.New(
		cfg.AuthURL,
		cfg.AuthClientID,
		cfg.AuthClientSecret,
		httpClientCA, // nil — стандартный пул CA
		logger,
	)
	logger.Info("Клиент Authority создан", slog.String("url", cfg.AuthURL))

	// 7. Repository
	saRepo := repository.NewServiceAccountRepository(pool)

	// 8. Сервисный слой
	accountsSvc := service.NewAccountsService(
		authClient, saRepo,
		cfg.APIBaseURL,
		cfg.AuthRequestTimeout,
		logger,
	)

	// 9. Фоновая сверка
	reconciler := service.NewReconciler(
		authClient, saRepo,
		service.ReconcilerConfig{
			Interval:     cfg.ReconcileInterval,
			GracePeriod:  cfg.ReconcileGracePeriod,
			PendingAfter: cfg.ReconcilePendingAfter,
			BatchSize:    cfg.ReconcileBatchSize,
			RateLimit:    cfg.ReconcileRateLimit,
		},
		logger,
	)

	// 10. Readiness checkers (PostgreSQL + Authority + JWKS)
	pgChecker := database.NewReadinessChecker(pool)
	jwksChecker, err := middleware.NewJWKSReadinessChecker(cfg.JWTJWKSURL, cfg.AuthCACertPath, cfg.JWKSClientTimeout)
	if err != nil {
		logger.Error("Ошибка создания JWKS readiness checker", slog.String("error", err.Error()))
		os.Exit(1)
	}
	healthHandler := handlers.NewHealthHandler(pgChecker, authClient, jwksChecker)

	// 11. API handler
	apiHandler := handlers.NewAPIHandler(healthHandler, accountsSvc, logger)

	// 12. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWTJWKSURL,
		cfg.AuthCACertPath,
		cfg.JWTIssuer,
		cfg.JWKSClientTimeout,
		cfg.JWKSRefreshInterval,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer jwtAuth.Close()
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)

	// 13. Запуск фоновых задач
	reconciler.Start(ctx)

	// 13.1 topologymetrics — мониторинг зависимостей (PostgreSQL + Authority)
	var dephealthSvc *service.DephealthService
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"accounts-module",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.AuthURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 14. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, jwtAuth)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 15. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")

	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	reconciler.Stop()

	logger.Info("Accounts Module остановлен")
}

// buildHTTPClientWithCA создаёт HTTP-клиент с кастомным CA-сертификатом.
func buildHTTPClientWithCA(caCertPath string) (*http.Client, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, err
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs: caCertPool,
			},
		},
	}, nil
}
