// reconcile.go — фоновая сверка состояния БД и Authorization Authority.
//
// Сага Create/Delete может прерваться между шагами: падение процесса,
// сетевой сбой, неудачная компенсация. Сверка периодически добирает два
// вида остатков:
//
//   - брошенные резервации — active-строки без роли старше грейс-периода;
//   - зависшие удаления — pending_deletion-строки, не обновлявшиеся
//     дольше порога.
//
// Обе операции очистки идемпотентны, поэтому сверка безопасна при
// одновременной работе нескольких реплик модуля.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/bigkaa/platform/accounts-module/internal/authclient"
	"github.com/bigkaa/platform/accounts-module/internal/domain/model"
	"github.com/bigkaa/platform/accounts-module/internal/repository"
)

var (
	reconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acm_reconcile_runs_total",
		Help: "Количество проходов фоновой сверки",
	})
	reconcileCleaned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acm_reconcile_cleaned_total",
		Help: "Количество записей, очищенных сверкой",
	}, []string{"kind"})
	reconcileErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acm_reconcile_errors_total",
		Help: "Количество ошибок при очистке записей сверкой",
	})
	reconcileLastRun = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "acm_reconcile_last_run_timestamp_seconds",
		Help: "Время завершения последнего прохода сверки",
	})
	reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "acm_reconcile_duration_seconds",
		Help:    "Длительность прохода фоновой сверки",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s … ~51s
	})
)

// Метки kind в acm_reconcile_cleaned_total.
const (
	kindAbandoned = "abandoned_reservation"
	kindPending   = "stuck_pending_deletion"
)

// ReconcilerConfig — параметры фоновой сверки.
type ReconcilerConfig struct {
	Interval     time.Duration // Период между проходами
	GracePeriod  time.Duration // Возраст резервации, после которого она считается брошенной
	PendingAfter time.Duration // Давность pending_deletion, после которой удаление считается зависшим
	BatchSize    int           // Максимум записей каждого вида за проход
	RateLimit    float64       // Максимум вызовов Authority в секунду
}

// Reconciler — фоновая сверка остатков прерванных саг.
type Reconciler struct {
	auth    Authority
	saRepo  repository.ServiceAccountRepository
	cfg     ReconcilerConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler создаёт фоновую сверку.
func NewReconciler(
	auth Authority,
	saRepo repository.ServiceAccountRepository,
	cfg ReconcilerConfig,
	logger *slog.Logger,
) *Reconciler {
	burst := int(cfg.RateLimit)
	if burst < 1 {
		burst = 1
	}
	return &Reconciler{
		auth:    auth,
		saRepo:  saRepo,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), burst),
		logger:  logger.With(slog.String("component", "reconciler")),
	}
}

// Start запускает периодические проходы сверки в отдельной горутине.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()

		r.logger.Info("Фоновая сверка запущена",
			slog.Duration("interval", r.cfg.Interval),
			slog.Duration("grace_period", r.cfg.GracePeriod),
		)

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Фоновая сверка остановлена")
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()
}

// Stop останавливает сверку и дожидается завершения текущего прохода.
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

// RunOnce выполняет один проход сверки.
func (r *Reconciler) RunOnce(ctx context.Context) {
	reconcileRuns.Inc()
	start := time.Now()

	abandoned := r.sweepAbandoned(ctx)
	pending := r.sweepStuckPending(ctx)

	reconcileLastRun.SetToCurrentTime()
	reconcileDuration.Observe(time.Since(start).Seconds())
	if abandoned > 0 || pending > 0 {
		r.logger.Info("Проход сверки завершён",
			slog.Int("abandoned_cleaned", abandoned),
			slog.Int("pending_cleaned", pending),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

// sweepAbandoned убирает брошенные резервации: active-строки без роли
// старше грейс-периода. Грейс-период защищает Create, который ещё идёт.
func (r *Reconciler) sweepAbandoned(ctx context.Context) int {
	olderThan := time.Now().Add(-r.cfg.GracePeriod)
	candidates, err := r.saRepo.ListAbandoned(ctx, olderThan, r.cfg.BatchSize)
	if err != nil {
		reconcileErrors.Inc()
		r.logger.Error("Выборка брошенных резерваций не удалась",
			slog.String("error", err.Error()))
		return 0
	}

	cleaned := 0
	for _, sa := range candidates {
		// Роль могла успеть появиться до падения Create — имя роли
		// детерминировано, поэтому восстановимо и без записи в БД.
		if r.cleanup(ctx, sa, roleName(sa.Owner, sa.Name), kindAbandoned) {
			cleaned++
		}
	}
	return cleaned
}

// sweepStuckPending завершает зависшие удаления.
func (r *Reconciler) sweepStuckPending(ctx context.Context) int {
	olderThan := time.Now().Add(-r.cfg.PendingAfter)
	candidates, err := r.saRepo.ListStuckPending(ctx, olderThan, r.cfg.BatchSize)
	if err != nil {
		reconcileErrors.Inc()
		r.logger.Error("Выборка зависших удалений не удалась",
			slog.String("error", err.Error()))
		return 0
	}

	cleaned := 0
	for _, sa := range candidates {
		role := sa.Role
		if role == "" {
			role = roleName(sa.Owner, sa.Name)
		}
		if r.cleanup(ctx, sa, role, kindPending) {
			cleaned++
		}
	}
	return cleaned
}

// cleanup отзывает роль и удаляет строку. Строка удаляется только после
// подтверждения, что роли в Authority нет: при недоступности Authority
// запись остаётся до следующего прохода.
func (r *Reconciler) cleanup(ctx context.Context, sa *model.ServiceAccount, role, kind string) bool {
	if err := r.limiter.Wait(ctx); err != nil {
		return false
	}

	if err := r.auth.RevokeRole(ctx, role); err != nil && !errors.Is(err, authclient.ErrRoleNotFound) {
		reconcileErrors.Inc()
		r.logger.Warn("Отзыв роли при сверке не удался",
			slog.String("sa_id", sa.ID),
			slog.String("role", role),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return false
	}

	if err := r.saRepo.Remove(ctx, sa.ID); err != nil {
		reconcileErrors.Inc()
		r.logger.Error("Удаление строки при сверке не удалось",
			slog.String("sa_id", sa.ID),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		return false
	}

	reconcileCleaned.WithLabelValues(kind).Inc()
	r.logger.Info("Запись очищена сверкой",
		slog.String("sa_id", sa.ID),
		slog.String("owner", sa.Owner),
		slog.String("name", sa.Name),
		slog.String("kind", kind),
	)
	return true
}
