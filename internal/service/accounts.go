// accounts.go — координатор жизненного цикла Service Accounts.
//
// Create и Delete — саги с компенсацией поверх двух систем без общей
// транзакции: локальной БД и Authorization Authority. Порядок шагов
// фиксирован:
//
//	Create: резервация имени в БД → роль и токен в Authority → запись роли.
//	        При сбое Authority резервация снимается (полный откат).
//	Delete: pending_deletion в БД → отзыв роли в Authority → удаление строки.
//
// Резервация до обращения к Authority гарантирует, что из конкурентных
// Create с одним (owner, name) дальше БД проходит ровно один: проигравшие
// получают Conflict, не потратив ни одного вызова Authority.
package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/platform/accounts-module/internal/authclient"
	"github.com/bigkaa/platform/accounts-module/internal/domain/model"
	"github.com/bigkaa/platform/accounts-module/internal/repository"
)

// compensationFailures — неснятые резервации после неудачной компенсации.
// Ненулевое значение — сигнал оператору: имя заблокировано до прохода
// фоновой сверки или ручного вмешательства.
var compensationFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "acm_compensation_failures_total",
	Help: "Количество неудачных компенсаций резервации при сбое Create",
})

// Authority — операции Authorization Authority, используемые координатором.
// Реализуется *authclient.Client.
type Authority interface {
	CreateRole(ctx context.Context, name string, scope authclient.RoleScope) (*authclient.RoleRef, error)
	GrantToken(ctx context.Context, role, tokenURI string) (string, error)
	RevokeRole(ctx context.Context, role string) error
}

// AccountsService — координатор жизненного цикла сервисных аккаунтов.
type AccountsService struct {
	auth        Authority
	saRepo      repository.ServiceAccountRepository
	apiBaseURL  string        // Кодируется в выдаваемый токен
	authTimeout time.Duration // Таймаут одного вызова Authority
	logger      *slog.Logger
}

// NewAccountsService создаёт координатор жизненного цикла.
func NewAccountsService(
	auth Authority,
	saRepo repository.ServiceAccountRepository,
	apiBaseURL string,
	authTimeout time.Duration,
	logger *slog.Logger,
) *AccountsService {
	return &AccountsService{
		auth:        auth,
		saRepo:      saRepo,
		apiBaseURL:  apiBaseURL,
		authTimeout: authTimeout,
		logger:      logger.With(slog.String("component", "accounts_service")),
	}
}

// ServiceAccountWithToken — аккаунт с выпущенным токеном.
// Токен возвращается только при создании и больше нигде не хранится.
type ServiceAccountWithToken struct {
	*model.ServiceAccount
	Token string
}

// namePattern — допустимые имена: строчные латинские буквы, цифры,
// дефис не в начале и не в конце.
var namePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// Границы длины имени.
const (
	nameMinLen = 2
	nameMaxLen = 63
)

// validateInput проверяет входные данные Create.
// Невалидный ввод отвергается до любых побочных эффектов.
func validateInput(owner, name string) error {
	if owner == "" {
		return fmt.Errorf("%w: owner не задан", ErrValidation)
	}
	if len(name) < nameMinLen || len(name) > nameMaxLen {
		return fmt.Errorf("%w: длина имени должна быть от %d до %d символов",
			ErrValidation, nameMinLen, nameMaxLen)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: имя может содержать строчные буквы, цифры и дефис", ErrValidation)
	}
	return nil
}

// roleName возвращает детерминированное имя роли в Authority.
// Детерминированность важна для сверки: брошенная резервация позволяет
// восстановить имя роли и отозвать её best-effort.
func roleName(owner, name string) string {
	return fmt.Sprintf("sa--%s--%s", owner, name)
}

// tokenURI возвращает URI, к которому привязывается выпускаемый токен.
func tokenURI(accountID string) string {
	return "token://service_account/" + accountID
}

// encodeToken упаковывает токен, кластер и URL API в непрозрачную строку
// для клиента (base64 JSON).
func (s *AccountsService) encodeToken(authToken, cluster string) string {
	payload, _ := json.Marshal(map[string]string{
		"token":   authToken,
		"cluster": cluster,
		"url":     s.apiBaseURL,
	})
	return base64.StdEncoding.EncodeToString(payload)
}

// mapAuthorityError переводит ошибку Authority в ошибку сервисного слоя.
func mapAuthorityError(err error) error {
	switch {
	case errors.Is(err, authclient.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	case errors.Is(err, authclient.ErrRejected):
		return fmt.Errorf("%w: %v", ErrAuthRejected, err)
	default:
		return fmt.Errorf("ошибка Authority: %w", err)
	}
}

// Create создаёт сервисный аккаунт: резервирует имя в БД, регистрирует
// роль и выпускает токен в Authority, записывает роль.
// Возвращает аккаунт с токеном (токен показывается только один раз).
func (s *AccountsService) Create(ctx context.Context, owner, name, defaultCluster string) (*ServiceAccountWithToken, error) {
	if err := validateInput(owner, name); err != nil {
		return nil, err
	}

	// Шаг 1: резервация имени. Точка линеаризации конкурентных Create —
	// атомарный insert-if-absent в БД.
	sa := &model.ServiceAccount{
		ID:             "sa-" + uuid.New().String(),
		Name:           name,
		Owner:          owner,
		Role:           "",
		DefaultCluster: defaultCluster,
		State:          model.StateActive,
	}
	if err := s.saRepo.CreateReserved(ctx, sa); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: имя %q у владельца %q", ErrConflict, name, owner)
		}
		return nil, fmt.Errorf("резервация имени: %w", err)
	}

	role := roleName(owner, name)

	// Шаг 2: роль в Authority. Таймаут трактуется как сетевой сбой.
	authCtx, cancel := context.WithTimeout(ctx, s.authTimeout)
	ref, err := s.auth.CreateRole(authCtx, role, authclient.RoleScope{
		Owner:   owner,
		Cluster: defaultCluster,
	})
	cancel()
	if err != nil {
		// Таймаут мог прийти уже после того, как Authority зафиксировала
		// роль: после удаления строки сверке не по чему её найти, поэтому
		// best-effort отзываем роль прямо здесь. NotFound — штатный случай.
		s.compensateReservation(ctx, sa, role)
		return nil, mapAuthorityError(err)
	}

	// Шаг 3: токен роли.
	authCtx, cancel = context.WithTimeout(ctx, s.authTimeout)
	authToken, err := s.auth.GrantToken(authCtx, ref.Name, tokenURI(sa.ID))
	cancel()
	if err != nil {
		s.compensateReservation(ctx, sa, ref.Name)
		return nil, mapAuthorityError(err)
	}

	// Шаг 4: фиксация роли. После этого аккаунт снаружи active и валиден.
	if err := s.saRepo.SetRole(ctx, sa.ID, ref.Name); err != nil {
		s.compensateReservation(ctx, sa, ref.Name)
		return nil, fmt.Errorf("запись роли: %w", err)
	}
	sa.Role = ref.Name

	s.logger.Info("Сервисный аккаунт создан",
		slog.String("sa_id", sa.ID),
		slog.String("owner", owner),
		slog.String("name", name),
	)

	return &ServiceAccountWithToken{
		ServiceAccount: sa,
		Token:          s.encodeToken(authToken, defaultCluster),
	}, nil
}

// compensateReservation откатывает резервацию после сбоя Create:
// best-effort отзывает роль (если она успела появиться) и удаляет строку.
// Выполняется и при отменённом ctx — отмена прекращает ожидание
// результата, но не снимает обязанность очистки.
func (s *AccountsService) compensateReservation(ctx context.Context, sa *model.ServiceAccount, role string) {
	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.authTimeout)
	defer cancel()

	if role != "" {
		if err := s.auth.RevokeRole(compCtx, role); err != nil && !errors.Is(err, authclient.ErrRoleNotFound) {
			// Роль доберёт фоновая сверка по детерминированному имени.
			s.logger.Warn("Отзыв роли при компенсации не удался",
				slog.String("sa_id", sa.ID),
				slog.String("role", role),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := s.saRepo.Remove(compCtx, sa.ID); err != nil {
		// Имя остаётся заблокированным до прохода сверки.
		compensationFailures.Inc()
		s.logger.Error("Компенсация резервации не удалась",
			slog.String("sa_id", sa.ID),
			slog.String("owner", sa.Owner),
			slog.String("name", sa.Name),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Info("Резервация снята после сбоя Authority",
		slog.String("sa_id", sa.ID),
		slog.String("owner", sa.Owner),
		slog.String("name", sa.Name),
	)
}

// Get возвращает аккаунт по (owner, name).
// Незавершённые резервации (active без роли) снаружи не существуют.
func (s *AccountsService) Get(ctx context.Context, owner, name string) (*model.ServiceAccount, error) {
	sa, err := s.saRepo.GetByName(ctx, owner, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение SA: %w", err)
	}
	if sa.State == model.StateActive && sa.Role == "" {
		return nil, ErrNotFound
	}
	return sa, nil
}

// Границы размера страницы List.
const (
	listDefaultLimit = 20
	listMaxLimit     = 100
)

// List возвращает страницу аккаунтов владельца и курсор следующей страницы.
// pending_deletion-строки скрыты, если includePending не задан.
func (s *AccountsService) List(ctx context.Context, owner, cursor string, limit int, includePending bool) ([]*model.ServiceAccount, string, error) {
	if owner == "" {
		return nil, "", fmt.Errorf("%w: owner не задан", ErrValidation)
	}
	if limit <= 0 {
		limit = listDefaultLimit
	}
	if limit > listMaxLimit {
		limit = listMaxLimit
	}

	page, next, err := s.saRepo.List(ctx, owner, cursor, limit, includePending)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidCursor) {
			return nil, "", fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, "", fmt.Errorf("получение списка SA: %w", err)
	}
	return page, next, nil
}

// Delete удаляет аккаунт: переводит в pending_deletion, отзывает роль,
// удаляет строку. Повторный вызов безопасен на любом шаге: NotFound от
// Authority — успех (роль уже отозвана), Remove идемпотентен.
func (s *AccountsService) Delete(ctx context.Context, owner, name string) error {
	sa, err := s.saRepo.GetByName(ctx, owner, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("получение SA для удаления: %w", err)
	}

	// Шаг 1: помечаем до отзыва — падение после этой точки оставляет
	// строку в известном состоянии, которое доберёт сверка.
	if err := s.saRepo.MarkPendingDeletion(ctx, sa.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Конкурентный Delete успел удалить строку.
			return nil
		}
		return fmt.Errorf("перевод SA в pending_deletion: %w", err)
	}

	// Шаг 2: отзыв роли. Для брошенной резервации роль восстанавливается
	// по детерминированному имени.
	role := sa.Role
	if role == "" {
		role = roleName(owner, name)
	}

	authCtx, cancel := context.WithTimeout(ctx, s.authTimeout)
	err = s.auth.RevokeRole(authCtx, role)
	cancel()
	if err != nil && !errors.Is(err, authclient.ErrRoleNotFound) {
		// Строка остаётся в pending_deletion: Delete можно повторить,
		// сверка доберёт её и без повторов вызывающего.
		return mapAuthorityError(err)
	}

	// Шаг 3: удаление строки — только после подтверждения, что роли нет.
	if err := s.saRepo.Remove(ctx, sa.ID); err != nil {
		return fmt.Errorf("удаление SA: %w", err)
	}

	s.logger.Info("Сервисный аккаунт удалён",
		slog.String("sa_id", sa.ID),
		slog.String("owner", owner),
		slog.String("name", name),
	)

	return nil
}
