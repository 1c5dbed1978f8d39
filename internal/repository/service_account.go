package repository

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/platform/accounts-module/internal/domain/model"
)

// ServiceAccountRepository — контракт хранилища сервисных аккаунтов.
//
// CreateReserved — атомарный insert-if-absent: единственная точка
// линеаризации для конкурентных Create с одинаковым (owner, name).
// MarkPendingDeletion и Remove идемпотентны: повторное удаление
// уже удалённой записи — не ошибка.
type ServiceAccountRepository interface {
	// CreateReserved вставляет строку, если (owner, name) свободно.
	// Возвращает ErrConflict, если имя занято активной или
	// ожидающей удаления записью.
	CreateReserved(ctx context.Context, sa *model.ServiceAccount) error
	// SetRole записывает роль после успешной регистрации в Authority.
	SetRole(ctx context.Context, id, role string) error
	// GetByID возвращает аккаунт по идентификатору.
	GetByID(ctx context.Context, id string) (*model.ServiceAccount, error)
	// GetByName возвращает аккаунт по (owner, name).
	GetByName(ctx context.Context, owner, name string) (*model.ServiceAccount, error)
	// List возвращает страницу аккаунтов владельца и курсор следующей
	// страницы ("" — страниц больше нет). Порядок стабильный:
	// (created_at, id), поэтому пагинация детерминирована даже при
	// конкурентных вставках.
	List(ctx context.Context, owner, cursor string, limit int, includePending bool) ([]*model.ServiceAccount, string, error)
	// MarkPendingDeletion переводит аккаунт в pending_deletion.
	MarkPendingDeletion(ctx context.Context, id string) error
	// Remove удаляет строку. Отсутствие строки — не ошибка.
	Remove(ctx context.Context, id string) error
	// ListAbandoned возвращает active-строки без роли, созданные до
	// olderThan — брошенные резервации упавших Create.
	ListAbandoned(ctx context.Context, olderThan time.Time, limit int) ([]*model.ServiceAccount, error)
	// ListStuckPending возвращает pending_deletion-строки, не
	// обновлявшиеся с olderThan — удаления, прерванные недоступностью
	// Authority.
	ListStuckPending(ctx context.Context, olderThan time.Time, limit int) ([]*model.ServiceAccount, error)
}

// serviceAccountRepo — реализация ServiceAccountRepository.
type serviceAccountRepo struct {
	db DBTX
}

// NewServiceAccountRepository создаёт репозиторий сервисных аккаунтов.
func NewServiceAccountRepository(db DBTX) ServiceAccountRepository {
	return &serviceAccountRepo{db: db}
}

const saColumns = `id, name, owner, role, default_cluster, state, created_at, updated_at`

// scanServiceAccount сканирует строку результата в модель ServiceAccount.
func scanServiceAccount(row pgx.Row) (*model.ServiceAccount, error) {
	sa := &model.ServiceAccount{}
	err := row.Scan(
		&sa.ID, &sa.Name, &sa.Owner, &sa.Role, &sa.DefaultCluster,
		&sa.State, &sa.CreatedAt, &sa.UpdatedAt,
	)
	return sa, err
}

func (r *serviceAccountRepo) CreateReserved(ctx context.Context, sa *model.ServiceAccount) error {
	// ON CONFLICT DO NOTHING + RETURNING: при занятом имени запрос не
	// возвращает строк, проигравший конкурент получает ErrConflict,
	// не сделав ни одного обращения к Authority.
	query := `
		INSERT INTO service_accounts (id, name, owner, role, default_cluster, state)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner, name) DO NOTHING
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		sa.ID, sa.Name, sa.Owner, sa.Role, sa.DefaultCluster, sa.State,
	).Scan(&sa.CreatedAt, &sa.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
			return fmt.Errorf("%w: аккаунт %q у владельца %q", ErrConflict, sa.Name, sa.Owner)
		}
		return fmt.Errorf("ошибка резервации SA: %w", err)
	}
	return nil
}

func (r *serviceAccountRepo) SetRole(ctx context.Context, id, role string) error {
	query := `
		UPDATE service_accounts
		SET role = $2
		WHERE id = $1 AND state = 'active'
		RETURNING updated_at`

	var updatedAt time.Time
	err := r.db.QueryRow(ctx, query, id, role).Scan(&updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка записи роли SA: %w", err)
	}
	return nil
}

func (r *serviceAccountRepo) GetByID(ctx context.Context, id string) (*model.ServiceAccount, error) {
	query := fmt.Sprintf(`SELECT %s FROM service_accounts WHERE id = $1`, saColumns)
	sa, err := scanServiceAccount(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения SA: %w", err)
	}
	return sa, nil
}

func (r *serviceAccountRepo) GetByName(ctx context.Context, owner, name string) (*model.ServiceAccount, error) {
	query := fmt.Sprintf(`SELECT %s FROM service_accounts WHERE owner = $1 AND name = $2`, saColumns)
	sa, err := scanServiceAccount(r.db.QueryRow(ctx, query, owner, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения SA по имени: %w", err)
	}
	return sa, nil
}

func (r *serviceAccountRepo) List(ctx context.Context, owner, cursor string, limit int, includePending bool) ([]*model.ServiceAccount, string, error) {
	// Незавершённые резервации (active без роли) в выдачу не попадают:
	// снаружи аккаунт существует только после фиксации роли.
	conditions := []string{"owner = $1", "NOT (state = 'active' AND role = '')"}
	args := []any{owner}
	argNum := 2

	if !includePending {
		conditions = append(conditions, "state = 'active'")
	}

	if cursor != "" {
		afterCreated, afterID, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		// Keyset-пагинация: сравнение кортежа (created_at, id)
		conditions = append(conditions,
			fmt.Sprintf("(created_at, id) > ($%d, $%d)", argNum, argNum+1))
		args = append(args, afterCreated, afterID)
		argNum += 2
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM service_accounts
		WHERE %s
		ORDER BY created_at, id
		LIMIT $%d`, saColumns, strings.Join(conditions, " AND "), argNum)

	args = append(args, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("ошибка получения списка SA: %w", err)
	}
	defer rows.Close()

	var result []*model.ServiceAccount
	for rows.Next() {
		sa := &model.ServiceAccount{}
		if err := rows.Scan(
			&sa.ID, &sa.Name, &sa.Owner, &sa.Role, &sa.DefaultCluster,
			&sa.State, &sa.CreatedAt, &sa.UpdatedAt,
		); err != nil {
			return nil, "", fmt.Errorf("ошибка сканирования SA: %w", err)
		}
		result = append(result, sa)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("ошибка чтения списка SA: %w", err)
	}

	// Курсор выдаётся только для полной страницы: неполная страница
	// означает конец выборки.
	next := ""
	if len(result) == limit {
		last := result[len(result)-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return result, next, nil
}

func (r *serviceAccountRepo) MarkPendingDeletion(ctx context.Context, id string) error {
	query := `
		UPDATE service_accounts
		SET state = 'pending_deletion'
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("ошибка перевода SA в pending_deletion: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *serviceAccountRepo) Remove(ctx context.Context, id string) error {
	// Идемпотентно: удаление уже удалённой строки — не ошибка,
	// иначе повторный Delete после частичного успеха падал бы зря.
	_, err := r.db.Exec(ctx, `DELETE FROM service_accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления SA: %w", err)
	}
	return nil
}

func (r *serviceAccountRepo) ListAbandoned(ctx context.Context, olderThan time.Time, limit int) ([]*model.ServiceAccount, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM service_accounts
		WHERE state = 'active' AND role = '' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, saColumns)

	return r.listByQuery(ctx, query, olderThan, limit)
}

func (r *serviceAccountRepo) ListStuckPending(ctx context.Context, olderThan time.Time, limit int) ([]*model.ServiceAccount, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM service_accounts
		WHERE state = 'pending_deletion' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, saColumns)

	return r.listByQuery(ctx, query, olderThan, limit)
}

// listByQuery выполняет выборку кандидатов сверки.
func (r *serviceAccountRepo) listByQuery(ctx context.Context, query string, olderThan time.Time, limit int) ([]*model.ServiceAccount, error) {
	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки кандидатов сверки: %w", err)
	}
	defer rows.Close()

	var result []*model.ServiceAccount
	for rows.Next() {
		sa := &model.ServiceAccount{}
		if err := rows.Scan(
			&sa.ID, &sa.Name, &sa.Owner, &sa.Role, &sa.DefaultCluster,
			&sa.State, &sa.CreatedAt, &sa.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования SA: %w", err)
		}
		result = append(result, sa)
	}
	return result, rows.Err()
}

// --- Курсор пагинации ---

// Курсор — base64(created_at RFC3339Nano + "|" + id). Непрозрачен для
// клиентов; разбирается только здесь.

func encodeCursor(createdAt time.Time, id string) string {
	raw := createdAt.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", ErrInvalidCursor
	}
	createdAt, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return createdAt, parts[1], nil
}
