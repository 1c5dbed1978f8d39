package model

import "time"

// Состояния сервисного аккаунта.
// Жизненный цикл: ∅ → active → pending_deletion → ∅.
// Переход active → ∅ напрямую запрещён: удаление всегда проходит через
// pending_deletion, чтобы падение между отзывом роли и удалением строки
// оставляло аккаунт в известном восстановимом состоянии.
const (
	// StateActive — аккаунт активен. Снаружи active всегда означает,
	// что роль зарегистрирована в Authority (Role непустой). Строка с
	// пустым Role — незавершённая резервация имени во время Create.
	StateActive = "active"
	// StatePendingDeletion — удаление запрошено, отзыв роли в Authority
	// ещё не подтверждён. Строка скрыта из обычных списков.
	StatePendingDeletion = "pending_deletion"
)

// ServiceAccount — сервисный аккаунт.
// Хранится в таблице service_accounts.
type ServiceAccount struct {
	// ID — идентификатор записи (формат sa-<uuid>)
	ID string
	// Name — имя, выбранное владельцем; уникально в рамках owner
	Name string
	// Owner — владелец (пользователь или проект); неизменяем после создания
	Owner string
	// Role — имя роли, зарегистрированной в Authorization Authority.
	// Пустой до подтверждения выпуска роли.
	Role string
	// DefaultCluster — кластер по умолчанию для выпускаемых токенов (опционально)
	DefaultCluster string
	// State — состояние (active, pending_deletion)
	State string
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}
