// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — аккаунт не найден.
	ErrNotFound = errors.New("сервисный аккаунт не найден")
	// ErrConflict — имя занято; вызывающий должен выбрать другое.
	ErrConflict = errors.New("конфликт — имя сервисного аккаунта уже занято")
	// ErrValidation — некорректные входные данные; без побочных эффектов.
	ErrValidation = errors.New("ошибка валидации")
	// ErrAuthUnavailable — Authority временно недоступен; операцию
	// безопасно повторить целиком: компенсация гарантирует, что после
	// неуспешного Create частичное состояние не сохраняется, а Delete
	// продолжит с pending_deletion.
	ErrAuthUnavailable = errors.New("Authorization Authority недоступен")
	// ErrAuthRejected — постоянный отказ Authority; автоматически не повторяется.
	ErrAuthRejected = errors.New("Authorization Authority отклонил операцию")
)
