// service_accounts.go — обработчики /api/v1/service-accounts endpoints.
// Создание, список, получение и удаление сервисных аккаунтов.
// Владелец всех операций — sub из JWT; доступ к чужим аккаунтам невозможен.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/platform/accounts-module/internal/api/errors"
	"github.com/bigkaa/platform/accounts-module/internal/api/middleware"
	"github.com/bigkaa/platform/accounts-module/internal/domain/model"
	"github.com/bigkaa/platform/accounts-module/internal/service"
)

// serviceAccountCreateRequest — тело запроса создания SA.
type serviceAccountCreateRequest struct {
	Name           string `json:"name"`
	DefaultCluster string `json:"default_cluster,omitempty"`
}

// serviceAccountResponse — представление SA в API.
type serviceAccountResponse struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Owner          string `json:"owner"`
	Role           string `json:"role"`
	DefaultCluster string `json:"default_cluster,omitempty"`
	State          string `json:"state"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// serviceAccountWithTokenResponse — SA с выпущенным токеном.
// Токен возвращается только в ответе на создание.
type serviceAccountWithTokenResponse struct {
	serviceAccountResponse
	Token string `json:"token"`
}

// serviceAccountListResponse — страница списка SA.
type serviceAccountListResponse struct {
	Items      []serviceAccountResponse `json:"items"`
	NextCursor string                   `json:"next_cursor,omitempty"`
}

// CreateServiceAccount — POST /api/v1/service-accounts.
// Создаёт сервисный аккаунт владельца из токена.
func (h *APIHandler) CreateServiceAccount(w http.ResponseWriter, r *http.Request) {
	owner := middleware.OwnerFromContext(r.Context())
	if owner == "" {
		apierrors.Unauthorized(w, "Владелец не определён")
		return
	}

	var req serviceAccountCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	result, err := h.accounts.Create(r.Context(), owner, req.Name, req.DefaultCluster)
	if err != nil {
		h.writeAccountError(w, r, err, "Ошибка создания сервисного аккаунта")
		return
	}

	resp := serviceAccountWithTokenResponse{
		serviceAccountResponse: mapServiceAccount(result.ServiceAccount),
		Token:                  result.Token,
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListServiceAccounts — GET /api/v1/service-accounts.
// Возвращает страницу аккаунтов владельца. Параметры: limit, cursor,
// include_pending.
func (h *APIHandler) ListServiceAccounts(w http.ResponseWriter, r *http.Request) {
	owner := middleware.OwnerFromContext(r.Context())
	if owner == "" {
		apierrors.Unauthorized(w, "Владелец не определён")
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		apierrors.ValidationError(w, "Параметр limit должен быть положительным числом")
		return
	}
	cursor := r.URL.Query().Get("cursor")
	includePending := r.URL.Query().Get("include_pending") == "true"

	items, nextCursor, err := h.accounts.List(r.Context(), owner, cursor, limit, includePending)
	if err != nil {
		h.writeAccountError(w, r, err, "Ошибка получения списка сервисных аккаунтов")
		return
	}

	resp := serviceAccountListResponse{
		Items:      make([]serviceAccountResponse, len(items)),
		NextCursor: nextCursor,
	}
	for i, sa := range items {
		resp.Items[i] = mapServiceAccount(sa)
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetServiceAccount — GET /api/v1/service-accounts/{name}.
func (h *APIHandler) GetServiceAccount(w http.ResponseWriter, r *http.Request) {
	owner := middleware.OwnerFromContext(r.Context())
	if owner == "" {
		apierrors.Unauthorized(w, "Владелец не определён")
		return
	}

	name := chi.URLParam(r, "name")
	sa, err := h.accounts.Get(r.Context(), owner, name)
	if err != nil {
		h.writeAccountError(w, r, err, "Ошибка получения сервисного аккаунта")
		return
	}

	writeJSON(w, http.StatusOK, mapServiceAccount(sa))
}

// DeleteServiceAccount — DELETE /api/v1/service-accounts/{name}.
// Удаляет аккаунт и отзывает его роль в Authority.
func (h *APIHandler) DeleteServiceAccount(w http.ResponseWriter, r *http.Request) {
	owner := middleware.OwnerFromContext(r.Context())
	if owner == "" {
		apierrors.Unauthorized(w, "Владелец не определён")
		return
	}

	name := chi.URLParam(r, "name")
	if err := h.accounts.Delete(r.Context(), owner, name); err != nil {
		h.writeAccountError(w, r, err, "Ошибка удаления сервисного аккаунта")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// writeAccountError переводит ошибку сервисного слоя в HTTP-ответ.
func (h *APIHandler) writeAccountError(w http.ResponseWriter, r *http.Request, err error, internalMsg string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, "Сервисный аккаунт не найден")
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, "Сервисный аккаунт с таким именем уже существует")
	case errors.Is(err, service.ErrAuthUnavailable):
		apierrors.AuthUnavailable(w, "Authorization Authority недоступен, повторите запрос позже")
	case errors.Is(err, service.ErrAuthRejected):
		apierrors.AuthRejected(w, "Authorization Authority отверг запрос")
	default:
		h.logger.Error(internalMsg,
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		apierrors.InternalError(w, internalMsg)
	}
}

// mapServiceAccount конвертирует domain model в API-представление.
func mapServiceAccount(sa *model.ServiceAccount) serviceAccountResponse {
	return serviceAccountResponse{
		ID:             sa.ID,
		Name:           sa.Name,
		Owner:          sa.Owner,
		Role:           sa.Role,
		DefaultCluster: sa.DefaultCluster,
		State:          sa.State,
		CreatedAt:      sa.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:      sa.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}
