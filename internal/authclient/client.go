// client.go — HTTP-клиент к Authorization Authority.
// Реализует автоматическое получение service token через Client Credentials flow,
// кэширование токена (обновление за 30s до expiration).
// Операции: CreateRole, GrantToken, RevokeRole.
//
// Ошибки различают транзиентные отказы (ErrUnavailable — сеть, таймаут,
// 5xx) и постоянные (ErrRejected — 4xx): вызывающий компенсирует или
// повторяет в зависимости от класса ошибки.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Классы ошибок Authority.
var (
	// ErrUnavailable — Authority недоступен (сеть, таймаут, 5xx).
	ErrUnavailable = errors.New("Authorization Authority недоступен")
	// ErrRejected — Authority отказал (постоянная ошибка 4xx).
	ErrRejected = errors.New("Authorization Authority отклонил запрос")
	// ErrRoleNotFound — роль не существует (404 при отзыве).
	ErrRoleNotFound = errors.New("роль не найдена в Authority")
)

// Client — HTTP-клиент к Authorization Authority.
type Client struct {
	baseURL      string // Базовый URL Authority (без trailing slash)
	clientID     string // Client ID для Client Credentials flow
	clientSecret string // Client Secret

	httpClient *http.Client
	logger     *slog.Logger

	// Кэш токена доступа
	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// New создаёт клиент к Authorization Authority.
// baseURL — базовый URL Authority (например, https://auth.platform.lan).
// clientID, clientSecret — credentials для Client Credentials flow.
// httpClient — HTTP-клиент (может содержать TLS конфигурацию); таймаут
// клиента ограничивает каждый запрос к Authority.
func New(baseURL, clientID, clientSecret string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
		logger:       logger.With(slog.String("component", "auth_client")),
	}
}

// --- Аутентификация ---

// tokenEndpoint возвращает URL endpoint'а получения токена.
func (c *Client) tokenEndpoint() string {
	return c.baseURL + "/oauth/token"
}

// apiBaseURL возвращает базовый URL API Authority.
func (c *Client) apiBaseURL() string {
	return c.baseURL + "/api/v1"
}

// getToken возвращает актуальный access token, обновляя при необходимости.
// Токен обновляется за 30 секунд до истечения.
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Проверяем кэш: если токен валиден ещё 30 секунд — используем его
	if c.accessToken != "" && time.Now().Add(30*time.Second).Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	// Запрашиваем новый токен через Client Credentials flow
	token, err := c.requestToken(ctx)
	if err != nil {
		return "", err
	}

	c.accessToken = token.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)

	c.logger.Debug("Токен Authority обновлён",
		slog.Time("expires_at", c.tokenExpiry),
	)

	return c.accessToken, nil
}

// requestToken выполняет Client Credentials flow.
func (c *Client) requestToken(ctx context.Context) (*TokenResponse, error) {
	data := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenEndpoint(), strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("создание запроса токена: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: запрос токена: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: статус %d при запросе токена: %s",
			ErrUnavailable, resp.StatusCode, string(body))
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return nil, fmt.Errorf("декодирование токена Authority: %w", err)
	}

	return &token, nil
}

// --- HTTP helpers ---

// doAuthorized выполняет HTTP-запрос к API Authority с авторизацией.
// Сетевой сбой возвращается как ErrUnavailable.
func (c *Client) doAuthorized(ctx context.Context, method, path string, body any) (*http.Response, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение токена: %w", err)
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("сериализация тела запроса: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	reqURL := c.apiBaseURL() + path
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("создание запроса: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

// classifyStatus переводит HTTP-статус ошибки в класс ошибки Authority.
func classifyStatus(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var detail errorResponse
	msg := string(body)
	if err := json.Unmarshal(body, &detail); err == nil && detail.Description != "" {
		msg = detail.Description
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: статус %d: %s", ErrUnavailable, resp.StatusCode, msg)
	}
	return fmt.Errorf("%w: статус %d: %s", ErrRejected, resp.StatusCode, msg)
}

// decodeResponse декодирует JSON ответ в target при ожидаемом статусе.
func decodeResponse(resp *http.Response, expectedStatus int, target any) error {
	defer resp.Body.Close()

	if resp.StatusCode != expectedStatus {
		return classifyStatus(resp)
	}

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return fmt.Errorf("декодирование ответа Authority: %w", err)
		}
	}

	return nil
}

// --- Roles API ---

// CreateRole регистрирует роль в Authority.
// Duplicate имя роли на стороне Authority — ErrRejected.
func (c *Client) CreateRole(ctx context.Context, name string, scope RoleScope) (*RoleRef, error) {
	resp, err := c.doAuthorized(ctx, http.MethodPost, "/roles", roleCreateRequest{
		Name:  name,
		Scope: scope,
	})
	if err != nil {
		return nil, err
	}

	var ref RoleRef
	if err := decodeResponse(resp, http.StatusCreated, &ref); err != nil {
		return nil, fmt.Errorf("CreateRole: %w", err)
	}

	return &ref, nil
}

// GrantToken выпускает токен роли, привязанный к tokenURI.
func (c *Client) GrantToken(ctx context.Context, role, tokenURI string) (string, error) {
	path := "/roles/" + url.PathEscape(role) + "/tokens"
	resp, err := c.doAuthorized(ctx, http.MethodPost, path, tokenGrantRequest{URI: tokenURI})
	if err != nil {
		return "", err
	}

	var grant tokenGrantResponse
	if err := decodeResponse(resp, http.StatusCreated, &grant); err != nil {
		return "", fmt.Errorf("GrantToken: %w", err)
	}

	return grant.Token, nil
}

// RevokeRole отзывает роль. Возвращает ErrRoleNotFound, если роль уже
// не существует — вызывающий трактует это как успех (повторный Delete
// после частичного успеха).
func (c *Client) RevokeRole(ctx context.Context, role string) error {
	path := "/roles/" + url.PathEscape(role)
	resp, err := c.doAuthorized(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // тело 404 не нужно
		return ErrRoleNotFound
	default:
		return fmt.Errorf("RevokeRole: %w", classifyStatus(resp))
	}
}

// CheckReady проверяет доступность Authority для health endpoint.
// Реализует интерфейс handlers.ReadinessChecker.
func (c *Client) CheckReady() (status string, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := c.getToken(ctx); err != nil {
		return "fail", fmt.Sprintf("Authority недоступен: %v", err)
	}
	return "ok", "токен получен"
}
