package authclient

// TokenResponse — ответ token endpoint (Client Credentials flow).
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// RoleScope — область действия роли сервисного аккаунта.
type RoleScope struct {
	// Owner — владелец аккаунта, которому принадлежит роль
	Owner string `json:"owner"`
	// Cluster — кластер по умолчанию (опционально)
	Cluster string `json:"cluster,omitempty"`
}

// RoleRef — ссылка на роль, зарегистрированную в Authority.
type RoleRef struct {
	// Name — имя роли (формат sa--<owner>--<name>)
	Name string `json:"name"`
}

// roleCreateRequest — тело запроса создания роли.
type roleCreateRequest struct {
	Name  string    `json:"name"`
	Scope RoleScope `json:"scope"`
}

// tokenGrantRequest — тело запроса выпуска токена роли.
type tokenGrantRequest struct {
	URI string `json:"uri"`
}

// tokenGrantResponse — ответ выпуска токена роли.
type tokenGrantResponse struct {
	Token string `json:"token"`
}

// errorResponse — тело ошибки Authority.
type errorResponse struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}
