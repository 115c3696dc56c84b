package httpclient

import "net/http"

// AuthType identifies the authentication method.
type AuthType int

const (
	AuthNone AuthType = iota
	AuthBearer
	AuthAPIKey
	AuthToken
)

// AuthConfig configures request authentication.
type AuthConfig struct {
	Type AuthType
	// Key is the bearer token or API key value.
	Key string
	// Name is the header carrying an API key (AuthAPIKey).
	Name string
}

// BearerAuth sends "Authorization: Bearer <token>".
func BearerAuth(token string) *AuthConfig {
	return &AuthConfig{Type: AuthBearer, Key: token}
}

// TokenAuth sends "Authorization: Token <key>".
func TokenAuth(key string) *AuthConfig {
	return &AuthConfig{Type: AuthToken, Key: key}
}

// APIKeyAuthHeader sends the key in a named header.
func APIKeyAuthHeader(key, headerName string) *AuthConfig {
	return &AuthConfig{Type: AuthAPIKey, Key: key, Name: headerName}
}

func (a *AuthConfig) apply(req *http.Request) {
	if a == nil {
		return
	}
	switch a.Type {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+a.Key)
	case AuthToken:
		req.Header.Set("Authorization", "Token "+a.Key)
	case AuthAPIKey:
		name := a.Name
		if name == "" {
			name = "X-API-Key"
		}
		req.Header.Set(name, a.Key)
	}
}

// Header returns the auth header pair, for transports that build their own
// requests such as websocket dialers.
func (a *AuthConfig) Header() http.Header {
	h := http.Header{}
	if a == nil {
		return h
	}
	req := &http.Request{Header: h}
	a.apply(req)
	return h
}
