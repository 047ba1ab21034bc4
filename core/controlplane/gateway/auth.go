package gateway

import (
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
)

const wsAPIKeyProtocol = "sentinel-api-key"

// AuthContext carries the authenticated caller identity for one request.
type AuthContext struct {
	APIKey      string
	PrincipalID string
}

// APIKeyAuth validates requests against a set of keys loaded from the
// environment. When no keys are configured every request passes and only
// the principal header is read.
type APIKeyAuth struct {
	keys          map[string]struct{}
	requireAPIKey bool
}

// NewAPIKeyAuth loads keys from SENTINEL_API_KEYS (comma separated) and
// SENTINEL_API_KEY / API_KEY (single key). Any configured key makes the key
// mandatory.
func NewAPIKeyAuth() *APIKeyAuth {
	keys := map[string]struct{}{}
	for _, part := range strings.Split(os.Getenv("SENTINEL_API_KEYS"), ",") {
		if key := normalizeAPIKey(part); key != "" {
			keys[key] = struct{}{}
		}
	}
	single := normalizeAPIKey(os.Getenv("SENTINEL_API_KEY"))
	if single == "" {
		single = normalizeAPIKey(os.Getenv("API_KEY"))
	}
	if single != "" {
		keys[single] = struct{}{}
	}
	return &APIKeyAuth{keys: keys, requireAPIKey: len(keys) > 0}
}

// Authenticate checks the request's API key and extracts the principal.
func (a *APIKeyAuth) Authenticate(r *http.Request) (*AuthContext, error) {
	if r == nil {
		return nil, errors.New("request required")
	}
	key := normalizeAPIKey(r.Header.Get("X-API-Key"))
	if key == "" && websocket.IsWebSocketUpgrade(r) {
		key = normalizeAPIKey(apiKeyFromWebSocket(r))
	}
	principal := strings.TrimSpace(r.Header.Get("X-Principal-Id"))
	if a == nil || len(a.keys) == 0 {
		return &AuthContext{PrincipalID: principal}, nil
	}
	if key == "" {
		if a.requireAPIKey {
			return nil, errors.New("api key required")
		}
		return &AuthContext{PrincipalID: principal}, nil
	}
	if _, ok := a.keys[key]; !ok {
		return nil, errors.New("invalid api key")
	}
	return &AuthContext{APIKey: key, PrincipalID: principal}, nil
}

func normalizeAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	// Common .env mistake: quoting values (e.g. "super-secret-key").
	key = strings.Trim(key, "\"'")
	return strings.TrimSpace(key)
}

func apiKeyFromWebSocket(r *http.Request) string {
	if r == nil {
		return ""
	}
	protocols := websocket.Subprotocols(r)
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsAPIKeyProtocol) && i+1 < len(protocols) {
			return decodeWSAPIKey(protocols[i+1])
		}
		prefix := strings.ToLower(wsAPIKeyProtocol) + "."
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSAPIKey(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSAPIKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}
