package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// AuthConfig mirrors server configuration for HTTP authentication.
// APIKeyHash is a bcrypt hash and takes precedence over APIKey.
type AuthConfig struct {
	APIKey     string
	APIKeyHash string
	SkipPaths  []string
}

// keyMatcher compares presented keys against the configured key. Keys that
// passed bcrypt once are remembered by digest.
type keyMatcher struct {
	plain    string
	hash     []byte
	verified sync.Map
}

func (m *keyMatcher) enabled() bool {
	return m.plain != "" || len(m.hash) > 0
}

func (m *keyMatcher) matches(key string) bool {
	if key == "" {
		return false
	}
	if len(m.hash) == 0 {
		return subtle.ConstantTimeCompare([]byte(key), []byte(m.plain)) == 1
	}
	digest := sha256.Sum256([]byte(key))
	if _, ok := m.verified.Load(digest); ok {
		return true
	}
	if bcrypt.CompareHashAndPassword(m.hash, []byte(key)) != nil {
		return false
	}
	m.verified.Store(digest, struct{}{})
	return true
}

// HashAPIKey returns the bcrypt hash to configure as APIKeyHash.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// APIKeyAuth enforces API key authentication via header, bearer token, or query param.
// Health and DID resolution stay public.
func APIKeyAuth(config AuthConfig) gin.HandlerFunc {
	skipPathSet := make(map[string]struct{}, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skipPathSet[p] = struct{}{}
	}

	matcher := &keyMatcher{plain: config.APIKey}
	if config.APIKeyHash != "" {
		matcher.hash = []byte(config.APIKeyHash)
	}

	return func(c *gin.Context) {
		// No auth configured, allow everything.
		if !matcher.enabled() {
			c.Next()
			return
		}

		path := c.Request.URL.Path
		if _, ok := skipPathSet[path]; ok {
			c.Next()
			return
		}
		if path == "/health" || strings.HasPrefix(path, "/1.0/identifiers/") || path == "/1.0/methods" {
			c.Next()
			return
		}

		// Preferred: X-API-Key header
		apiKey := c.GetHeader("X-API-Key")

		// Fallback: Authorization: Bearer <token>
		if apiKey == "" {
			if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				apiKey = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		if apiKey == "" {
			apiKey = c.Query("api_key")
		}

		if !matcher.matches(apiKey) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "invalid or missing API key",
			})
			return
		}

		c.Next()
	}
}
