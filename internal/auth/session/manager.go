package session

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/curlara/internal/config"
)

// Manager reads the session signals carried by a request. Cookie names come
// from the access policy so a reload applies without restart.
type Manager struct {
	policy *config.AccessPolicyHolder
}

func NewManager(policy *config.AccessPolicyHolder) *Manager {
	return &Manager{policy: policy}
}

// PrimaryToken returns the first non-empty primary session cookie.
func (m *Manager) PrimaryToken(c *gin.Context) (string, bool) {
	for _, name := range m.current().PrimaryCookies {
		if token, ok := readCookie(c, name); ok {
			return token, true
		}
	}
	return "", false
}

// LocalToken returns the lightweight local session cookie.
func (m *Manager) LocalToken(c *gin.Context) (string, bool) {
	return readCookie(c, m.current().LocalCookie)
}

// BearerToken extracts the token from an Authorization: Bearer header.
func (m *Manager) BearerToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[7:])
	return token, token != ""
}

// SessionToken prefers the primary cookie and falls back to the local cookie.
func (m *Manager) SessionToken(c *gin.Context) (string, bool) {
	if token, ok := m.PrimaryToken(c); ok {
		return token, true
	}
	return m.LocalToken(c)
}

func (m *Manager) current() config.AccessPolicy {
	if m == nil || m.policy == nil {
		return config.DefaultAccessPolicy()
	}
	return m.policy.Get()
}

func readCookie(c *gin.Context, name string) (string, bool) {
	if strings.TrimSpace(name) == "" {
		return "", false
	}
	token, err := c.Cookie(name)
	if err != nil {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
