package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("ENTITLEMENT_PERIOD_DAYS", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "  whsec_abc  ")

	cfg := Load()

	assert.Equal(t, 30, cfg.Entitlement.PeriodDays)
	assert.Equal(t, "whsec_abc", cfg.Stripe.WebhookSecret)
	assert.False(t, cfg.IsProduction())
}

func TestLoadProductionForcesSecureCookies(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("AUTH_COOKIE_SECURE", "false")

	cfg := Load()

	assert.True(t, cfg.AuthCookieSecure)
	assert.True(t, cfg.IsProduction())
}

func TestLoadRejectsNonPositivePeriod(t *testing.T) {
	t.Setenv("ENTITLEMENT_PERIOD_DAYS", "-3")

	cfg := Load()

	assert.Equal(t, 30, cfg.Entitlement.PeriodDays)
}

func TestAccessPolicyDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	holder, err := NewAccessPolicyHolder(Config{AccessPolicyPath: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, DefaultAccessPolicy(), holder.Get())
}

func TestAccessPolicyFromFile(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	content := []byte(`access:
  protectedPrefixes: ["/dashboard", "/analysis"]
  redirectTo: "/checkout"
  allowLocalSession: false
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "access.yml"), content, 0o600))

	holder, err := NewAccessPolicyHolder(Config{AccessPolicyPath: dir}, zap.NewNop())
	require.NoError(t, err)

	policy := holder.Get()
	assert.Equal(t, []string{"/dashboard", "/analysis"}, policy.ProtectedPrefixes)
	assert.Equal(t, "/checkout", policy.RedirectTo)
	assert.False(t, policy.AllowLocalSession)
	assert.Equal(t, "authToken", policy.LocalCookie)
	assert.Equal(t, []string{"sb-access-token", "sb-refresh-token"}, policy.PrimaryCookies)
}

func TestAccessPolicyRejectsRelativePrefix(t *testing.T) {
	t.Chdir(t.TempDir())
	dir := t.TempDir()
	content := []byte(`access:
  protectedPrefixes: ["dashboard"]
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "access.yml"), content, 0o600))

	_, err := NewAccessPolicyHolder(Config{AccessPolicyPath: dir}, zap.NewNop())
	assert.Error(t, err)
}
