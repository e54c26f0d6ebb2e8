package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// AccessPolicy drives the access gate in front of paid routes.
type AccessPolicy struct {
	ProtectedPrefixes []string `mapstructure:"protectedPrefixes"`
	RedirectTo        string   `mapstructure:"redirectTo"`
	AllowLocalSession bool     `mapstructure:"allowLocalSession"`
	PrimaryCookies    []string `mapstructure:"primaryCookies"`
	LocalCookie       string   `mapstructure:"localCookie"`
}

func DefaultAccessPolicy() AccessPolicy {
	return AccessPolicy{
		ProtectedPrefixes: []string{"/dashboard"},
		RedirectTo:        "/",
		AllowLocalSession: true,
		PrimaryCookies:    []string{"sb-access-token", "sb-refresh-token"},
		LocalCookie:       "authToken",
	}
}

type AccessPolicyHolder struct {
	current atomic.Value // holds AccessPolicy
}

// NewStaticAccessPolicyHolder pins a policy without touching the filesystem.
func NewStaticAccessPolicyHolder(policy AccessPolicy) *AccessPolicyHolder {
	holder := &AccessPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func NewAccessPolicyHolder(cfg Config, log *zap.Logger) (*AccessPolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.access")

	v := viper.New()
	v.SetConfigName("access")
	v.SetConfigType("yml")
	if cfg.AccessPolicyPath != "" {
		v.AddConfigPath(cfg.AccessPolicyPath)
	}
	v.AddConfigPath("/etc/curlara")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CURLARA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultAccessPolicy()
	v.SetDefault("access.protectedPrefixes", defaults.ProtectedPrefixes)
	v.SetDefault("access.redirectTo", defaults.RedirectTo)
	v.SetDefault("access.allowLocalSession", defaults.AllowLocalSession)
	v.SetDefault("access.primaryCookies", defaults.PrimaryCookies)
	v.SetDefault("access.localCookie", defaults.LocalCookie)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	policy, err := decodeAccessPolicy(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticAccessPolicyHolder(policy)
	if policy.AllowLocalSession {
		log.Warn("local session bypass enabled for protected routes",
			zap.Strings("protected_prefixes", policy.ProtectedPrefixes),
		)
	}

	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeAccessPolicy(v)
		if err != nil {
			log.Warn("access policy reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("access policy reloaded",
			zap.String("file", e.Name),
			zap.Bool("allow_local_session", updated.AllowLocalSession),
		)
	})

	return holder, nil
}

func (h *AccessPolicyHolder) Get() AccessPolicy {
	return h.current.Load().(AccessPolicy)
}

func decodeAccessPolicy(v *viper.Viper) (AccessPolicy, error) {
	var wrapper struct {
		Access AccessPolicy `mapstructure:"access"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return AccessPolicy{}, err
	}
	policy := normalizeAccessPolicy(wrapper.Access)
	if err := validateAccessPolicy(policy); err != nil {
		return AccessPolicy{}, err
	}
	return policy, nil
}

func normalizeAccessPolicy(policy AccessPolicy) AccessPolicy {
	policy.ProtectedPrefixes = trimAll(policy.ProtectedPrefixes)
	policy.PrimaryCookies = trimAll(policy.PrimaryCookies)
	policy.RedirectTo = strings.TrimSpace(policy.RedirectTo)
	policy.LocalCookie = strings.TrimSpace(policy.LocalCookie)
	return policy
}

func validateAccessPolicy(policy AccessPolicy) error {
	if len(policy.ProtectedPrefixes) == 0 {
		return errors.New("access.protectedPrefixes cannot be empty")
	}
	for _, prefix := range policy.ProtectedPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			return errors.New("access.protectedPrefixes must be absolute paths")
		}
	}
	if policy.RedirectTo == "" {
		return errors.New("access.redirectTo cannot be empty")
	}
	if len(policy.PrimaryCookies) == 0 {
		return errors.New("access.primaryCookies cannot be empty")
	}
	return nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		out = append(out, value)
	}
	return out
}
