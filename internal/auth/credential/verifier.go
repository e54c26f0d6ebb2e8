package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/smallbiznis/curlara/internal/clock"
	"github.com/smallbiznis/curlara/internal/config"
	"github.com/smallbiznis/curlara/internal/identity"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultCacheSize = 1024
	clockLeeway      = 30 * time.Second
)

var (
	ErrSecretNotConfigured = errors.New("credential_secret_not_configured")
	ErrTokenMissing        = errors.New("credential_missing")
	ErrTokenInvalid        = errors.New("credential_invalid")
	ErrSubjectMissing      = errors.New("credential_subject_missing")
)

// Claims carried by session and bearer credentials.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type cacheEntry struct {
	claims    Claims
	expiresAt time.Time
}

type Params struct {
	fx.In

	Cfg   config.Config
	Log   *zap.Logger
	Clock clock.Clock `optional:"true"`
}

// Verifier validates HS256 credentials and caches verified tokens until they expire.
type Verifier struct {
	secret []byte
	log    *zap.Logger
	clock  clock.Clock
	cache  *lru.Cache[string, cacheEntry]
}

func NewVerifier(p Params) (*Verifier, error) {
	cache, err := lru.New[string, cacheEntry](defaultCacheSize)
	if err != nil {
		return nil, err
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	log := p.Log.Named("auth.credential")
	secret := strings.TrimSpace(p.Cfg.AuthJWTSecret)
	if secret == "" {
		log.Warn("AUTH_JWT_SECRET not set, credential verification disabled")
	}
	return &Verifier{
		secret: []byte(secret),
		log:    log,
		clock:  clk,
		cache:  cache,
	}, nil
}

func (v *Verifier) Verify(_ context.Context, token string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, ErrSecretNotConfigured
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenMissing
	}

	key := cacheKey(token)
	now := v.clock.Now()
	if entry, ok := v.cache.Get(key); ok {
		if now.Before(entry.expiresAt) {
			claims := entry.claims
			return &claims, nil
		}
		v.cache.Remove(key)
	}

	claims := Claims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockLeeway),
		jwt.WithTimeFunc(v.clock.Now),
	)
	if err != nil || !parsed.Valid {
		return nil, errors.Join(ErrTokenInvalid, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrSubjectMissing
	}

	v.cache.Add(key, cacheEntry{claims: claims, expiresAt: claims.ExpiresAt.Time})
	return &claims, nil
}

// VerifySubject adapts Verify for the identity resolver.
func (v *Verifier) VerifySubject(ctx context.Context, token string) (identity.Subject, error) {
	claims, err := v.Verify(ctx, token)
	if err != nil {
		return identity.Subject{}, err
	}
	return identity.Subject{
		ID:    claims.Subject,
		Email: claims.Email,
		Role:  claims.Role,
	}, nil
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

var _ identity.CredentialVerifier = (*Verifier)(nil)
