package identity

import (
	"context"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Repo     Repository
	Verifier CredentialVerifier `optional:"true"`
}

type strategyFunc func(ctx context.Context, signals Signals) (Resolution, error)

type step struct {
	name Strategy
	run  strategyFunc
}

// Resolver runs the identity strategies in priority order and stops at the
// first that resolves a subject.
type Resolver struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     Repository
	verifier CredentialVerifier
	steps    []step
}

func NewResolver(p Params) *Resolver {
	r := &Resolver{
		db:       p.DB,
		log:      p.Log.Named("identity.resolver"),
		repo:     p.Repo,
		verifier: p.Verifier,
	}
	r.steps = []step{
		{name: StrategyBody, run: r.fromBody},
		{name: StrategyCookie, run: r.fromCookie},
		{name: StrategyBearer, run: r.fromBearer},
		{name: StrategyEmail, run: r.fromEmail},
	}
	return r
}

func (r *Resolver) Resolve(ctx context.Context, signals Signals) Resolution {
	for _, st := range r.steps {
		res, err := st.run(ctx, signals)
		if err != nil {
			r.log.Debug("identity strategy skipped",
				zap.String("strategy", string(st.name)),
				zap.Error(err),
			)
			continue
		}
		if !res.Resolved {
			continue
		}
		res.Strategy = st.name
		if res.Email == nil {
			res.Email = OptionalEmail(deref(signals.Email))
		}
		return res
	}
	return Resolution{Email: OptionalEmail(deref(signals.Email))}
}

func (r *Resolver) fromBody(_ context.Context, signals Signals) (Resolution, error) {
	id, ok := NormalizeID(signals.BodyUserID)
	if !ok {
		return Resolution{}, nil
	}
	return Resolution{Resolved: true, SubjectID: id}, nil
}

func (r *Resolver) fromCookie(ctx context.Context, signals Signals) (Resolution, error) {
	return r.fromCredential(ctx, signals.SessionCookie)
}

func (r *Resolver) fromBearer(ctx context.Context, signals Signals) (Resolution, error) {
	return r.fromCredential(ctx, signals.BearerToken)
}

func (r *Resolver) fromCredential(ctx context.Context, token *string) (Resolution, error) {
	raw := strings.TrimSpace(deref(token))
	if raw == "" {
		return Resolution{}, nil
	}
	if r.verifier == nil {
		return Resolution{}, ErrNoCredentialVerifier
	}
	subject, err := r.verifier.VerifySubject(ctx, raw)
	if err != nil {
		return Resolution{}, err
	}
	id, ok := NormalizeID(&subject.ID)
	if !ok {
		return Resolution{}, nil
	}
	return Resolution{Resolved: true, SubjectID: id, Email: OptionalEmail(subject.Email)}, nil
}

func (r *Resolver) fromEmail(ctx context.Context, signals Signals) (Resolution, error) {
	email := OptionalEmail(deref(signals.Email))
	if email == nil || r.repo == nil || r.db == nil {
		return Resolution{}, nil
	}

	id, err := r.repo.FindProfileIDByEmail(ctx, r.db, *email)
	if err != nil {
		r.log.Warn("profile email lookup failed", zap.Error(err))
	}
	if id == "" {
		id, err = r.repo.FindAccessIDByEmail(ctx, r.db, *email)
		if err != nil {
			return Resolution{}, err
		}
	}
	if _, ok := NormalizeID(&id); !ok {
		return Resolution{}, nil
	}
	return Resolution{Resolved: true, SubjectID: id, Email: email}, nil
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
