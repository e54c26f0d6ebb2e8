package gate

import (
	"context"
	"strings"

	"github.com/smallbiznis/curlara/internal/config"
	entitlementdomain "github.com/smallbiznis/curlara/internal/entitlement/domain"
	"github.com/smallbiznis/curlara/internal/identity"
	obsmetrics "github.com/smallbiznis/curlara/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type State string

const (
	StateUnauthenticated       State = "unauthenticated"
	StateLocallyAuthenticated  State = "locally_authenticated"
	StateVerifiedNoEntitlement State = "verified_no_entitlement"
	StateVerifiedEntitled      State = "verified_entitled"
)

const (
	ReasonNoSession        = "no_session"
	ReasonLocalSession     = "local_session"
	ReasonLocalDisabled    = "local_session_disabled"
	ReasonNotPaid          = "not_paid"
	ReasonAccessReadFailed = "access_read_failed"
	ReasonPaid             = "paid"
)

// Request carries the session signals read from one inbound request.
type Request struct {
	PrimaryToken string
	LocalToken   string
}

type Decision struct {
	State     State
	Allow     bool
	SubjectID string
	Reason    string
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Policy     *config.AccessPolicyHolder
	Store      entitlementdomain.EntitlementStore
	Verifier   identity.CredentialVerifier `optional:"true"`
	ObsMetrics *obsmetrics.Metrics         `optional:"true"`
}

// Gate decides, per request, whether a protected route may be served.
// Nothing is cached between requests.
type Gate struct {
	log        *zap.Logger
	policy     *config.AccessPolicyHolder
	store      entitlementdomain.EntitlementStore
	verifier   identity.CredentialVerifier
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) *Gate {
	return &Gate{
		log:        p.Log.Named("gate"),
		policy:     p.Policy,
		store:      p.Store,
		verifier:   p.Verifier,
		obsMetrics: p.ObsMetrics,
	}
}

func (g *Gate) Evaluate(ctx context.Context, req Request) Decision {
	decision := g.evaluate(ctx, req)
	g.obsMetrics.RecordGateDecision(ctx, string(decision.State))
	return decision
}

func (g *Gate) evaluate(ctx context.Context, req Request) Decision {
	primary := strings.TrimSpace(req.PrimaryToken)
	local := strings.TrimSpace(req.LocalToken)

	if primary != "" {
		if subject, ok := g.verify(ctx, primary); ok {
			return g.checkAccess(ctx, subject.ID)
		}
	}

	if local == "" {
		return Decision{State: StateUnauthenticated, Reason: ReasonNoSession}
	}

	if !g.current().AllowLocalSession {
		return Decision{State: StateLocallyAuthenticated, Reason: ReasonLocalDisabled}
	}
	g.log.Warn("protected route served on local session without payment check",
		zap.String("gate_state", string(StateLocallyAuthenticated)),
		zap.Bool("primary_present", primary != ""),
	)
	return Decision{State: StateLocallyAuthenticated, Allow: true, Reason: ReasonLocalSession}
}

func (g *Gate) verify(ctx context.Context, token string) (identity.Subject, bool) {
	if g.verifier == nil {
		return identity.Subject{}, false
	}
	subject, err := g.verifier.VerifySubject(ctx, token)
	if err != nil {
		g.log.Debug("primary session not verified", zap.Error(err))
		return identity.Subject{}, false
	}
	if _, ok := identity.NormalizeID(&subject.ID); !ok {
		return identity.Subject{}, false
	}
	return subject, true
}

// checkAccess fails closed: any read error denies.
func (g *Gate) checkAccess(ctx context.Context, subjectID string) Decision {
	paid, err := g.store.AccessStatus(ctx, subjectID)
	if err != nil {
		g.log.Error("access status unavailable, denying",
			zap.String("subject_id", subjectID),
			zap.Error(err),
		)
		return Decision{State: StateVerifiedNoEntitlement, SubjectID: subjectID, Reason: ReasonAccessReadFailed}
	}
	if !paid {
		return Decision{State: StateVerifiedNoEntitlement, SubjectID: subjectID, Reason: ReasonNotPaid}
	}
	return Decision{State: StateVerifiedEntitled, Allow: true, SubjectID: subjectID, Reason: ReasonPaid}
}

func (g *Gate) current() config.AccessPolicy {
	if g.policy == nil {
		return config.DefaultAccessPolicy()
	}
	return g.policy.Get()
}

// Protected reports whether path falls under a protected prefix.
func (g *Gate) Protected(path string) bool {
	for _, prefix := range g.current().ProtectedPrefixes {
		if path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

func (g *Gate) RedirectTo() string {
	return g.current().RedirectTo
}
