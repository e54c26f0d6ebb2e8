package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/curlara/internal/identity"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectUnresolvedPayment = "unresolved_payment"
)

const (
	ActionUnresolvedPaymentView    = "unresolved_payment.view"
	ActionUnresolvedPaymentResolve = "unresolved_payment.resolve"
)

const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, subject identity.Subject, object string, action string) error {
	actorID := strings.TrimSpace(subject.ID)
	if actorID == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	role := strings.ToLower(strings.TrimSpace(subject.Role))
	if role == "" {
		s.log.Warn("authorization denied", zap.String("actor", actorID), zap.String("action", action), zap.String("reason", "no_role"))
		return ErrForbidden
	}

	actor := fmt.Sprintf("user:%s", actorID)
	if err := s.ensureGrouping(actor, fmt.Sprintf("role:%s", role)); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(actor, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("actor", actorID),
			zap.String("role", role),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	if action == ActionUnresolvedPaymentResolve {
		s.log.Info("authorization granted",
			zap.String("actor", actorID),
			zap.String("role", role),
			zap.String("action", action),
		)
	}
	return nil
}

// ensureGrouping keeps exactly one role link per actor; the role claim in the
// credential is authoritative.
func (s *ServiceImpl) ensureGrouping(actor string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, actor)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		if _, err := s.enforcer.RemoveGroupingPolicy(rule[0], rule[1]); err != nil {
			return err
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(actor, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(actor, roleName)
	return err
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{"role:operator", ObjectUnresolvedPayment, ActionUnresolvedPaymentView},
		{"role:operator", ObjectUnresolvedPayment, ActionUnresolvedPaymentResolve},

		{"role:admin", ObjectUnresolvedPayment, ActionUnresolvedPaymentView},
		{"role:admin", ObjectUnresolvedPayment, ActionUnresolvedPaymentResolve},

		{"role:support", ObjectUnresolvedPayment, ActionUnresolvedPaymentView},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
