package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/curlara/internal/clock"
	"github.com/smallbiznis/curlara/internal/config"
	"github.com/smallbiznis/curlara/internal/entitlement/domain"
	"github.com/smallbiznis/curlara/internal/identity"
	obsmetrics "github.com/smallbiznis/curlara/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Cfg        config.Config
	Clock      clock.Clock
	Repo       domain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	repo       domain.Repository
	period     time.Duration
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.EntitlementStore {
	return newService(p)
}

func newService(p Params) *Service {
	days := p.Cfg.Entitlement.PeriodDays
	if days <= 0 {
		days = 30
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("entitlement.store"),
		clock:      clk,
		repo:       p.Repo,
		period:     time.Duration(days) * 24 * time.Hour,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) SetPaid(ctx context.Context, input domain.SetPaidInput) (domain.WriteResult, error) {
	id, ok := identity.NormalizeID(&input.ID)
	if !ok {
		return domain.WriteResult{}, domain.ErrInvalidSubject
	}
	email := domain.NormalizeEmail(input.Email)
	customerID := normalizeOptional(input.CustomerID)

	result := domain.WriteResult{SubjectID: id}
	result.Profile, result.Expiry = s.writeProfile(ctx, id, customerID)
	result.Access = s.writeAccess(ctx, id, email)

	s.obsMetrics.RecordEntitlementWrite(ctx, domain.ProjectionProfile, projectionLabel(result.Profile))
	s.obsMetrics.RecordEntitlementWrite(ctx, domain.ProjectionAccess, projectionLabel(result.Access))

	fields := []zap.Field{
		zap.String("subject_id", id),
		zap.Bool("profile_updated", result.Profile.Updated),
		zap.Bool("access_updated", result.Access.Updated),
		zap.String("access_matched_by", result.Access.MatchedBy),
	}
	if result.Expiry != nil {
		fields = append(fields, zap.Time("expiry", *result.Expiry))
	}
	switch {
	case result.Access.Err != nil:
		s.log.Error("entitlement write failed", append(fields, zap.Error(result.Access.Err))...)
	case result.Partial():
		s.log.Warn("entitlement write partial", fields...)
	default:
		s.log.Info("entitlement write applied", fields...)
	}

	return result, nil
}

func (s *Service) writeProfile(ctx context.Context, id string, customerID *string) (domain.ProjectionResult, *time.Time) {
	result := domain.ProjectionResult{Projection: domain.ProjectionProfile, MatchedBy: domain.MatchedByID}

	current, err := s.repo.FindProfile(ctx, s.db, id)
	if err != nil {
		result.Err = err
		s.log.Warn("profile projection read failed", zap.String("subject_id", id), zap.Error(err))
		return result, nil
	}
	if current == nil {
		return result, nil
	}

	now := s.clock.Now().UTC().Truncate(time.Second)
	next := nextExpiry(current.SubscriptionEndDate, now, s.period)

	rows, err := s.repo.ExtendProfile(ctx, s.db, id, next, customerID, now)
	if err != nil {
		result.Err = err
		s.log.Warn("profile projection write failed", zap.String("subject_id", id), zap.Error(err))
		return result, nil
	}
	result.RowsAffected = rows
	result.Updated = rows > 0
	if !result.Updated {
		return result, nil
	}

	// A concurrent writer may have stored a later expiry; report what is stored.
	expiry := next
	if stored, err := s.repo.FindProfile(ctx, s.db, id); err == nil && stored != nil && stored.SubscriptionEndDate != nil {
		expiry = stored.SubscriptionEndDate.UTC()
	}
	return result, &expiry
}

func (s *Service) writeAccess(ctx context.Context, id, email string) domain.ProjectionResult {
	result := domain.ProjectionResult{Projection: domain.ProjectionAccess, MatchedBy: domain.MatchedByID}

	rows, err := s.repo.MarkAccessPaidByID(ctx, s.db, id)
	if err != nil {
		result.Err = err
		return result
	}
	if rows == 0 && email != "" {
		result.MatchedBy = domain.MatchedByEmail
		rows, err = s.repo.MarkAccessPaidByEmail(ctx, s.db, email)
		if err != nil {
			result.Err = err
			return result
		}
	}
	result.RowsAffected = rows
	result.Updated = rows > 0
	if !result.Updated {
		result.MatchedBy = ""
	}
	return result
}

// AccessStatus reads Projection B. Callers gating access must treat an error as denial.
func (s *Service) AccessStatus(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, domain.ErrInvalidSubject
	}
	access, err := s.repo.FindAccess(ctx, s.db, id)
	if err != nil {
		return false, err
	}
	if access == nil {
		return false, nil
	}
	return access.HasPaid, nil
}

func (s *Service) Profile(ctx context.Context, id string) (*domain.Profile, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, domain.ErrInvalidSubject
	}
	profile, err := s.repo.FindProfile(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, domain.ErrSubjectNotFound
	}
	return profile, nil
}

// nextExpiry extends from the later of the stored expiry and now.
func nextExpiry(current *time.Time, now time.Time, period time.Duration) time.Time {
	base := now
	if current != nil && current.After(now) {
		base = current.UTC()
	}
	return base.Add(period).Truncate(time.Second)
}

func projectionLabel(r domain.ProjectionResult) string {
	if r.Err != nil {
		return obsmetrics.ClassifyProjectionError(r.Err)
	}
	return r.Outcome()
}

func normalizeOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
