package service

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/smallbiznis/curlara/internal/entitlement/domain"
	"github.com/smallbiznis/curlara/internal/identity"
	paymentdomain "github.com/smallbiznis/curlara/internal/payment/domain"
	"github.com/smallbiznis/curlara/pkg/db/pagination"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type UnresolvedInput struct {
	ProviderEventID string
	Source          string
	Reason          string
	EventType       string
	Hint            paymentdomain.SubjectHint
	Payload         []byte
}

// RecordUnresolved persists money received without an attributable subject.
// Failures are logged; the caller's acknowledgement does not depend on it.
func (s *Service) RecordUnresolved(ctx context.Context, in UnresolvedInput) {
	hint, err := json.Marshal(in.Hint)
	if err != nil {
		hint = []byte(`{}`)
	}
	item := &paymentdomain.UnresolvedPayment{
		ID:              s.genID.Generate(),
		Provider:        paymentdomain.ProviderStripe,
		ProviderEventID: in.ProviderEventID,
		Source:          in.Source,
		Reason:          in.Reason,
		EventType:       in.EventType,
		Hint:            datatypes.JSON(hint),
		CreatedAt:       s.clock.Now().UTC(),
	}
	if len(in.Payload) > 0 {
		item.Payload = datatypes.JSON(in.Payload)
	}

	inserted, err := s.repo.InsertUnresolved(ctx, s.db, item)
	if err != nil {
		s.log.Error("unresolved payment not recorded",
			zap.String("provider_event_id", in.ProviderEventID),
			zap.String("source", in.Source),
			zap.Error(err),
		)
		return
	}
	if inserted {
		s.obsMetrics.RecordUnresolvedPayment(ctx, in.Source)
	}
	s.log.Warn("payment without attributable subject",
		zap.String("provider_event_id", in.ProviderEventID),
		zap.String("source", in.Source),
		zap.String("reason", in.Reason),
		zap.Bool("email_hint", in.Hint.Email != nil),
		zap.Bool("customer_hint", in.Hint.CustomerID != nil),
		zap.Bool("first_seen", inserted),
	)
}

type ListUnresolvedResponse struct {
	Items    []*paymentdomain.UnresolvedPayment `json:"items"`
	PageInfo *pagination.PageInfo               `json:"page_info"`
}

func (s *Service) ListUnresolved(ctx context.Context, req paymentdomain.ListUnresolvedRequest) (ListUnresolvedResponse, error) {
	items, err := s.repo.ListUnresolved(ctx, s.db, req)
	if err != nil {
		return ListUnresolvedResponse{}, err
	}
	page, info := pagination.BuildCursorPageInfo(items, req.Page.Limit(), func(item *paymentdomain.UnresolvedPayment) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: item.ID.String()})
		if err != nil {
			return ""
		}
		return token
	})
	if page == nil {
		page = []*paymentdomain.UnresolvedPayment{}
	}
	return ListUnresolvedResponse{Items: page, PageInfo: info}, nil
}

type ResolveRequest struct {
	SubjectID  string
	Email      *string
	ResolvedBy string
}

type ResolveResult struct {
	Payment *paymentdomain.UnresolvedPayment `json:"payment"`
	Write   entitlementdomain.WriteResult    `json:"write"`
}

// ResolveUnresolved attributes a recorded payment to a subject chosen by an
// operator and applies the entitlement.
func (s *Service) ResolveUnresolved(ctx context.Context, id snowflake.ID, req ResolveRequest) (*ResolveResult, error) {
	subjectID, ok := identity.NormalizeID(&req.SubjectID)
	if !ok {
		return nil, entitlementdomain.ErrInvalidSubject
	}

	item, err := s.repo.FindUnresolved(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, paymentdomain.ErrUnresolvedNotFound
	}
	if item.ResolvedAt != nil {
		return nil, paymentdomain.ErrAlreadyResolved
	}

	var hint paymentdomain.SubjectHint
	if len(item.Hint) > 0 {
		if err := json.Unmarshal(item.Hint, &hint); err != nil {
			s.log.Warn("unresolved payment hint unreadable", zap.String("id", id.String()), zap.Error(err))
		}
	}
	email := req.Email
	if identity.OptionalEmail(derefString(email)) == nil {
		email = hint.Email
	}

	write, err := s.store.SetPaid(ctx, entitlementdomain.SetPaidInput{
		ID:         subjectID,
		Email:      email,
		CustomerID: hint.CustomerID,
	})
	if err != nil {
		return nil, err
	}
	if err := write.Err(); err != nil {
		return nil, err
	}
	// The entry stays open until somebody actually holds access.
	if !write.Entitled() {
		s.log.Warn("unresolved payment target has no access row",
			zap.String("id", id.String()),
			zap.String("subject_id", subjectID),
		)
		return nil, entitlementdomain.ErrSubjectNotFound
	}

	resolvedBy := strings.TrimSpace(req.ResolvedBy)
	if resolvedBy == "" {
		resolvedBy = "operator"
	}
	now := s.clock.Now().UTC()
	updated, err := s.repo.MarkResolved(ctx, s.db, id, subjectID, resolvedBy, now)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, paymentdomain.ErrAlreadyResolved
	}

	item.ResolvedAt = &now
	item.ResolvedSubjectID = &subjectID
	item.ResolvedBy = &resolvedBy

	s.log.Info("unresolved payment resolved",
		zap.String("id", id.String()),
		zap.String("subject_id", subjectID),
		zap.String("resolved_by", resolvedBy),
		zap.Bool("access_updated", write.Access.Updated),
	)
	return &ResolveResult{Payment: item, Write: write}, nil
}
