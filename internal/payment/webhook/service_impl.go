package webhook

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/curlara/internal/clock"
	"github.com/smallbiznis/curlara/internal/config"
	entitlementdomain "github.com/smallbiznis/curlara/internal/entitlement/domain"
	"github.com/smallbiznis/curlara/internal/identity"
	obsmetrics "github.com/smallbiznis/curlara/internal/observability/metrics"
	"github.com/smallbiznis/curlara/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/curlara/internal/payment/domain"
	paymentservice "github.com/smallbiznis/curlara/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Cfg        config.Config
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       paymentdomain.Repository
	Resolver   *identity.Resolver
	Store      entitlementdomain.EntitlementStore
	PaymentSvc *paymentservice.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Service is the event ingestor: verify, decode, resolve, apply.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       paymentdomain.Repository
	adapter    *stripe.Adapter
	resolver   *identity.Resolver
	store      entitlementdomain.EntitlementStore
	paymentSvc *paymentservice.Service
	obsMetrics *obsmetrics.Metrics
}

type Result struct {
	EventID    string
	EventType  string
	Outcome    string
	SubjectID  *string
	ResolvedBy identity.Strategy
	Write      *entitlementdomain.WriteResult
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.webhook"),
		genID:      p.GenID,
		clock:      clk,
		repo:       p.Repo,
		adapter:    stripe.NewAdapter(p.Cfg.Stripe.WebhookSecret),
		resolver:   p.Resolver,
		store:      p.Store,
		paymentSvc: p.PaymentSvc,
		obsMetrics: p.ObsMetrics,
	}
}

// Ingest handles one delivery. A SubjectUnresolved error comes with a result
// and must be acknowledged to the processor.
func (s *Service) Ingest(ctx context.Context, payload []byte, sigHeader string) (*Result, error) {
	raw, err := s.adapter.Verify(payload, sigHeader)
	if err != nil {
		s.logVerifyFailure(err, payload, sigHeader)
		return nil, err
	}

	event, err := s.adapter.Parse(raw)
	if err != nil {
		s.log.Warn("verified delivery could not be decoded", zap.String("event_id", raw.ID), zap.Error(err))
		return nil, err
	}
	meta := event.Meta()
	s.recordDelivery(ctx, meta, payload)

	result := &Result{EventID: meta.ID, EventType: meta.Type}

	payable, ok := event.(paymentdomain.Payable)
	if !ok {
		result.Outcome = paymentdomain.OutcomeIgnored
		s.log.Info("event received but not processed", zap.String("event_id", meta.ID), zap.String("event_type", meta.Type))
		s.finish(ctx, result)
		return result, nil
	}

	hint := payable.SubjectHint()
	resolution := s.resolver.Resolve(ctx, identity.Signals{
		BodyUserID: hint.UserID,
		Email:      hint.Email,
	})
	if !resolution.Resolved {
		result.Outcome = paymentdomain.OutcomeSubjectUnresolved
		s.paymentSvc.RecordUnresolved(ctx, paymentservice.UnresolvedInput{
			ProviderEventID: meta.ID,
			Source:          paymentdomain.SourceWebhook,
			Reason:          paymentdomain.OutcomeSubjectUnresolved,
			EventType:       meta.Type,
			Hint:            hint,
			Payload:         payload,
		})
		s.finish(ctx, result)
		return result, paymentdomain.ErrSubjectUnresolved
	}

	subjectID := resolution.SubjectID
	result.SubjectID = &subjectID
	result.ResolvedBy = resolution.Strategy

	email := hint.Email
	if email == nil {
		email = resolution.Email
	}
	write, err := s.store.SetPaid(ctx, entitlementdomain.SetPaidInput{
		ID:         subjectID,
		Email:      email,
		CustomerID: hint.CustomerID,
	})
	if err != nil {
		return nil, err
	}
	result.Write = &write
	result.Outcome = paymentservice.OutcomeFor(write)

	if result.Outcome == paymentdomain.OutcomeAccessUnmatched {
		s.paymentSvc.RecordUnresolved(ctx, paymentservice.UnresolvedInput{
			ProviderEventID: meta.ID,
			Source:          paymentdomain.SourceWebhook,
			Reason:          paymentdomain.OutcomeAccessUnmatched,
			EventType:       meta.Type,
			Hint:            hint,
			Payload:         payload,
		})
	}

	s.finish(ctx, result)
	if err := write.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Service) recordDelivery(ctx context.Context, meta paymentdomain.EventMeta, payload []byte) {
	now := s.clock.Now().UTC()
	err := s.repo.RecordDelivery(ctx, s.db, &paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        paymentdomain.ProviderStripe,
		ProviderEventID: meta.ID,
		EventType:       meta.Type,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
		LastReceivedAt:  now,
	})
	if err != nil {
		s.log.Warn("delivery not logged", zap.String("event_id", meta.ID), zap.Error(err))
	}
}

// finish writes the outcome record to the log, the event log and metrics.
func (s *Service) finish(ctx context.Context, result *Result) {
	if err := s.repo.MarkProcessed(ctx, s.db, paymentdomain.ProviderStripe, result.EventID, result.SubjectID, result.Outcome, s.clock.Now().UTC()); err != nil {
		s.log.Warn("delivery outcome not logged", zap.String("event_id", result.EventID), zap.Error(err))
	}
	s.obsMetrics.RecordWebhookEvent(ctx, result.EventType, result.Outcome)

	fields := []zap.Field{
		zap.String("event_id", result.EventID),
		zap.String("event_type", result.EventType),
		zap.String("outcome", result.Outcome),
		zap.String("resolved_by", string(result.ResolvedBy)),
	}
	if result.SubjectID != nil {
		fields = append(fields, zap.String("subject_id", *result.SubjectID))
	}
	if result.Write != nil {
		fields = append(fields,
			zap.Bool("profile_updated", result.Write.Profile.Updated),
			zap.Bool("access_updated", result.Write.Access.Updated),
		)
	}
	switch result.Outcome {
	case paymentdomain.OutcomeApplied, paymentdomain.OutcomeIgnored:
		s.log.Info("payment_event_outcome", fields...)
	case paymentdomain.OutcomeAccessFailed:
		s.log.Error("payment_event_outcome", fields...)
	default:
		s.log.Warn("payment_event_outcome", fields...)
	}
}

func (s *Service) logVerifyFailure(err error, payload []byte, sigHeader string) {
	fields := []zap.Field{
		zap.Int("payload_bytes", len(payload)),
		zap.Bool("signature_present", sigHeader != ""),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, paymentdomain.ErrMissingConfiguration):
		s.log.Error("webhook secret not configured", fields...)
	case errors.Is(err, paymentdomain.ErrSignatureMissing):
		s.log.Warn("delivery without signature", fields...)
	default:
		// A valid-looking header that never matches usually means the
		// configured secret belongs to another endpoint.
		s.log.Warn("delivery signature mismatch", append(fields, zap.Bool("secret_configured", true))...)
	}
	s.obsMetrics.RecordWebhookEvent(context.Background(), "unverified", "rejected")
}
