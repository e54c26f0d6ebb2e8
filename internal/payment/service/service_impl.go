package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/curlara/internal/clock"
	"github.com/smallbiznis/curlara/internal/config"
	entitlementdomain "github.com/smallbiznis/curlara/internal/entitlement/domain"
	"github.com/smallbiznis/curlara/internal/identity"
	obsmetrics "github.com/smallbiznis/curlara/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/curlara/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const ProviderSimulation = "simulation"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Cfg        config.Config
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       paymentdomain.Repository
	Processor  paymentdomain.ProcessorClient
	Resolver   *identity.Resolver
	Store      entitlementdomain.EntitlementStore
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Service holds the synchronous payment paths that bypass webhook delivery
// plus the unresolved payment queue shared with the ingestor.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        config.Config
	genID      *snowflake.Node
	clock      clock.Clock
	repo       paymentdomain.Repository
	processor  paymentdomain.ProcessorClient
	resolver   *identity.Resolver
	store      entitlementdomain.EntitlementStore
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		cfg:        p.Cfg,
		genID:      p.GenID,
		clock:      clk,
		repo:       p.Repo,
		processor:  p.Processor,
		resolver:   p.Resolver,
		store:      p.Store,
		obsMetrics: p.ObsMetrics,
	}
}

type ConfirmResult struct {
	Success             bool                          `json:"success"`
	UserID              string                        `json:"userId"`
	SubscriptionEndDate *time.Time                    `json:"subscriptionEndDate"`
	Write               entitlementdomain.WriteResult `json:"-"`
}

// Confirm fetches the checkout session from the processor and applies the
// entitlement when it is paid. Nothing is written for an unpaid session.
func (s *Service) Confirm(ctx context.Context, sessionID string) (*ConfirmResult, error) {
	session, err := s.paidSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	resolution := s.resolver.Resolve(ctx, sessionSignals(session))
	if !resolution.Resolved {
		s.RecordUnresolved(ctx, UnresolvedInput{
			ProviderEventID: session.ID,
			Source:          paymentdomain.SourceConfirm,
			Reason:          paymentdomain.OutcomeSubjectUnresolved,
			EventType:       "checkout.session",
			Hint:            sessionHint(session),
		})
		return nil, paymentdomain.ErrSubjectUnresolved
	}

	write, err := s.store.SetPaid(ctx, entitlementdomain.SetPaidInput{
		ID:         resolution.SubjectID,
		Email:      resolution.Email,
		CustomerID: session.CustomerID,
	})
	if err != nil {
		return nil, err
	}
	if err := write.Err(); err != nil {
		return nil, err
	}

	if !write.Entitled() {
		s.recordAccessUnmatched(ctx, session, paymentdomain.SourceConfirm, resolution.SubjectID)
	}

	s.log.Info("checkout session confirmed",
		zap.String("session_id", session.ID),
		zap.String("subject_id", resolution.SubjectID),
		zap.String("resolved_by", string(resolution.Strategy)),
		zap.Bool("profile_updated", write.Profile.Updated),
		zap.Bool("access_updated", write.Access.Updated),
	)

	return &ConfirmResult{
		Success:             write.Entitled(),
		UserID:              resolution.SubjectID,
		SubscriptionEndDate: write.Expiry,
		Write:               write,
	}, nil
}

type VerifyResult struct {
	Paid          bool    `json:"paid"`
	Status        string  `json:"status"`
	CustomerEmail *string `json:"customerEmail"`
	UserID        *string `json:"userId,omitempty"`
}

// VerifyPayment reports the processor-side status of a checkout session and
// applies the entitlement when the session is paid.
func (s *Service) VerifyPayment(ctx context.Context, sessionID string) (*VerifyResult, error) {
	session, err := s.fetchSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	result := &VerifyResult{
		Paid:          session.Paid(),
		Status:        session.PaymentStatus,
		CustomerEmail: session.CustomerEmail,
	}
	if !result.Paid {
		return result, nil
	}

	resolution := s.resolver.Resolve(ctx, sessionSignals(session))
	if !resolution.Resolved {
		s.RecordUnresolved(ctx, UnresolvedInput{
			ProviderEventID: session.ID,
			Source:          paymentdomain.SourceVerify,
			Reason:          paymentdomain.OutcomeSubjectUnresolved,
			EventType:       "checkout.session",
			Hint:            sessionHint(session),
		})
		return result, nil
	}

	write, err := s.store.SetPaid(ctx, entitlementdomain.SetPaidInput{
		ID:         resolution.SubjectID,
		Email:      resolution.Email,
		CustomerID: session.CustomerID,
	})
	if err != nil {
		return nil, err
	}
	if err := write.Err(); err != nil {
		return nil, err
	}
	if !write.Entitled() {
		s.recordAccessUnmatched(ctx, session, paymentdomain.SourceVerify, resolution.SubjectID)
	}
	result.UserID = &resolution.SubjectID
	return result, nil
}

// recordAccessUnmatched queues a paid session whose subject has no access
// row, the same way the ingestor queues an unmatched delivery.
func (s *Service) recordAccessUnmatched(ctx context.Context, session *paymentdomain.CheckoutSession, source, subjectID string) {
	hint := sessionHint(session)
	if hint.UserID == nil {
		hint.UserID = identity.Optional(subjectID)
	}
	s.RecordUnresolved(ctx, UnresolvedInput{
		ProviderEventID: session.ID,
		Source:          source,
		Reason:          paymentdomain.OutcomeAccessUnmatched,
		EventType:       "checkout.session",
		Hint:            hint,
	})
}

const (
	defaultReturnPath   = "/analysis"
	defaultReturnOrigin = "http://localhost:3000"
	checkoutReturnQuery = "success=true&session_id={CHECKOUT_SESSION_ID}"
)

type CreateCheckoutRequest struct {
	Signals identity.Signals
	Email   *string
	PriceID string
	// Origin is the caller's Origin header, used when no return URL is configured.
	Origin string
}

type CreateCheckoutResult struct {
	ClientSecret string  `json:"clientSecret"`
	SessionID    string  `json:"sessionId"`
	URL          string  `json:"url,omitempty"`
	UserID       string  `json:"userId"`
	Warning      *string `json:"warning,omitempty"`
}

// CreateCheckoutSession opens the embedded checkout whose session id the
// confirm and verify paths later consume. The resolved subject travels as
// both metadata.userId and client_reference_id.
func (s *Service) CreateCheckoutSession(ctx context.Context, req CreateCheckoutRequest) (*CreateCheckoutResult, error) {
	if s.processor == nil {
		return nil, &paymentdomain.MissingConfigurationError{Setting: "STRIPE_SECRET_KEY"}
	}

	signals := req.Signals
	signals.Email = nil
	resolution := s.resolver.Resolve(ctx, signals)

	email := identity.OptionalEmail(derefString(req.Email))
	if email == nil {
		email = resolution.Email
	}

	userID := identity.Sentinel
	var (
		reference *string
		warning   *string
	)
	if resolution.Resolved {
		userID = resolution.SubjectID
		reference = &userID
	} else {
		msg := "user_not_identified"
		warning = &msg
		s.log.Warn("checkout session created without subject", zap.Bool("email_present", email != nil))
	}

	metadata := map[string]string{"userId": userID}
	if email != nil {
		metadata["userEmail"] = *email
	}

	created, err := s.processor.CreateCheckoutSession(ctx, paymentdomain.CheckoutSessionRequest{
		PriceID:           strings.TrimSpace(req.PriceID),
		Amount:            s.cfg.Payment.Amount,
		Currency:          s.cfg.Payment.Currency,
		Description:       s.cfg.Payment.Description,
		CustomerEmail:     email,
		ClientReferenceID: reference,
		ReturnURL:         s.checkoutReturnURL(req.Origin),
		Metadata:          metadata,
	})
	if err != nil {
		return nil, err
	}

	return &CreateCheckoutResult{
		ClientSecret: created.ClientSecret,
		SessionID:    created.ID,
		URL:          created.URL,
		UserID:       userID,
		Warning:      warning,
	}, nil
}

func (s *Service) checkoutReturnURL(origin string) string {
	base := strings.TrimSpace(s.cfg.Payment.ReturnURL)
	if base == "" {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "" {
			origin = defaultReturnOrigin
		}
		base = origin + defaultReturnPath
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + checkoutReturnQuery
}

type CreateIntentRequest struct {
	Signals identity.Signals
	Email   *string
}

type CreateIntentResult struct {
	ClientSecret    string  `json:"clientSecret"`
	PaymentIntentID string  `json:"paymentIntentId"`
	UserID          string  `json:"userId"`
	Warning         *string `json:"warning,omitempty"`
}

// CreatePaymentIntent opens a processor payment for the caller. When no
// subject can be identified the intent carries the placeholder id and the
// webhook falls back to the receipt email.
func (s *Service) CreatePaymentIntent(ctx context.Context, req CreateIntentRequest) (*CreateIntentResult, error) {
	signals := req.Signals
	signals.Email = nil
	resolution := s.resolver.Resolve(ctx, signals)

	email := identity.OptionalEmail(derefString(req.Email))
	if email == nil {
		email = resolution.Email
	}

	userID := identity.Sentinel
	var warning *string
	if resolution.Resolved {
		userID = resolution.SubjectID
	} else {
		msg := "user_not_identified"
		warning = &msg
		s.log.Warn("payment intent created without subject",
			zap.Bool("email_present", email != nil),
		)
	}

	metadata := map[string]string{"userId": userID}
	if email != nil {
		metadata["userEmail"] = *email
	}

	intent, err := s.processor.CreatePaymentIntent(ctx, paymentdomain.PaymentIntentRequest{
		Amount:       s.cfg.Payment.Amount,
		Currency:     s.cfg.Payment.Currency,
		Description:  s.cfg.Payment.Description,
		ReceiptEmail: email,
		Metadata:     metadata,
	})
	if err != nil {
		return nil, err
	}

	return &CreateIntentResult{
		ClientSecret:    intent.ClientSecret,
		PaymentIntentID: intent.ID,
		UserID:          userID,
		Warning:         warning,
	}, nil
}

type SimulateResult struct {
	EventID string                        `json:"eventId"`
	Write   entitlementdomain.WriteResult `json:"write"`
}

// Simulate applies the entitlement as if a paid delivery had arrived. It is
// refused in production.
func (s *Service) Simulate(ctx context.Context, userID string, email *string) (*SimulateResult, error) {
	if s.cfg.IsProduction() {
		return nil, paymentdomain.ErrSimulationDisabled
	}
	id, ok := identity.NormalizeID(&userID)
	if !ok {
		return nil, entitlementdomain.ErrInvalidSubject
	}

	now := s.clock.Now().UTC()
	eventID := "evt_test_" + ulid.Make().String()
	payload, err := json.Marshal(map[string]any{"id": eventID, "userId": id})
	if err != nil {
		return nil, err
	}
	if err := s.repo.RecordDelivery(ctx, s.db, &paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        ProviderSimulation,
		ProviderEventID: eventID,
		EventType:       "simulated.payment",
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
		LastReceivedAt:  now,
	}); err != nil {
		s.log.Warn("simulated delivery not logged", zap.Error(err))
	}

	write, err := s.store.SetPaid(ctx, entitlementdomain.SetPaidInput{ID: id, Email: email})
	if err != nil {
		return nil, err
	}
	outcome := OutcomeFor(write)
	if err := s.repo.MarkProcessed(ctx, s.db, ProviderSimulation, eventID, &id, outcome, s.clock.Now().UTC()); err != nil {
		s.log.Warn("simulated delivery not marked processed", zap.Error(err))
	}
	if err := write.Err(); err != nil {
		return nil, err
	}
	return &SimulateResult{EventID: eventID, Write: write}, nil
}

type Diagnostics struct {
	WebhookSecretConfigured bool   `json:"webhookSecretConfigured"`
	APIKeyConfigured        bool   `json:"apiKeyConfigured"`
	Environment             string `json:"environment"`
}

func (s *Service) Diagnostics() Diagnostics {
	return Diagnostics{
		WebhookSecretConfigured: strings.TrimSpace(s.cfg.Stripe.WebhookSecret) != "",
		APIKeyConfigured:        s.processor != nil && s.processor.Configured(),
		Environment:             s.cfg.Environment,
	}
}

// OutcomeFor classifies a write result for the event log.
func OutcomeFor(write entitlementdomain.WriteResult) string {
	switch {
	case write.Access.Err != nil:
		return paymentdomain.OutcomeAccessFailed
	case !write.Access.Updated:
		return paymentdomain.OutcomeAccessUnmatched
	case write.Partial():
		return paymentdomain.OutcomePartial
	default:
		return paymentdomain.OutcomeApplied
	}
}

func (s *Service) fetchSession(ctx context.Context, sessionID string) (*paymentdomain.CheckoutSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, paymentdomain.ErrInvalidSession
	}
	if s.processor == nil {
		return nil, &paymentdomain.MissingConfigurationError{Setting: "STRIPE_SECRET_KEY"}
	}

	session, err := s.processor.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrMissingConfiguration) {
			return nil, err
		}
		s.log.Warn("checkout session lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil, &paymentdomain.UpstreamVerificationError{Status: "lookup_failed", Err: err}
	}
	return session, nil
}

func (s *Service) paidSession(ctx context.Context, sessionID string) (*paymentdomain.CheckoutSession, error) {
	session, err := s.fetchSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Paid() {
		status := session.PaymentStatus
		if status == "" {
			status = "unpaid"
		}
		return nil, &paymentdomain.UpstreamVerificationError{Status: status}
	}
	return session, nil
}

func sessionSignals(session *paymentdomain.CheckoutSession) identity.Signals {
	var metadataUser *string
	if session.Metadata != nil {
		metadataUser = identity.Optional(session.Metadata["userId"])
	}
	return identity.Signals{
		BodyUserID: identity.FirstPresent(metadataUser, session.ClientReferenceID),
		Email:      session.CustomerEmail,
	}
}

func sessionHint(session *paymentdomain.CheckoutSession) paymentdomain.SubjectHint {
	signals := sessionSignals(session)
	return paymentdomain.SubjectHint{
		UserID:     signals.BodyUserID,
		Email:      session.CustomerEmail,
		CustomerID: session.CustomerID,
	}
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
