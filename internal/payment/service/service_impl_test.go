package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/curlara/internal/clock"
	"github.com/smallbiznis/curlara/internal/config"
	entitlementdomain "github.com/smallbiznis/curlara/internal/entitlement/domain"
	entitlementrepo "github.com/smallbiznis/curlara/internal/entitlement/repository"
	entitlementservice "github.com/smallbiznis/curlara/internal/entitlement/service"
	"github.com/smallbiznis/curlara/internal/identity"
	paymentdomain "github.com/smallbiznis/curlara/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/curlara/internal/payment/repository"
	paymentservice "github.com/smallbiznis/curlara/internal/payment/service"
	"github.com/smallbiznis/curlara/internal/testutil"
	"github.com/smallbiznis/curlara/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var start = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	db        *gorm.DB
	clock     *clock.FakeClock
	processor *testutil.FakeProcessor
	svc       *paymentservice.Service
}

func newHarness(t *testing.T, environment string) *harness {
	t.Helper()

	db := testutil.NewDB(t)
	clk := clock.NewFakeClock(start)
	processor := testutil.NewFakeProcessor()
	cfg := config.Config{
		Environment: environment,
		Stripe:      config.StripeConfig{WebhookSecret: "whsec_test", SecretKey: "sk_test"},
		Payment:     config.PaymentConfig{Amount: 2499, Currency: "brl", Description: "analysis"},
		Entitlement: config.EntitlementConfig{PeriodDays: 30},
	}
	resolver := identity.NewResolver(identity.Params{
		DB:   db,
		Log:  zap.NewNop(),
		Repo: identity.ProvideRepository(),
	})
	store := entitlementservice.NewService(entitlementservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Cfg:   cfg,
		Clock: clk,
		Repo:  entitlementrepo.Provide(),
	})
	svc := paymentservice.NewService(paymentservice.Params{
		DB:        db,
		Log:       zap.NewNop(),
		Cfg:       cfg,
		GenID:     testutil.NewNode(t),
		Clock:     clk,
		Repo:      paymentrepo.Provide(),
		Processor: processor,
		Resolver:  resolver,
		Store:     store,
	})
	return &harness{db: db, clock: clk, processor: processor, svc: svc}
}

func strPtr(v string) *string { return &v }

func countUnresolved(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM unresolved_payments`).Scan(&count).Error)
	return count
}

func TestConfirmUnpaidSessionWritesNothing(t *testing.T) {
	h := newHarness(t, config.EnvDevelopment)
	testutil.SeedSubject(t, h.db, "u1", "u1@example.com")
	h.processor.AddSession(paymentdomain.CheckoutSession{
		ID:                "cs_unpaid",
		Status:            "open",
		PaymentStatus:     "unpaid",
		ClientReferenceID: strPtr("u1"),
	})

	_, err := h.svc.Confirm(context.Background(), "cs_unpaid")

	var upstream *paymentdomain.UpstreamVerificationError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, "unpaid", upstream.Status)

	state := testutil.LoadProjections(t, h.db, "u1")
	assert.False(t, state.ProfilePaid)
	assert.False(t, state.AccessPaid)
	assert.Nil(t, state.Expiry)
}

func TestConfirmPaidSession(t *testing.T) {
	h := newHarness(t, config.EnvDevelopment)
	testutil.SeedSubject(t, h.db, "u1", "u1@example.com")
	h.processor.AddSession(paymentdomain.CheckoutSession{
		ID:                "cs_paid",
		Status:            "complete",
		PaymentStatus:     "paid",
		ClientReferenceID: strPtr("u1"),
		CustomerID:        strPtr("cus_1"),
	})

	result, err := h.svc.Confirm(context.Background(), "cs_paid")
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "u1", result.UserID)
	require.NotNil(t, result.SubscriptionEndDate)
	assert.WithinDuration(t, start.Add(30*24*time.Hour), *result.SubscriptionEndDate, time.Second)

	state := testutil.LoadProjections(t, h.db, "u1")
	assert.True(t, state.ProfilePaid)
	assert.True(t, state.AccessPaid)
}

func TestConfirmMetadataBeatsClientReference(t *testing.T) {
	h := newHarness(t, config.EnvDevelopment)
	testutil.SeedSubject(t, h.db, "u1", "")
	testutil.SeedSubject(t, h.db, "u2", "")
	h.processor.AddSession(paymentdomain.CheckoutSession{
		ID:                "cs_paid",
		PaymentStatus:     "paid",
		ClientReferenceID: strPtr("u2"),
		Metadata:          map[string]string{"userId": "u1"},
	})

	result, err := h.svc.Confirm(context.Background(), "cs_paid")
	require.NoError(t, err)
	assert.Equal(t, "u1", result.UserID)
	assert.False(t, testutil.LoadProjections(t, h.db, "u2").AccessPaid)
}

func TestConfirmUnresolvedSubject(t *testing.T) {
	h := newHarness(t, config.EnvDevelopment)
	h.processor.AddSession(paymentdomain.CheckoutSession{
		ID:                "cs_ghost",
		PaymentStatus:     "paid",
		ClientReferenceID: strPtr("unknown"),
		CustomerEmail:     strPtr("ghost@example.com"),
	})

	_, err := h.svc.Confirm(context.Background(), "cs_ghost")
	assert.ErrorIs(t, err, paymentdomain.ErrSubjectUnresolved)
	assert.Equal(t, int64(1), countUnresolved(t, h.db))
}

func TestConfirmLookupFailure(t *testing.T) {
	h := newHarness(t, config.EnvDevelopment)

	_, err := h.svc.Confirm(context.Background(), "")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSession)

	h.processor.Err = errors.New("boom")
	_, err = h.svc.Confirm(context.Background(), "cs_1")
	var upstream *paymentdomain.UpstreamVerificationError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, "lookup_failed", upstream.Status)

	h.processor.Err = &paymentdomain.MissingConfigurationError{Setting: "STRIPE_SECRET_KEY"}
	_, err = h.svc.Confirm(context.Background(), "cs_1")
	assert.ErrorIs(t, err, paymentdomain.ErrMissingConfiguration)
}

func TestVerifyPayment(t *testing.T) {
	h := newHarness(t, config.EnvDevelopment)
	testutil.SeedSubject(t, h.db, "u2", "a@b.com")
	h.processor.AddSession(paymentdomain.CheckoutSession{
		ID:            "cs_open",
		PaymentStatus: "unpaid",
		CustomerEmail: strPtr("a@b.com"),
	})
	h.processor.AddSession(paymentdomain.CheckoutSession{
		ID:            "cs_paid",
		PaymentStatus: "paid",
		CustomerEmail: strPtr("a@b.com"),
	})

	result, err := h.svc.VerifyPayment(context.Background(), "cs_open")
	require.NoError(t, err)
	assert.False(t, result.Paid)
	assert.Equal(t, "unpaid", result.Status)
	assert.False(t, testutil.LoadProjections(t, h.db, "u2").AccessPaid)

	result, err = h.svc.VerifyPayment(context.Background(), "cs_paid")
	require.NoError(t, err)
	assert.True(t, result.Paid)
	require.NotNil(t, result.UserID)
	assert.Equal(t, "u2", *result.UserID)
	assert.True(t, testutil.LoadProjections(t, h.db, "u2").AccessPaid)
}

func TestCreatePaymentIntent(t *testing.T) {
	h := newHarness(t, config.EnvDevelopment)

	result, err := h.svc.CreatePaymentIntent(context.Background(), paymentservice.CreateIntentRequest{
		Signals: identity.Signals{BodyUserID: strPtr("u1")},
		Email:   strPtr(" Buyer@Example.com "),
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", result.UserID)
	assert.Nil(t, result.Warning)
	assert.Equal(t, "pi_fake_secret", result.ClientSecret)

	require.Len(t, h.processor.Intents, 1)
	req := h.processor.Intents[0]
	assert.Equal(t, int64(2499), req.Amount)
	assert.Equal(t, "brl", req.Currency)
	assert.Equal(t, "u1", req.Metadata["userId"])
	assert.Equal(t, "buyer@example.com", req.Metadata["userEmail"])
	require.NotNil(t, req.ReceiptEmail)
	assert.Equal(t, "buyer@example.com", *req.ReceiptEmail)
}

func TestCreatePaymentIntentWithoutSubject(t *testing.T) {
	h := newHarness(t, config.EnvDevelopment)
	testutil.SeedSubject(t, h.db, "u9", "known@example.com")

	result, err := h.svc.CreatePaymentIntent(context.Background(), paymentservice.CreateIntentRequest{
		Signals: identity.Signals{Email: strPtr("known@example.com")},
		Email:   strPtr("known@example.com"),
	})
	require.NoError(t, err)

	assert.Equal(t, identity.Sentinel, result.UserID)
	require.NotNil(t, result.Warning)
	assert.Equal(t, "user_not_identified", *result.Warning)
	assert.Equal(t, identity.Sentinel, h.processor.Intents[0].Metadata["userId"])
}

func TestCreateCheckoutSession(t *testing.T) {
	h := newHarness(t, config.EnvDevelopment)

	result, err := h.svc.CreateCheckoutSession(context.Background(), paymentservice.CreateCheckoutRequest{
		Signals: identity.Signals{BodyUserID: strPtr("u1")},
		Email:   strPtr("Buyer@Example.com"),
		Origin:  "https://app.example.com/",
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", result.UserID)
	assert.Equal(t, "cs_fake", result.SessionID)
	assert.Equal(t, "cs_fake_secret", result.ClientSecret)
	assert.Nil(t, result.Warning)

	require.Len(t, h.processor.Checkout, 1)
	req := h.processor.Checkout[0]
	assert.Empty(t, req.PriceID)
	assert.Equal(t, int64(2499), req.Amount)
	assert.Equal(t, "u1", req.Metadata["userId"])
	assert.Equal(t, "buyer@example.com", req.Metadata["userEmail"])
	require.NotNil(t, req.ClientReferenceID)
	assert.Equal(t, "u1", *req.ClientReferenceID)
	require.NotNil(t, req.CustomerEmail)
	assert.Equal(t, "buyer@example.com", *req.CustomerEmail)
	assert.Equal(t, "https://app.example.com/analysis?success=true&session_id={CHECKOUT_SESSION_ID}", req.ReturnURL)
}

func TestCreateCheckoutSessionAnonymous(t *testing.T) {
	h := newHarness(t, config.EnvDevelopment)

	result, err := h.svc.CreateCheckoutSession(context.Background(), paymentservice.CreateCheckoutRequest{
		PriceID: " price_123 ",
	})
	require.NoError(t, err)
	assert.Equal(t, identity.Sentinel, result.UserID)
	require.NotNil(t, result.Warning)
	assert.Equal(t, "user_not_identified", *result.Warning)

	req := h.processor.Checkout[0]
	assert.Equal(t, "price_123", req.PriceID)
	assert.Nil(t, req.ClientReferenceID)
	assert.Nil(t, req.CustomerEmail)
	assert.Equal(t, identity.Sentinel, req.Metadata["userId"])
	assert.Equal(t, "http://localhost:3000/analysis?success=true&session_id={CHECKOUT_SESSION_ID}", req.ReturnURL)
}

func TestSimulate(t *testing.T) {
	h := newHarness(t, config.EnvDevelopment)
	testutil.SeedSubject(t, h.db, "u1", "")

	result, err := h.svc.Simulate(context.Background(), "u1", nil)
	require.NoError(t, err)
	assert.Contains(t, result.EventID, "evt_test_")
	assert.True(t, result.Write.Entitled())

	var outcome string
	require.NoError(t, h.db.Raw(`SELECT outcome FROM payment_events WHERE provider = ?`, paymentservice.ProviderSimulation).Scan(&outcome).Error)
	assert.Equal(t, paymentdomain.OutcomeApplied, outcome)

	_, err = h.svc.Simulate(context.Background(), "unknown", nil)
	assert.ErrorIs(t, err, entitlementdomain.ErrInvalidSubject)
}

func TestSimulateDisabledInProduction(t *testing.T) {
	h := newHarness(t, config.EnvProduction)
	testutil.SeedSubject(t, h.db, "u1", "")

	_, err := h.svc.Simulate(context.Background(), "u1", nil)
	assert.ErrorIs(t, err, paymentdomain.ErrSimulationDisabled)
	assert.False(t, testutil.LoadProjections(t, h.db, "u1").AccessPaid)
}

func TestDiagnostics(t *testing.T) {
	h := newHarness(t, config.EnvDevelopment)
	diag := h.svc.Diagnostics()
	assert.True(t, diag.WebhookSecretConfigured)
	assert.True(t, diag.APIKeyConfigured)
	assert.Equal(t, config.EnvDevelopment, diag.Environment)
}

func TestUnresolvedQueue(t *testing.T) {
	h := newHarness(t, config.EnvDevelopment)
	ctx := context.Background()

	for _, id := range []string{"evt_a", "evt_b", "evt_c"} {
		h.svc.RecordUnresolved(ctx, paymentservice.UnresolvedInput{
			ProviderEventID: id,
			Source:          paymentdomain.SourceWebhook,
			Reason:          paymentdomain.OutcomeSubjectUnresolved,
			EventType:       "payment_intent.succeeded",
			Hint:            paymentdomain.SubjectHint{Email: strPtr("late@example.com"), CustomerID: strPtr("cus_9")},
		})
	}
	h.svc.RecordUnresolved(ctx, paymentservice.UnresolvedInput{
		ProviderEventID: "evt_a",
		Source:          paymentdomain.SourceWebhook,
		Reason:          paymentdomain.OutcomeSubjectUnresolved,
		EventType:       "payment_intent.succeeded",
	})
	assert.Equal(t, int64(3), countUnresolved(t, h.db))

	first, err := h.svc.ListUnresolved(ctx, paymentdomain.ListUnresolvedRequest{Page: pagination.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.True(t, first.PageInfo.HasMore)
	assert.Equal(t, "evt_c", first.Items[0].ProviderEventID)

	second, err := h.svc.ListUnresolved(ctx, paymentdomain.ListUnresolvedRequest{
		Page: pagination.Pagination{PageSize: 2, PageToken: first.PageInfo.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.False(t, second.PageInfo.HasMore)
	assert.Equal(t, "evt_a", second.Items[0].ProviderEventID)

	testutil.SeedSubject(t, h.db, "u7", "late@example.com")
	target := first.Items[0].ID
	resolved, err := h.svc.ResolveUnresolved(ctx, target, paymentservice.ResolveRequest{SubjectID: "u7", ResolvedBy: "ops@example.com"})
	require.NoError(t, err)
	assert.True(t, resolved.Write.Entitled())
	require.NotNil(t, resolved.Payment.ResolvedSubjectID)
	assert.Equal(t, "u7", *resolved.Payment.ResolvedSubjectID)

	var customer string
	require.NoError(t, h.db.Raw(`SELECT stripe_customer_id FROM user_profiles WHERE id = 'u7'`).Scan(&customer).Error)
	assert.Equal(t, "cus_9", customer)

	_, err = h.svc.ResolveUnresolved(ctx, target, paymentservice.ResolveRequest{SubjectID: "u7"})
	assert.ErrorIs(t, err, paymentdomain.ErrAlreadyResolved)

	_, err = h.svc.ResolveUnresolved(ctx, 42, paymentservice.ResolveRequest{SubjectID: "u7"})
	assert.ErrorIs(t, err, paymentdomain.ErrUnresolvedNotFound)

	_, err = h.svc.ResolveUnresolved(ctx, target, paymentservice.ResolveRequest{SubjectID: "unknown"})
	assert.ErrorIs(t, err, entitlementdomain.ErrInvalidSubject)

	open, err := h.svc.ListUnresolved(ctx, paymentdomain.ListUnresolvedRequest{})
	require.NoError(t, err)
	assert.Len(t, open.Items, 2)

	all, err := h.svc.ListUnresolved(ctx, paymentdomain.ListUnresolvedRequest{IncludeResolved: true})
	require.NoError(t, err)
	assert.Len(t, all.Items, 3)
}

func TestResolveUnresolvedUnknownTargetStaysOpen(t *testing.T) {
	h := newHarness(t, config.EnvDevelopment)
	ctx := context.Background()

	h.svc.RecordUnresolved(ctx, paymentservice.UnresolvedInput{
		ProviderEventID: "evt_orphan",
		Source:          paymentdomain.SourceWebhook,
		Reason:          paymentdomain.OutcomeSubjectUnresolved,
		EventType:       "charge.succeeded",
	})
	listed, err := h.svc.ListUnresolved(ctx, paymentdomain.ListUnresolvedRequest{})
	require.NoError(t, err)
	require.Len(t, listed.Items, 1)
	target := listed.Items[0].ID

	_, err = h.svc.ResolveUnresolved(ctx, target, paymentservice.ResolveRequest{SubjectID: "typo-user"})
	assert.ErrorIs(t, err, entitlementdomain.ErrSubjectNotFound)

	open, err := h.svc.ListUnresolved(ctx, paymentdomain.ListUnresolvedRequest{})
	require.NoError(t, err)
	require.Len(t, open.Items, 1)
	assert.Nil(t, open.Items[0].ResolvedAt)

	testutil.SeedSubject(t, h.db, "u8", "")
	resolved, err := h.svc.ResolveUnresolved(ctx, target, paymentservice.ResolveRequest{SubjectID: "u8"})
	require.NoError(t, err)
	assert.True(t, resolved.Write.Entitled())
}

func TestPaidSessionWithoutAccessRowIsQueued(t *testing.T) {
	tests := []struct {
		name   string
		source string
		run    func(h *harness) error
	}{
		{
			name:   "confirm",
			source: paymentdomain.SourceConfirm,
			run: func(h *harness) error {
				result, err := h.svc.Confirm(context.Background(), "cs_ghost")
				if err == nil {
					assert.False(t, result.Success)
				}
				return err
			},
		},
		{
			name:   "verify",
			source: paymentdomain.SourceVerify,
			run: func(h *harness) error {
				result, err := h.svc.VerifyPayment(context.Background(), "cs_ghost")
				if err == nil {
					assert.True(t, result.Paid)
				}
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, config.EnvDevelopment)
			h.processor.AddSession(paymentdomain.CheckoutSession{
				ID:            "cs_ghost",
				PaymentStatus: "paid",
				Metadata:      map[string]string{"userId": "ghost"},
			})

			require.NoError(t, tt.run(h))
			require.NoError(t, tt.run(h))

			var rows []struct {
				Source          string
				Reason          string
				ProviderEventID string
			}
			require.NoError(t, h.db.Raw(`SELECT source, reason, provider_event_id FROM unresolved_payments`).Scan(&rows).Error)
			require.Len(t, rows, 1)
			assert.Equal(t, tt.source, rows[0].Source)
			assert.Equal(t, paymentdomain.OutcomeAccessUnmatched, rows[0].Reason)
			assert.Equal(t, "cs_ghost", rows[0].ProviderEventID)
		})
	}
}
