package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/curlara/internal/auth/credential"
	"github.com/smallbiznis/curlara/internal/auth/session"
	"github.com/smallbiznis/curlara/internal/authorization"
	"github.com/smallbiznis/curlara/internal/clock"
	"github.com/smallbiznis/curlara/internal/config"
	entitlementrepo "github.com/smallbiznis/curlara/internal/entitlement/repository"
	entitlementservice "github.com/smallbiznis/curlara/internal/entitlement/service"
	"github.com/smallbiznis/curlara/internal/gate"
	"github.com/smallbiznis/curlara/internal/identity"
	obslogger "github.com/smallbiznis/curlara/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/curlara/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/curlara/internal/payment/repository"
	paymentservice "github.com/smallbiznis/curlara/internal/payment/service"
	paymentwebhook "github.com/smallbiznis/curlara/internal/payment/webhook"
	"github.com/smallbiznis/curlara/internal/ratelimit"
	"github.com/smallbiznis/curlara/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testWebhookSecret = "whsec_test"
	testJWTSecret     = "jwt-test-secret"
)

type testEnv struct {
	db        *gorm.DB
	processor *testutil.FakeProcessor
	router    *gin.Engine
}

type envOption func(*config.Config, *config.AccessPolicy)

func withEnvironment(env string) envOption {
	return func(cfg *config.Config, _ *config.AccessPolicy) { cfg.Environment = env }
}

func withWebhookSecret(secret string) envOption {
	return func(cfg *config.Config, _ *config.AccessPolicy) { cfg.Stripe.WebhookSecret = secret }
}

func newTestEnv(t *testing.T, limiter *ratelimit.PaymentLimiter, opts ...envOption) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		Environment:   config.EnvDevelopment,
		AuthJWTSecret: testJWTSecret,
		Stripe:        config.StripeConfig{WebhookSecret: testWebhookSecret, SecretKey: "sk_test"},
		Payment:       config.PaymentConfig{Amount: 2499, Currency: "brl"},
		Entitlement:   config.EntitlementConfig{PeriodDays: 30},
	}
	policy := config.DefaultAccessPolicy()
	for _, opt := range opts {
		opt(&cfg, &policy)
	}

	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Now().UTC().Truncate(time.Second))
	log := zap.NewNop()
	processor := testutil.NewFakeProcessor()

	verifier, err := credential.NewVerifier(credential.Params{Cfg: cfg, Log: log})
	require.NoError(t, err)
	enforcer, err := authorization.NewEnforcer(db)
	require.NoError(t, err)

	resolver := identity.NewResolver(identity.Params{DB: db, Log: log, Repo: identity.ProvideRepository(), Verifier: verifier})
	store := entitlementservice.NewService(entitlementservice.Params{DB: db, Log: log, Cfg: cfg, Clock: clk, Repo: entitlementrepo.Provide()})
	repo := paymentrepo.Provide()
	paymentSvc := paymentservice.NewService(paymentservice.Params{
		DB: db, Log: log, Cfg: cfg, GenID: node, Clock: clk, Repo: repo,
		Processor: processor, Resolver: resolver, Store: store,
	})
	ingestor := paymentwebhook.NewService(paymentwebhook.Params{
		DB: db, Log: log, Cfg: cfg, GenID: node, Clock: clk, Repo: repo,
		Resolver: resolver, Store: store, PaymentSvc: paymentSvc,
	})
	holder := config.NewStaticAccessPolicyHolder(policy)

	router := gin.New()
	router.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{ErrorClassifier: classifyErrorForLog}))
	router.Use(ErrorHandlingMiddleware())

	NewServer(ServerParams{
		Gin:        router,
		Cfg:        cfg,
		Log:        log,
		Sessions:   session.NewManager(holder),
		Verifier:   verifier,
		AuthzSvc:   authorization.NewService(authorization.Params{Log: log, Enforcer: enforcer}),
		Store:      store,
		PaymentSvc: paymentSvc,
		Ingestor:   ingestor,
		Gate:       gate.New(gate.Params{Log: log, Policy: holder, Store: store, Verifier: verifier}),
		Limiter:    limiter,
	})

	return &testEnv{db: db, processor: processor, router: router}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func signJWT(t *testing.T, subject, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, credential.Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func webhookRequest(t *testing.T, secret, id, eventType string, object map[string]any) *http.Request {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":     id,
		"object": "event",
		"type":   eventType,
		"data":   map[string]any{"object": object},
	})
	require.NoError(t, err)
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/stripe-webhook", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func TestWebhookAppliesEntitlement(t *testing.T) {
	env := newTestEnv(t, nil)
	testutil.SeedSubject(t, env.db, "u1", "u1@example.com")

	rec := env.do(webhookRequest(t, testWebhookSecret, "evt_1", "payment_intent.succeeded", map[string]any{
		"id":       "pi_1",
		"metadata": map[string]any{"userId": "u1"},
	}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, "evt_1", body["eventId"])
	assert.Equal(t, "payment_intent.succeeded", body["eventType"])
	assert.Equal(t, paymentdomain.OutcomeApplied, body["outcome"])
	assert.NotEmpty(t, body["requestId"])

	state := testutil.LoadProjections(t, env.db, "u1")
	assert.True(t, state.AccessPaid)
	assert.True(t, state.ProfilePaid)
}

func TestWebhookSignatureErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(webhookRequest(t, "whsec_wrong", "evt_1", "charge.succeeded", map[string]any{"id": "ch_1"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "signature_invalid", decode(t, rec)["error"])

	req := httptest.NewRequest(http.MethodPost, "/api/stripe-webhook", bytes.NewBufferString(`{"id":"evt_1"}`))
	rec = env.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "signature_missing", body["error"])
	assert.NotEmpty(t, body["hint"])
}

func TestWebhookMissingSecret(t *testing.T) {
	env := newTestEnv(t, nil, withWebhookSecret(""))

	rec := env.do(webhookRequest(t, testWebhookSecret, "evt_1", "charge.succeeded", map[string]any{"id": "ch_1"}))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "missing_configuration", decode(t, rec)["error"])
}

func TestWebhookUnresolvedIsAcknowledged(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(webhookRequest(t, testWebhookSecret, "evt_9", "payment_intent.succeeded", map[string]any{
		"id":            "pi_9",
		"metadata":      map[string]any{"userId": "unknown"},
		"receipt_email": "nobody@example.com",
	}))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, "subject_unresolved", body["error"])
}

func TestWebhookDiagnostics(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/stripe-webhook", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	diagnostics := decode(t, rec)["diagnostics"].(map[string]any)
	assert.Equal(t, true, diagnostics["webhookSecretConfigured"])
	assert.NotContains(t, rec.Body.String(), testWebhookSecret)
}

func TestConfirmUnpaidSession(t *testing.T) {
	env := newTestEnv(t, nil)
	testutil.SeedSubject(t, env.db, "u1", "")
	ref := "u1"
	env.processor.AddSession(paymentdomain.CheckoutSession{ID: "cs_1", PaymentStatus: "unpaid", ClientReferenceID: &ref})

	rec := env.do(jsonRequest(http.MethodPost, "/api/stripe-webhook/confirm", `{"session_id":"cs_1"}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "payment_not_completed", body["error"])
	assert.Equal(t, "unpaid", body["status"])
	assert.False(t, testutil.LoadProjections(t, env.db, "u1").AccessPaid)
}

func TestConfirmPaidSession(t *testing.T) {
	env := newTestEnv(t, nil)
	testutil.SeedSubject(t, env.db, "u1", "")
	ref := "u1"
	env.processor.AddSession(paymentdomain.CheckoutSession{ID: "cs_2", PaymentStatus: "paid", ClientReferenceID: &ref})

	rec := env.do(jsonRequest(http.MethodPost, "/api/stripe-webhook/confirm", `{"session_id":"cs_2"}`))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "u1", body["userId"])
	assert.NotEmpty(t, body["subscriptionEndDate"])
}

func TestConfirmRejectsEmptyBody(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(jsonRequest(http.MethodPost, "/api/stripe-webhook/confirm", `{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decode(t, rec)["error"])
}

func TestVerifyPaymentHandler(t *testing.T) {
	env := newTestEnv(t, nil)
	testutil.SeedSubject(t, env.db, "u2", "a@b.com")
	email := "a@b.com"
	env.processor.AddSession(paymentdomain.CheckoutSession{ID: "cs_3", PaymentStatus: "paid", CustomerEmail: &email})

	rec := env.do(jsonRequest(http.MethodPost, "/api/verify-payment", `{"sessionId":"cs_3"}`))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, true, body["paid"])
	assert.Equal(t, "a@b.com", body["customerEmail"])
	assert.True(t, testutil.LoadProjections(t, env.db, "u2").AccessPaid)
}

func TestCreatePaymentIntentUsesBearer(t *testing.T) {
	env := newTestEnv(t, nil)

	req := jsonRequest(http.MethodPost, "/api/stripe/create-payment-intent", `{"email":"x@y.com"}`)
	req.Header.Set("Authorization", "Bearer "+signJWT(t, "u5", ""))
	rec := env.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "u5", body["userId"])
	assert.Nil(t, body["warning"])
	assert.Equal(t, "u5", env.processor.Intents[0].Metadata["userId"])
}

func TestCreatePaymentIntentAnonymous(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/create-payment-intent", nil)
	rec := env.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, identity.Sentinel, body["userId"])
	assert.Equal(t, "user_not_identified", body["warning"])
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	env := newTestEnv(t, nil)

	body := bytes.Repeat([]byte("a"), maxWebhookBody+1)
	req := httptest.NewRequest(http.MethodPost, "/api/stripe-webhook", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := env.do(req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "payload_too_large", decode(t, rec)["error"])

	var count int64
	require.NoError(t, env.db.Raw(`SELECT COUNT(*) FROM payment_events`).Scan(&count).Error)
	assert.Zero(t, count)
}

func TestCreateCheckoutSessionUsesBearer(t *testing.T) {
	env := newTestEnv(t, nil)

	req := jsonRequest(http.MethodPost, "/api/stripe/create-checkout", `{"priceId":"price_123"}`)
	req.Header.Set("Authorization", "Bearer "+signJWT(t, "u6", ""))
	req.Header.Set("Origin", "https://curlara.example.com")
	rec := env.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "u6", body["userId"])
	assert.Equal(t, "cs_fake", body["sessionId"])
	assert.Equal(t, "cs_fake_secret", body["clientSecret"])

	require.Len(t, env.processor.Checkout, 1)
	sent := env.processor.Checkout[0]
	assert.Equal(t, "price_123", sent.PriceID)
	assert.Equal(t, "u6", sent.Metadata["userId"])
	assert.Equal(t, "https://curlara.example.com/analysis?success=true&session_id={CHECKOUT_SESSION_ID}", sent.ReturnURL)
}

func TestCreateCheckoutSessionRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(jsonRequest(http.MethodPost, "/api/stripe/create-checkout", `{"priceId":`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decode(t, rec)["error"])
	assert.Empty(t, env.processor.Checkout)
}

func TestSimulateOnlyOutsideProduction(t *testing.T) {
	env := newTestEnv(t, nil)
	testutil.SeedSubject(t, env.db, "u1", "")

	rec := env.do(jsonRequest(http.MethodPost, "/api/stripe-webhook/test", `{"userId":"u1"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["success"])

	prod := newTestEnv(t, nil, withEnvironment(config.EnvProduction))
	rec = prod.do(jsonRequest(http.MethodPost, "/api/stripe-webhook/test", `{"userId":"u1"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode(t, rec)["error"])
}

func TestUnknownRouteIsJSON(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode(t, rec)["error"])
}

func TestDashboardGate(t *testing.T) {
	env := newTestEnv(t, nil)
	testutil.SeedSubject(t, env.db, "paid", "")
	testutil.SeedSubject(t, env.db, "free", "")
	require.NoError(t, env.db.Exec(`UPDATE users SET has_paid = 1 WHERE id = 'paid'`).Error)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	assert.Equal(t, http.StatusFound, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/dashboard/analysis", nil)
	req.AddCookie(&http.Cookie{Name: "sb-access-token", Value: signJWT(t, "free", "")})
	rec = env.do(req)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	req = httptest.NewRequest(http.MethodGet, "/dashboard/analysis", nil)
	req.AddCookie(&http.Cookie{Name: "sb-access-token", Value: signJWT(t, "paid", "")})
	rec = env.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, string(gate.StateVerifiedEntitled), body["gateState"])
	assert.Equal(t, "paid", body["userId"])

	req = httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: "authToken", Value: "local"})
	rec = env.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(gate.StateLocallyAuthenticated), decode(t, rec)["gateState"])
}

func TestOperatorUnresolvedFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	testutil.SeedSubject(t, env.db, "u7", "late@example.com")

	rec := env.do(webhookRequest(t, testWebhookSecret, "evt_u", "charge.succeeded", map[string]any{
		"id":              "ch_1",
		"billing_details": map[string]any{"email": "other@example.com"},
	}))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/admin/unresolved-payments", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	list := httptest.NewRequest(http.MethodGet, "/admin/unresolved-payments", nil)
	list.Header.Set("Authorization", "Bearer "+signJWT(t, "cust", "customer"))
	rec = env.do(list)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	operator := "Bearer " + signJWT(t, "op-1", "operator")
	list = httptest.NewRequest(http.MethodGet, "/admin/unresolved-payments?page_size=10", nil)
	list.Header.Set("Authorization", operator)
	rec = env.do(list)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var listed struct {
		Items []struct {
			ID              string `json:"id"`
			ProviderEventID string `json:"provider_event_id"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Items, 1)
	assert.Equal(t, "evt_u", listed.Items[0].ProviderEventID)

	resolve := jsonRequest(http.MethodPost, "/admin/unresolved-payments/"+listed.Items[0].ID+"/resolve", `{"userId":"typo-user"}`)
	resolve.Header.Set("Authorization", operator)
	rec = env.do(resolve)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	resolve = jsonRequest(http.MethodPost, "/admin/unresolved-payments/"+listed.Items[0].ID+"/resolve", `{"userId":"u7"}`)
	resolve.Header.Set("Authorization", operator)
	rec = env.do(resolve)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["success"])
	assert.True(t, testutil.LoadProjections(t, env.db, "u7").AccessPaid)

	resolve = jsonRequest(http.MethodPost, "/admin/unresolved-payments/"+listed.Items[0].ID+"/resolve", `{"userId":"u7"}`)
	resolve.Header.Set("Authorization", operator)
	rec = env.do(resolve)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

type stubBucket struct {
	result *ratelimit.RateLimitResult
	err    error
}

func (b stubBucket) Allow(context.Context, string, float64, int) (*ratelimit.RateLimitResult, error) {
	return b.result, b.err
}

func TestPaymentRateLimit(t *testing.T) {
	denied := ratelimit.NewPaymentLimiterWithBucket(stubBucket{result: &ratelimit.RateLimitResult{RetryAfter: 1500 * time.Millisecond}}, 1, 1)
	env := newTestEnv(t, denied)

	rec := env.do(jsonRequest(http.MethodPost, "/api/verify-payment", `{"sessionId":"cs_1"}`))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decode(t, rec)["error"])
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	rec = env.do(webhookRequest(t, testWebhookSecret, "evt_rl", "customer.updated", map[string]any{"id": "cus_1"}))
	assert.Equal(t, http.StatusOK, rec.Code)

	failing := ratelimit.NewPaymentLimiterWithBucket(stubBucket{err: errors.New("redis down")}, 1, 1)
	env = newTestEnv(t, failing)
	rec = env.do(jsonRequest(http.MethodPost, "/api/verify-payment", `{"sessionId":"missing"}`))
	assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
}
