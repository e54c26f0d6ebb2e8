package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/curlara/internal/auth/credential"
	"github.com/smallbiznis/curlara/internal/auth/session"
	"github.com/smallbiznis/curlara/internal/authorization"
	"github.com/smallbiznis/curlara/internal/config"
	"github.com/smallbiznis/curlara/internal/entitlement"
	entitlementdomain "github.com/smallbiznis/curlara/internal/entitlement/domain"
	"github.com/smallbiznis/curlara/internal/gate"
	"github.com/smallbiznis/curlara/internal/identity"
	"github.com/smallbiznis/curlara/internal/observability"
	obsmiddleware "github.com/smallbiznis/curlara/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/curlara/internal/observability/metrics"
	obstracing "github.com/smallbiznis/curlara/internal/observability/tracing"
	"github.com/smallbiznis/curlara/internal/payment"
	paymentservice "github.com/smallbiznis/curlara/internal/payment/service"
	paymentwebhook "github.com/smallbiznis/curlara/internal/payment/webhook"
	"github.com/smallbiznis/curlara/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	session.Module,
	credential.Module,
	identity.Module,
	entitlement.Module,
	payment.Module,
	gate.Module,
	ratelimit.Module,
	authorization.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	sessions   *session.Manager
	verifier   identity.CredentialVerifier
	authzSvc   authorization.Service
	store      entitlementdomain.EntitlementStore
	paymentSvc *paymentservice.Service
	ingestor   *paymentwebhook.Service
	gate       *gate.Gate
	limiter    *ratelimit.PaymentLimiter
	obsMetrics *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	Sessions   *session.Manager
	Verifier   identity.CredentialVerifier `optional:"true"`
	AuthzSvc   authorization.Service
	Store      entitlementdomain.EntitlementStore
	PaymentSvc *paymentservice.Service
	Ingestor   *paymentwebhook.Service
	Gate       *gate.Gate
	Limiter    *ratelimit.PaymentLimiter `optional:"true"`
	ObsMetrics *obsmetrics.Metrics       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("http"),
		sessions:   p.Sessions,
		verifier:   p.Verifier,
		authzSvc:   p.AuthzSvc,
		store:      p.Store,
		paymentSvc: p.PaymentSvc,
		ingestor:   p.Ingestor,
		gate:       p.Gate,
		limiter:    p.Limiter,
		obsMetrics: p.ObsMetrics,
	}

	svc.registerWebhookRoutes()
	svc.registerPaymentRoutes()
	svc.registerAdminRoutes()
	svc.registerProtectedRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	hook := s.engine.Group("/api/stripe-webhook")

	hook.POST("", s.HandleStripeWebhook)
	hook.GET("", s.WebhookDiagnostics)
	hook.POST("/confirm", s.PaymentRateLimit(), s.ConfirmCheckout)
	if !s.cfg.IsProduction() {
		hook.POST("/test", s.SimulateDelivery)
	}
}

func (s *Server) registerPaymentRoutes() {
	api := s.engine.Group("/api")

	api.POST("/verify-payment", s.PaymentRateLimit(), s.VerifyPayment)
	api.POST("/stripe/create-payment-intent", s.PaymentRateLimit(), s.CreatePaymentIntent)
	api.POST("/stripe/create-checkout", s.PaymentRateLimit(), s.CreateCheckoutSession)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")
	admin.Use(s.OperatorRequired())

	admin.GET("/unresolved-payments",
		s.authorizeAction(authorization.ObjectUnresolvedPayment, authorization.ActionUnresolvedPaymentView),
		s.ListUnresolvedPayments,
	)
	admin.POST("/unresolved-payments/:id/resolve",
		s.authorizeAction(authorization.ObjectUnresolvedPayment, authorization.ActionUnresolvedPaymentResolve),
		s.ResolveUnresolvedPayment,
	)
}

func (s *Server) registerProtectedRoutes() {
	protected := s.engine.Group("/dashboard")
	protected.Use(gate.Middleware(s.gate, s.sessions))

	protected.Any("", s.Dashboard)
	protected.Any("/*path", s.Dashboard)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
	s.engine.NoMethod(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
