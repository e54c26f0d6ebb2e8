package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/curlara/internal/auth/credential"
	"github.com/smallbiznis/curlara/internal/authorization"
	entitlementdomain "github.com/smallbiznis/curlara/internal/entitlement/domain"
	obscontext "github.com/smallbiznis/curlara/internal/observability/context"
	paymentdomain "github.com/smallbiznis/curlara/internal/payment/domain"
	"gorm.io/gorm"
)

type errorResponse struct {
	Error     string `json:"error"`
	Hint      string `json:"hint,omitempty"`
	Status    string `json:"status,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrPayloadTooLarge    = errors.New("payload_too_large")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// ErrorHandlingMiddleware renders the last handler error as JSON. Nothing
// reaches the client as an HTML error page.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		payload.RequestID = obscontext.RequestIDFromContext(c.Request.Context())
		c.AbortWithStatusJSON(status, payload)
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorResponse) {
	var upstream *paymentdomain.UpstreamVerificationError
	var projection *entitlementdomain.ProjectionWriteError

	switch {
	case err == nil:
		return http.StatusInternalServerError, errorResponse{Error: "internal_error", Hint: "unexpected failure"}

	// Signature checks first: ErrSignatureMissing also matches ErrAuthenticity.
	case errors.Is(err, paymentdomain.ErrSignatureMissing):
		return http.StatusBadRequest, errorResponse{
			Error: "signature_missing",
			Hint:  "request has no Stripe-Signature header; is the endpoint called by the processor?",
		}
	case errors.Is(err, paymentdomain.ErrAuthenticity):
		return http.StatusBadRequest, errorResponse{
			Error: "signature_invalid",
			Hint:  "signature does not match; check STRIPE_WEBHOOK_SECRET belongs to this endpoint",
		}
	case errors.Is(err, paymentdomain.ErrMissingConfiguration):
		return http.StatusInternalServerError, errorResponse{
			Error: "missing_configuration",
			Hint:  missingSettingHint(err),
		}
	case errors.Is(err, paymentdomain.ErrSubjectUnresolved):
		return http.StatusAccepted, errorResponse{
			Error: "subject_unresolved",
			Hint:  "payment recorded for operator follow-up; no user matched its id or email",
		}
	case errors.As(err, &projection):
		return http.StatusInternalServerError, errorResponse{
			Error: "projection_write_failed",
			Hint:  "entitlement not stored in " + projection.Projection + "; the processor will retry",
		}
	case errors.As(err, &upstream):
		return http.StatusBadRequest, errorResponse{
			Error:  "payment_not_completed",
			Hint:   "processor reports the payment as " + upstream.Status,
			Status: upstream.Status,
		}
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, paymentdomain.ErrInvalidSession),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent),
		errors.Is(err, entitlementdomain.ErrInvalidSubject):
		return http.StatusBadRequest, errorResponse{Error: "invalid_request", Hint: err.Error()}
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge, errorResponse{Error: "payload_too_large", Hint: "request body exceeds 1 MiB"}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorResponse{Error: "rate_limited", Hint: "too many requests, retry later"}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, credential.ErrTokenMissing),
		errors.Is(err, credential.ErrTokenInvalid),
		errors.Is(err, credential.ErrSubjectMissing),
		errors.Is(err, credential.ErrSecretNotConfigured):
		return http.StatusUnauthorized, errorResponse{Error: "unauthorized"}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorResponse{Error: "forbidden"}
	case errors.Is(err, paymentdomain.ErrAlreadyResolved):
		return http.StatusConflict, errorResponse{Error: "already_resolved"}
	case isNotFoundError(err):
		return http.StatusNotFound, errorResponse{Error: "not_found"}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorResponse{Error: "service_unavailable"}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "internal_error", Hint: "unexpected failure"}
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, paymentdomain.ErrUnresolvedNotFound),
		errors.Is(err, paymentdomain.ErrSimulationDisabled),
		errors.Is(err, entitlementdomain.ErrSubjectNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func missingSettingHint(err error) string {
	var missing *paymentdomain.MissingConfigurationError
	if errors.As(err, &missing) && missing.Setting != "" {
		return missing.Setting + " is not configured"
	}
	return "a required processor credential is not configured"
}

// classifyErrorForLog feeds error_type and error_code on the request log line.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "server", payload.Error
	case status >= http.StatusBadRequest:
		return "client", payload.Error
	default:
		return "acknowledged", payload.Error
	}
}
