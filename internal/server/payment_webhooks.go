package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/curlara/internal/identity"
	obscontext "github.com/smallbiznis/curlara/internal/observability/context"
	"github.com/smallbiznis/curlara/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/curlara/internal/payment/domain"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

type webhookResponse struct {
	Received  bool   `json:"received"`
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
	Outcome   string `json:"outcome,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Error     string `json:"error,omitempty"`
	Hint      string `json:"hint,omitempty"`
}

// HandleStripeWebhook verifies the raw body before anything parses it.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, ErrPayloadTooLarge)
			return
		}
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.ingestor.Ingest(c.Request.Context(), payload, c.GetHeader(stripe.SignatureHeader))
	requestID := obscontext.RequestIDFromContext(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, webhookResponse{
			Received:  true,
			EventID:   result.EventID,
			EventType: result.EventType,
			Outcome:   result.Outcome,
			RequestID: requestID,
		})
	case errors.Is(err, paymentdomain.ErrSubjectUnresolved) && result != nil:
		_ = c.Error(err)
		status, body := mapError(err)
		c.JSON(status, webhookResponse{
			Received:  true,
			EventID:   result.EventID,
			EventType: result.EventType,
			Outcome:   result.Outcome,
			RequestID: requestID,
			Error:     body.Error,
			Hint:      body.Hint,
		})
	default:
		AbortWithError(c, err)
	}
}

func (s *Server) WebhookDiagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"diagnostics": s.paymentSvc.Diagnostics(),
	})
}

type confirmRequest struct {
	SessionID string `json:"session_id"`
	// camelCase accepted from older clients
	SessionIDAlt string `json:"sessionId"`
}

func (r confirmRequest) sessionID() string {
	if id := strings.TrimSpace(r.SessionID); id != "" {
		return id
	}
	return strings.TrimSpace(r.SessionIDAlt)
}

func (s *Server) ConfirmCheckout(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.sessionID() == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.paymentSvc.Confirm(c.Request.Context(), req.sessionID())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type simulateRequest struct {
	UserID string  `json:"userId"`
	Email  *string `json:"email"`
}

func (s *Server) SimulateDelivery(c *gin.Context) {
	var req simulateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if _, ok := identity.NormalizeID(&req.UserID); !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.paymentSvc.Simulate(c.Request.Context(), req.UserID, identity.OptionalEmail(derefString(req.Email)))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.log.Warn("simulated payment applied", zap.String("user_id", req.UserID), zap.String("event_id", result.EventID))
	c.JSON(http.StatusOK, gin.H{
		"success":         result.Write.Entitled(),
		"eventId":         result.EventID,
		"userId":          result.Write.SubjectID,
		"profileUpdated":  result.Write.Profile.Updated,
		"accessUpdated":   result.Write.Access.Updated,
		"subscriptionEnd": result.Write.Expiry,
	})
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
