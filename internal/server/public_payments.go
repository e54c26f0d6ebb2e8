package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/curlara/internal/identity"
	paymentservice "github.com/smallbiznis/curlara/internal/payment/service"
)

type verifyPaymentRequest struct {
	SessionID string `json:"sessionId"`
}

func (s *Server) VerifyPayment(c *gin.Context) {
	var req verifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.paymentSvc.VerifyPayment(c.Request.Context(), req.SessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type createPaymentIntentRequest struct {
	UserID *string `json:"userId"`
	Email  *string `json:"email"`
}

// CreatePaymentIntent accepts an empty body; the caller may be identified by
// cookie or bearer credential instead.
func (s *Server) CreatePaymentIntent(c *gin.Context) {
	var req createPaymentIntentRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	result, err := s.paymentSvc.CreatePaymentIntent(c.Request.Context(), paymentservice.CreateIntentRequest{
		Signals: s.callerSignals(c, req.UserID),
		Email:   req.Email,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type createCheckoutRequest struct {
	UserID  *string `json:"userId"`
	Email   *string `json:"email"`
	PriceID string  `json:"priceId"`
}

func (s *Server) CreateCheckoutSession(c *gin.Context) {
	var req createCheckoutRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	result, err := s.paymentSvc.CreateCheckoutSession(c.Request.Context(), paymentservice.CreateCheckoutRequest{
		Signals: s.callerSignals(c, req.UserID),
		Email:   req.Email,
		PriceID: req.PriceID,
		Origin:  c.GetHeader("Origin"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) callerSignals(c *gin.Context, bodyUserID *string) identity.Signals {
	signals := identity.Signals{BodyUserID: bodyUserID}
	if token, ok := s.sessions.SessionToken(c); ok {
		signals.SessionCookie = &token
	}
	if token, ok := s.sessions.BearerToken(c); ok {
		signals.BearerToken = &token
	}
	return signals
}
