package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/smallbiznis/curlara/internal/payment/domain"
	paymentservice "github.com/smallbiznis/curlara/internal/payment/service"
	"github.com/smallbiznis/curlara/pkg/db/pagination"
)

func (s *Server) ListUnresolvedPayments(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	includeResolved, err := parseOptionalBool(c.Query("include_resolved"))
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	req := paymentdomain.ListUnresolvedRequest{Page: page}
	if includeResolved != nil {
		req.IncludeResolved = *includeResolved
	}

	resp, err := s.paymentSvc.ListUnresolved(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type resolveUnresolvedRequest struct {
	UserID string  `json:"userId"`
	Email  *string `json:"email"`
}

func (s *Server) ResolveUnresolvedPayment(c *gin.Context) {
	id, err := parseOptionalSnowflakeID(c.Param("id"))
	if err != nil || id == nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var req resolveUnresolvedRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UserID) == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	operator, _ := operatorFromContext(c)
	result, err := s.paymentSvc.ResolveUnresolved(c.Request.Context(), *id, paymentservice.ResolveRequest{
		SubjectID:  req.UserID,
		Email:      req.Email,
		ResolvedBy: operator.ID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment":        result.Payment,
		"success":        result.Write.Entitled(),
		"profileUpdated": result.Write.Profile.Updated,
		"accessUpdated":  result.Write.Access.Updated,
	})
}
