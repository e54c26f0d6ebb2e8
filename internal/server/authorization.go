package server

import (
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/curlara/internal/identity"
	obscontext "github.com/smallbiznis/curlara/internal/observability/context"
)

const contextOperatorKey = "operator"

// OperatorRequired accepts only a verified bearer credential.
func (s *Server) OperatorRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := s.sessions.BearerToken(c)
		if !ok || s.verifier == nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		subject, err := s.verifier.VerifySubject(c.Request.Context(), token)
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextOperatorKey, subject)
		c.Request = c.Request.WithContext(obscontext.WithSubjectID(c.Request.Context(), subject.ID))
		c.Next()
	}
}

func (s *Server) authorizeAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		operator, ok := operatorFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), operator, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

func operatorFromContext(c *gin.Context) (identity.Subject, bool) {
	value, ok := c.Get(contextOperatorKey)
	if !ok {
		return identity.Subject{}, false
	}
	subject, ok := value.(identity.Subject)
	return subject, ok
}
