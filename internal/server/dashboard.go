package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/curlara/internal/gate"
	obscontext "github.com/smallbiznis/curlara/internal/observability/context"
)

// Dashboard is only reached once the access gate allowed the request.
func (s *Server) Dashboard(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"gateState": c.GetString(gate.ContextGateState),
		"userId":    obscontext.SubjectIDFromContext(c.Request.Context()),
		"path":      c.Request.URL.Path,
	})
}
