package gate

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/curlara/internal/auth/session"
	obscontext "github.com/smallbiznis/curlara/internal/observability/context"
)

const ContextGateState = "gate_state"

// Middleware applies the gate to requests under the protected prefixes and
// redirects denied requests to the entry point.
func Middleware(g *Gate, sessions *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.Protected(c.Request.URL.Path) {
			c.Next()
			return
		}

		req := Request{}
		if token, ok := sessions.PrimaryToken(c); ok {
			req.PrimaryToken = token
		}
		if token, ok := sessions.LocalToken(c); ok {
			req.LocalToken = token
		}

		decision := g.Evaluate(c.Request.Context(), req)
		c.Set(ContextGateState, string(decision.State))
		if decision.SubjectID != "" {
			c.Request = c.Request.WithContext(obscontext.WithSubjectID(c.Request.Context(), decision.SubjectID))
		}

		if !decision.Allow {
			c.Redirect(http.StatusFound, g.RedirectTo())
			c.Abort()
			return
		}
		c.Next()
	}
}
