package server

import (
	"math"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/curlara/internal/observability/logger"
	"go.uber.org/zap"
)

const rateLimitReasonClient = "client-rate"

// PaymentRateLimit throttles a public payment endpoint per client IP. Limiter
// errors let the request through.
func (s *Server) PaymentRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		endpoint := normalizeRateLimitEndpoint(c)
		result, err := s.limiter.Allow(ctx, endpoint, c.ClientIP())
		if err != nil {
			logger.FromContext(ctx).Warn("payment rate limit check failed, allowing", zap.String("endpoint", endpoint), zap.Error(err))
			c.Next()
			return
		}
		if result.Allowed {
			c.Next()
			return
		}

		logger.FromContext(ctx).Warn("payment rate limit exceeded", zap.String("endpoint", endpoint))
		s.obsMetrics.RecordRateLimitDenied(ctx, endpoint, rateLimitReasonClient)

		retry := int(math.Ceil(result.RetryAfter.Seconds()))
		if retry < 1 {
			retry = 1
		}
		c.Header("Retry-After", strconv.Itoa(retry))
		AbortWithError(c, ErrRateLimited)
	}
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
