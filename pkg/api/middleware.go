package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v7"
	toll_limiter "github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// CORSMiddleware allows cross-origin calls from origins ("*" or none for any)
func CORSMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Content-Length", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}

	allowAll := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}

	return cors.New(cfg)
}

// RateLimitMiddleware limits each client IP to rps requests per second with
// the given burst
func RateLimitMiddleware(rps float64, burst int, ttl time.Duration) gin.HandlerFunc {
	lim := tollbooth.NewLimiter(rps, &toll_limiter.ExpirableOptions{
		DefaultExpirationTTL: ttl,
	})
	lim.SetBurst(burst)
	lim.SetIPLookups([]string{"RemoteAddr"})

	return func(c *gin.Context) {
		if httpErr := tollbooth.LimitByRequest(lim, c.Writer, c.Request); httpErr != nil {
			c.AbortWithStatusJSON(httpErr.StatusCode, ErrorResponse{
				Error:   "Rate limit exceeded",
				Message: fmt.Sprintf("Maximum %g requests per second", rps),
			})
			return
		}
		c.Next()
	}
}

// BodyLimitMiddleware rejects bodies larger than limit bytes
func BodyLimitMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{
				Error:   "Request too large",
				Message: fmt.Sprintf("max %d bytes allowed", limit),
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// LoggingMiddleware logs each HTTP request
func LoggingMiddleware(logger logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		// Process request
		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"ip":      c.ClientIP(),
			"latency": time.Since(startTime).String(),
		})

		switch status := c.Writer.Status(); {
		case status >= 500:
			entry.Error("http request")
		case status >= 400:
			entry.Warn("http request")
		default:
			entry.Debug("http request")
		}
	}
}

// ErrorResponse is a standard error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
