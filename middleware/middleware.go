package middleware

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Logger is a Gin middleware for logging HTTP requests and responses.
// The raw client address is never logged, only whether the request carried a
// session id.
func Logger(sessionHeader string) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		errorsStr := c.Errors.ByType(gin.ErrorTypePrivate).String()
		if errorsStr == "" {
			errorsStr = "None"
		}
		withSession := "no"
		if sessionHeader != "" && c.GetHeader(sessionHeader) != "" {
			withSession = "yes"
		}

		c.Writer.Header().Set("X-Response-Time", latency.String())

		// Query strings are dropped since they may carry a session id.
		log.Printf("[GIN] %s | %3d | %13v | session=%-3s | %-7s %s\n      Errors: %s",
			startTime.Format("2006/01/02 - 15:04:05"),
			statusCode,
			latency,
			withSession,
			c.Request.Method,
			c.Request.URL.Path,
			errorsStr,
		)
	}
}

// Cors is a Gin middleware for enabling Cross-Origin Resource Sharing (CORS).
// The session header and the rate limit headers are exposed to browsers.
func Cors(sessionHeader string) gin.HandlerFunc {
	allowHeaders := []string{
		"Content-Type", "Content-Length", "Accept-Encoding", "X-CSRF-Token",
		"Authorization", "accept", "origin", "Cache-Control", "X-Requested-With",
	}
	if sessionHeader != "" {
		allowHeaders = append(allowHeaders, sessionHeader)
	}
	allow := strings.Join(allowHeaders, ", ")
	expose := "Retry-After, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset"

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			origin = "*"
		}
		// Credentials are refused by browsers for "*", so the origin is echoed.
		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Vary", "Origin")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", allow)
		c.Writer.Header().Set("Access-Control-Expose-Headers", expose)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
