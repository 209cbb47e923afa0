// Package middleware provides Gin middleware for the Medic recovery
// engine API: request logging, API key authentication, fixed-window rate
// limiting, and panic recovery.
package middleware

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bigdegenenergy/open-cloud-ops/medic/internal/cache"
)

// LoggingMiddleware returns a Gin middleware handler that logs request and
// response metadata including method, path, status code, latency, and
// client IP.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		clientIP := c.ClientIP()
		method := c.Request.Method
		bodySize := c.Writer.Size()

		if query != "" {
			path = path + "?" + query
		}

		switch {
		case statusCode >= 500:
			log.Printf("[ERROR] %s %s | %d | %v | %s | %d bytes | errors: %s",
				method, path, statusCode, latency, clientIP, bodySize, c.Errors.ByType(gin.ErrorTypePrivate).String())
		case statusCode >= 400:
			log.Printf("[WARN]  %s %s | %d | %v | %s | %d bytes",
				method, path, statusCode, latency, clientIP, bodySize)
		default:
			log.Printf("[INFO]  %s %s | %d | %v | %s | %d bytes",
				method, path, statusCode, latency, clientIP, bodySize)
		}
	}
}

// APIKeyAuth returns a Gin middleware that validates the X-API-Key header
// (or Authorization: Bearer) against the configured engine key.
func APIKeyAuth(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			auth := c.GetHeader("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"code":    "unauthorized",
				"message": "Missing or invalid API key. Provide X-API-Key or Authorization: Bearer <key>.",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RateLimitMiddleware returns a Gin middleware handler that enforces
// per-caller rate limiting using Redis. The bucket parameter separates
// read and write budgets. A nil cache allows everything.
func RateLimitMiddleware(c *cache.Cache, bucket string, maxRequests int64, window time.Duration) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		caller := ctx.GetHeader("X-API-Key")
		if caller == "" {
			caller = ctx.ClientIP()
		}
		if len(caller) > 16 {
			caller = caller[:16]
		}

		allowed, err := c.RateLimitCheck(ctx.Request.Context(), bucket+":"+caller, maxRequests, window)
		if err != nil {
			// On Redis error, allow the request but log the issue
			log.Printf("middleware: rate limit check error: %v", err)
			ctx.Next()
			return
		}

		if !allowed {
			ctx.JSON(http.StatusTooManyRequests, gin.H{
				"code":    "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
				"details": gin.H{"bucket": bucket, "window": window.String()},
			})
			ctx.Abort()
			return
		}
		ctx.Next()
	}
}

// RecoveryMiddleware returns a Gin middleware that recovers from panics
// and returns a 500 error instead of crashing the server.
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[PANIC] recovered from panic: %v", err)
				c.JSON(http.StatusInternalServerError, gin.H{
					"code":    "service_error",
					"message": "An unexpected error occurred.",
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}
