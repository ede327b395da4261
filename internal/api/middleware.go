package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"lateraltutor/internal/logging"
)

// requestLogger writes one structured line per request to the api category.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if !logging.IsCategoryEnabled(logging.CategoryAPI) {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if id := c.Param("id"); id != "" {
			fields = append(fields, zap.String("session_id", id))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		z := logging.Base().Named(string(logging.CategoryAPI))
		if c.Writer.Status() >= 500 {
			z.Warn("request", fields...)
			return
		}
		z.Info("request", fields...)
	}
}
