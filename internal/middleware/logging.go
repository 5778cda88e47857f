package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"homeworkhelper/internal/metrics"
)

// RequestLogger 记录访问日志并上报 HTTP 指标，route 取注册的路由模板
func RequestLogger(log *zap.Logger, m *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		status := c.Writer.Status()
		route := c.FullPath()
		m.ObserveHTTP(c.Request.Method, route, status, elapsed)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", elapsed),
			zap.String("ip", c.ClientIP()),
		}
		if userID := CurrentUserID(c); userID != "" {
			fields = append(fields, zap.String("user_id", userID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Info("request", fields...)
		default:
			log.Debug("request", fields...)
		}
	}
}

// Recovery panic 时记录堆栈并返回 500
func Recovery(log *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error("panic recovered", zap.Any("panic", recovered), zap.Stack("stack"))
		abort(c, 500, "Internal server error")
	})
}
