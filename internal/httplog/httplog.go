// Package httplog はリクエストIDの付与とアクセスログ出力を行うミドルウェアを提供します。
package httplog

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HeaderRequestID はリクエストIDを返すレスポンスヘッダー名です。
const HeaderRequestID = "X-Request-Id"

type requestIDKey struct{}

// Middleware はリクエストごとに UUID を払い出し、処理後にアクセスログを出力します。
// ログにはリクエストボディを含めません。
func Middleware(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		requestID := uuid.NewString()
		c.Header(HeaderRequestID, requestID)
		c.Request = c.Request.WithContext(WithRequestID(c.Request.Context(), requestID))

		c.Next()

		logger.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}

// WithRequestID はリクエストIDを context に保存します。
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID は context からリクエストIDを取り出します。未設定の場合は "-" を返します。
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return "-"
}
