package httplog

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMiddlewareSetsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.InfoLevel)

	var seen string
	router := gin.New()
	router.Use(Middleware(zap.New(core)))
	router.POST("/login", func(c *gin.Context) {
		seen = RequestID(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("password=Secret123!"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	header := rec.Header().Get(HeaderRequestID)
	if _, err := uuid.Parse(header); err != nil {
		t.Fatalf("unexpected request id header %q: %v", header, err)
	}
	if seen != header {
		t.Fatalf("context request id = %q, header = %q", seen, header)
	}

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one access log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != header || fields["status"] != int64(http.StatusNoContent) || fields["path"] != "/login" {
		t.Fatalf("unexpected log fields: %v", fields)
	}
	if strings.Contains(fmt.Sprint(fields), "Secret123") {
		t.Fatalf("request body leaked into log: %v", fields)
	}
}

func TestRequestIDDefault(t *testing.T) {
	if got := RequestID(context.Background()); got != "-" {
		t.Fatalf("RequestID = %q, want -", got)
	}
}
