package logging

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"loud", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("info", "json", &buf)
	logger.Info("hello", "agent", "0xabc")

	if !strings.Contains(buf.String(), `"agent":"0xabc"`) {
		t.Fatalf("expected JSON attribute in output, got %s", buf.String())
	}
}

func TestWithRequestID_And_RequestID(t *testing.T) {
	ctx := context.Background()
	if id := RequestID(ctx); id != "" {
		t.Errorf("Expected empty request ID, got %q", id)
	}

	ctx = WithRequestID(ctx, "req-123")
	ctx = WithRequestID(ctx, "req-456")
	if id := RequestID(ctx); id != "req-456" {
		t.Errorf("Expected req-456, got %q", id)
	}
}

func TestHasLogger(t *testing.T) {
	ctx := context.Background()
	if HasLogger(ctx) {
		t.Fatal("bare context should not carry a logger")
	}
	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)
	if !HasLogger(ctx) {
		t.Fatal("expected logger on context")
	}
	if FromContext(ctx) != custom {
		t.Error("Expected custom logger from context")
	}
}

func TestL_TagsRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter("info", "text", &buf))
	ctx = WithRequestID(ctx, "req-789")

	L(ctx).Info("tagged")
	if !strings.Contains(buf.String(), "request_id=req-789") {
		t.Fatalf("expected request_id in output, got %s", buf.String())
	}
}

func TestMiddleware_AssignsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer

	var seen string
	r := gin.New()
	r.Use(Middleware(NewWithWriter("info", "text", &buf)))
	r.GET("/ping", func(c *gin.Context) {
		seen = RequestID(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	got := w.Header().Get(RequestIDHeader)
	if got == "" || got != seen {
		t.Fatalf("header %q and context %q should match and be non-empty", got, seen)
	}
	if !strings.Contains(buf.String(), "status=204") {
		t.Fatalf("expected access log, got %s", buf.String())
	}
}

func TestMiddleware_ReusesInboundID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(NewWithWriter("error", "text", &bytes.Buffer{})))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "upstream-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get(RequestIDHeader); got != "upstream-1" {
		t.Fatalf("expected inbound id to be kept, got %q", got)
	}
}
