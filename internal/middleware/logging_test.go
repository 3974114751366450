package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/analyze", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var logged map[string]any
	if err := json.Unmarshal(buf.Bytes(), &logged); err != nil {
		t.Fatalf("ログのパースに失敗: %v (%s)", err, buf.String())
	}

	if logged["method"] != "POST" {
		t.Errorf("method = %v, want POST", logged["method"])
	}
	if logged["path"] != "/api/analyze" {
		t.Errorf("path = %v, want /api/analyze", logged["path"])
	}
	if logged["status"] != float64(http.StatusCreated) {
		t.Errorf("status = %v, want 201", logged["status"])
	}
	if _, ok := logged["duration_ms"]; !ok {
		t.Error("duration_msが記録されるべき")
	}
	if logged["level"] != "INFO" {
		t.Errorf("level = %v, want INFO", logged["level"])
	}
}

func TestLoggingMiddleware_LevelByStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantLevel string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusNotFound, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))

		handler := NewLoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

		var logged map[string]any
		if err := json.Unmarshal(buf.Bytes(), &logged); err != nil {
			t.Fatalf("ログのパースに失敗: %v", err)
		}
		if logged["level"] != tt.wantLevel {
			t.Errorf("status %d のログレベル = %v, want %s", tt.status, logged["level"], tt.wantLevel)
		}
	}
}

func TestStatusRecorder_DefaultsTo200OnWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, statusCode: http.StatusOK}

	if _, err := sr.Write([]byte("body")); err != nil {
		t.Fatal(err)
	}
	if sr.statusCode != http.StatusOK {
		t.Errorf("statusCode = %d, want 200", sr.statusCode)
	}

	// 以降のWriteHeaderは最初の記録を上書きしない
	sr.WriteHeader(http.StatusInternalServerError)
	if sr.statusCode != http.StatusOK {
		t.Errorf("statusCode = %d, want 最初に記録された200", sr.statusCode)
	}
}
