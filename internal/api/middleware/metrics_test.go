package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path      string
		apiPrefix string
		want      string
	}{
		{"/health/live", "", "/health/live"},
		{"/metrics", "/api", "/metrics"},
		{"/registrations/5/files", "", "/registrations/{id}/files"},
		{"/registrations/77/storage-stats", "", "/registrations/{id}/storage-stats"},
		{"/files/5/photo_1700000000000.jpg", "", "/files/{id}/{filename}"},
		{"/files/5/doc.pdf/download", "", "/files/{id}/{filename}/download"},
		{"/files/5/doc.pdf/metadata", "", "/files/{id}/{filename}/metadata"},
		{"/files/5/doc.pdf/other", "", "other"},
		{"/maintenance/audit", "", "/maintenance/audit"},
		{"/api/files/5/a.jpg", "/api", "/api/files/{id}/{filename}"},
		{"/files/5/a.jpg", "/api", "other"},
		{"/uploads/legacy/a.jpg", "", "/uploads/*"},
		{"/random/path", "", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := normalizePath(tt.path, tt.apiPrefix, "/uploads"); got != tt.want {
				t.Errorf("normalizePath(%q, %q) = %q, ожидалось %q", tt.path, tt.apiPrefix, got, tt.want)
			}
		})
	}
}

func TestMetricsMiddleware_PassesStatus(t *testing.T) {
	handler := MetricsMiddleware("", "/uploads")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/1/a.jpg", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("ожидался статус 418, получен %d", rec.Code)
	}
}
