package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"

	"github.com/bigkaa/giportal/document-store/internal/compression"
	"github.com/bigkaa/giportal/document-store/internal/domain/model"
	"github.com/bigkaa/giportal/document-store/internal/service"
	"github.com/bigkaa/giportal/document-store/internal/storage/filestore"
	"github.com/bigkaa/giportal/document-store/internal/urlmap"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testEnv — менеджер хранения и маршрутизатор с обработчиками.
type testEnv struct {
	storage *service.StorageManager
	router  chi.Router
	root    string
}

func setupTestEnv(t *testing.T, maxUploadSize int64) *testEnv {
	t.Helper()

	store, err := filestore.New(t.TempDir())
	if err != nil {
		t.Fatalf("Ошибка создания FileStore: %v", err)
	}
	logger := testLogger()
	storage := service.NewStorageManager(store, compression.New(compression.Options{}, logger), nil, logger)
	urls := urlmap.New("", "/uploads")

	regs := NewRegistrationsHandler(storage, urls, maxUploadSize, logger)
	files := NewFilesHandler(storage, urls, logger)

	r := chi.NewRouter()
	r.Post("/registrations/{registrationId}/files", regs.UploadFiles)
	r.Get("/registrations/{registrationId}/files", regs.ListFiles)
	r.Get("/registrations/{registrationId}/storage-stats", regs.GetStorageStats)
	r.Get("/files/{registrationId}/{filename}", files.ServeFile)
	r.Get("/files/{registrationId}/{filename}/download", files.DownloadFile)
	r.Get("/files/{registrationId}/{filename}/metadata", files.GetMetadata)
	r.Get("/uploads/*", files.ServeStatic)

	return &testEnv{storage: storage, router: r, root: store.RootDir()}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// uploadPart — файл для multipart-запроса.
type uploadPart struct {
	field, name, contentType string
	data                     []byte
}

func multipartRequest(t *testing.T, target string, parts ...uploadPart) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, p := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, p.field, p.name))
		if p.contentType != "" {
			h.Set("Content-Type", p.contentType)
		}
		w, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = w.Write(p.data)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

type uploadResponse struct {
	RegistrationID int64 `json:"registrationId"`
	Files          []struct {
		model.StorageResult
		URL string `json:"url"`
	} `json:"files"`
}

func textContent(size int) []byte {
	line := "Описание продукта с географическим указанием, раздел 3.\n"
	return []byte(strings.Repeat(line, size/len(line)+1))[:size]
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Ошибка разбора тела ошибки %q: %v", rec.Body.String(), err)
	}
	return body.Error.Code
}

func TestUploadAndServe_Text(t *testing.T) {
	env := setupTestEnv(t, 50<<20)
	original := textContent(500 * 1024)

	rec := env.do(multipartRequest(t, "/registrations/9/files",
		uploadPart{"file", "Описание продукта.txt", "text/plain; charset=utf-8", original}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("Загрузка: статус %d, тело %s", rec.Code, rec.Body.String())
	}

	var resp uploadResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Ошибка разбора ответа: %v", err)
	}
	if resp.RegistrationID != 9 || len(resp.Files) != 1 {
		t.Fatalf("Неожиданный ответ: %+v", resp)
	}
	f := resp.Files[0]
	if !f.IsCompressed || f.IsImage || f.MimeType != "text/plain" {
		t.Errorf("Неверный результат: %+v", f.StorageResult)
	}
	if !strings.HasPrefix(f.URL, "/files/9/") || !strings.HasSuffix(f.URL, "?view=true") {
		t.Errorf("Неверный URL: %s", f.URL)
	}

	// Просмотр — исходные байты
	rec = env.do(httptest.NewRequest(http.MethodGet, f.URL, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Просмотр: статус %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), original) {
		t.Error("Просмотр вернул данные, отличные от исходных")
	}
	if rec.Header().Get(HeaderIsCompressed) != "true" || rec.Header().Get(HeaderOriginalSize) != fmt.Sprint(len(original)) {
		t.Errorf("Неверные заголовки сжатия: %v", rec.Header())
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Disposition"), "inline") {
		t.Errorf("Content-Disposition: %s", rec.Header().Get("Content-Disposition"))
	}

	rawURL := strings.TrimSuffix(f.URL, "?view=true")

	// Без view и с поддержкой gzip — данные как на диске
	req := httptest.NewRequest(http.MethodGet, rawURL, nil)
	req.Header.Set("Accept-Encoding", "br, gzip")
	rec = env.do(req)
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Ожидался Content-Encoding: gzip, заголовки %v", rec.Header())
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("Ошибка чтения gzip: %v", err)
	}
	unpacked, _ := io.ReadAll(zr)
	if !bytes.Equal(unpacked, original) {
		t.Error("gzip-поток не распаковывается в исходные данные")
	}

	// Без поддержки gzip — распакованные данные
	rec = env.do(httptest.NewRequest(http.MethodGet, rawURL, nil))
	if rec.Header().Get("Content-Encoding") != "" || !bytes.Equal(rec.Body.Bytes(), original) {
		t.Error("Клиент без gzip должен получить исходные данные")
	}

	// Скачивание
	rec = env.do(httptest.NewRequest(http.MethodGet, rawURL+"/download", nil))
	if rec.Code != http.StatusOK || !bytes.Equal(rec.Body.Bytes(), original) {
		t.Errorf("Скачивание: статус %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment") || !strings.Contains(cd, "filename") {
		t.Errorf("Content-Disposition: %s", cd)
	}
}

func TestUpload_MultipleFiles(t *testing.T) {
	env := setupTestEnv(t, 50<<20)

	rec := env.do(multipartRequest(t, "/registrations/3/files",
		uploadPart{"file", "a.txt", "text/plain", []byte("a")},
		uploadPart{"comment", "ignored.txt", "", []byte("x")},
		uploadPart{"file", "b.pdf", "application/pdf", []byte("%PDF-1.4")},
	))
	if rec.Code != http.StatusCreated {
		t.Fatalf("Статус %d: %s", rec.Code, rec.Body.String())
	}
	var resp uploadResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Files) != 2 {
		t.Fatalf("Ожидалось 2 файла, получено %d", len(resp.Files))
	}
	if resp.Files[1].IsCompressed {
		t.Error("Маленький PDF не должен сжиматься")
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, "/registrations/3/files", nil))
	var list struct {
		Total int `json:"total"`
		Files []struct {
			RelativePath string `json:"relativePath"`
			URL          string `json:"url"`
		} `json:"files"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("Ошибка разбора списка: %v", err)
	}
	if list.Total != 2 || list.Files[0].URL == "" {
		t.Errorf("Неверный список: %+v", list)
	}
}

func TestUpload_Errors(t *testing.T) {
	env := setupTestEnv(t, 1024)

	tests := []struct {
		name   string
		req    *http.Request
		status int
		code   string
	}{
		{
			"превышен размер",
			multipartRequest(t, "/registrations/1/files", uploadPart{"file", "big.txt", "", textContent(4096)}),
			http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE",
		},
		{
			"нет поля file",
			multipartRequest(t, "/registrations/1/files", uploadPart{"other", "a.txt", "", []byte("a")}),
			http.StatusBadRequest, "VALIDATION_ERROR",
		},
		{
			"некорректная регистрация",
			multipartRequest(t, "/registrations/0/files", uploadPart{"file", "a.txt", "", []byte("a")}),
			http.StatusBadRequest, "VALIDATION_ERROR",
		},
		{
			"не multipart",
			httptest.NewRequest(http.MethodPost, "/registrations/1/files", strings.NewReader("{}")),
			http.StatusBadRequest, "VALIDATION_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(tt.req)
			if rec.Code != tt.status {
				t.Fatalf("Статус: ожидался %d, получен %d (%s)", tt.status, rec.Code, rec.Body.String())
			}
			if code := errorCode(t, rec); code != tt.code {
				t.Errorf("Код: ожидался %s, получен %s", tt.code, code)
			}
		})
	}
}

func TestServeFile_LegacyAndMissing(t *testing.T) {
	env := setupTestEnv(t, 50<<20)

	dir := filepath.Join(env.root, "registration_4")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "old.txt"), []byte("legacy"), 0o640); err != nil {
		t.Fatal(err)
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/files/4/old.txt", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "legacy" {
		t.Fatalf("Legacy-файл: статус %d, тело %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(HeaderIsCompressed) != "false" || rec.Header().Get(HeaderCompressionRatio) != "1.0000" {
		t.Errorf("Неверные заголовки: %v", rec.Header())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type: %s", ct)
	}

	// Метаданные legacy-файла: файл есть, sidecar нет
	rec = env.do(httptest.NewRequest(http.MethodGet, "/files/4/old.txt/metadata", nil))
	var md struct {
		HasMetadata bool            `json:"hasMetadata"`
		Metadata    json.RawMessage `json:"metadata"`
		URL         string          `json:"url"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &md)
	if rec.Code != http.StatusOK || md.HasMetadata || string(md.Metadata) != "null" || md.URL != "/files/4/old.txt?view=true" {
		t.Errorf("Метаданные legacy: %d %s", rec.Code, rec.Body.String())
	}

	// Статическая раздача
	rec = env.do(httptest.NewRequest(http.MethodGet, "/uploads/registration_4/old.txt", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "legacy" {
		t.Errorf("Статика: статус %d", rec.Code)
	}

	notFound := []string{
		"/files/4/none.txt",
		"/files/4/none.txt/download",
		"/files/4/none.txt/metadata",
		"/files/4/old.txt.meta.json",
		"/uploads/registration_4/none.txt",
	}
	for _, target := range notFound {
		rec := env.do(httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: ожидался 404, получен %d", target, rec.Code)
		}
	}

	rec = env.do(httptest.NewRequest(http.MethodGet, "/files/abc/old.txt", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Некорректный id: ожидался 400, получен %d", rec.Code)
	}
	rec = env.do(httptest.NewRequest(http.MethodGet, "/uploads/../etc/passwd", nil))
	if rec.Code != http.StatusBadRequest && rec.Code != http.StatusNotFound {
		t.Errorf("Выход за корень: ожидался 400/404, получен %d", rec.Code)
	}
}

func TestGetStorageStats(t *testing.T) {
	env := setupTestEnv(t, 50<<20)
	ctx := context.Background()

	if _, err := env.storage.SaveFile(ctx, 6, "a.txt", textContent(200*1024), "text/plain"); err != nil {
		t.Fatal(err)
	}

	rec := env.do(httptest.NewRequest(http.MethodGet, "/registrations/6/storage-stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Статус %d", rec.Code)
	}
	var stats struct {
		RegistrationID    int64   `json:"registrationId"`
		TotalFiles        int     `json:"totalFiles"`
		TotalOriginalSize int64   `json:"totalOriginalSize"`
		SavingsPercent    float64 `json:"savingsPercent"`
		Human             struct {
			TotalOriginalSize string `json:"totalOriginalSize"`
		} `json:"human"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.RegistrationID != 6 || stats.TotalFiles != 1 || stats.TotalOriginalSize != 200*1024 {
		t.Errorf("Неверная статистика: %+v", stats)
	}
	if stats.SavingsPercent <= 50 || stats.Human.TotalOriginalSize != "200 KiB" {
		t.Errorf("Неверные производные поля: %+v", stats)
	}

	// Регистрация без файлов — нулевая статистика
	rec = env.do(httptest.NewRequest(http.MethodGet, "/registrations/77/storage-stats", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"totalFiles":0`) {
		t.Errorf("Пустая регистрация: %d %s", rec.Code, rec.Body.String())
	}
}

func TestAcceptsGzip(t *testing.T) {
	tests := map[string]bool{
		"":                    false,
		"gzip":                true,
		"deflate, gzip;q=1.0": true,
		"gzip;q=0":            false,
		"br":                  false,
		"GZIP":                true,
	}
	for header, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept-Encoding", header)
		if got := acceptsGzip(req); got != want {
			t.Errorf("acceptsGzip(%q) = %v, ожидалось %v", header, got, want)
		}
	}
}

func TestContentType(t *testing.T) {
	jpeg := []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00")
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	tests := []struct {
		name string
		path string
		meta *model.FileMetadata
		data []byte
		want string
	}{
		{"перекодированный PNG", "registration_1/a.png",
			&model.FileMetadata{IsImage: true, IsCompressed: true, MimeType: "image/png"}, jpeg, "image/jpeg"},
		{"несошедшееся сжатие PNG", "registration_1/a.png",
			&model.FileMetadata{IsImage: true, IsCompressed: true, MimeType: "image/png"}, png, "image/png"},
		{"нераспознанные данные изображения", "registration_1/a.jpg",
			&model.FileMetadata{IsImage: true, IsCompressed: true, MimeType: "image/jpeg"}, []byte("garbage"), "image/jpeg"},
		{"MIME из метаданных", "registration_1/a.bin",
			&model.FileMetadata{MimeType: "application/pdf"}, []byte("%PDF-1.7"), "application/pdf"},
		{"файл без метаданных", "registration_1/a.pdf", nil, []byte("%PDF-1.7"), "application/pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := contentType(tt.path, tt.meta, tt.data); got != tt.want {
				t.Errorf("contentType = %q, ожидалось %q", got, tt.want)
			}
		})
	}
}

// fakeAuditor — AuditRunner для тестов.
type fakeAuditor struct {
	busy   bool
	report *model.AuditReport
}

func (f *fakeAuditor) IsInProgress() bool {
	return f.busy
}

func (f *fakeAuditor) RunOnce(context.Context) (*model.AuditReport, bool) {
	if f.busy {
		return nil, true
	}
	f.report = &model.AuditReport{RunID: "run-1", StartedAt: time.Now().UTC(), Issues: []model.AuditIssue{}}
	return f.report, false
}

func (f *fakeAuditor) LastReport() *model.AuditReport {
	return f.report
}

func TestMaintenanceHandler(t *testing.T) {
	auditor := &fakeAuditor{}
	h := NewMaintenanceHandler(auditor)

	rec := httptest.NewRecorder()
	h.LastAudit(rec, httptest.NewRequest(http.MethodGet, "/maintenance/audit", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Нет отчёта: ожидался 404, получен %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.RunAudit(rec, httptest.NewRequest(http.MethodPost, "/maintenance/audit", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"runId":"run-1"`) {
		t.Errorf("Аудит: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.LastAudit(rec, httptest.NewRequest(http.MethodGet, "/maintenance/audit", nil))
	if rec.Code != http.StatusOK ||
		!strings.Contains(rec.Body.String(), `"inProgress":false`) ||
		!strings.Contains(rec.Body.String(), `"runId":"run-1"`) {
		t.Errorf("Последний отчёт: %d %s", rec.Code, rec.Body.String())
	}

	auditor.busy = true
	rec = httptest.NewRecorder()
	h.RunAudit(rec, httptest.NewRequest(http.MethodPost, "/maintenance/audit", nil))
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "AUDIT_IN_PROGRESS" {
		t.Errorf("Параллельный аудит: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.LastAudit(rec, httptest.NewRequest(http.MethodGet, "/maintenance/audit", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"inProgress":true`) {
		t.Errorf("Статус во время аудита: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMaintenanceHandler_FirstRunInProgress(t *testing.T) {
	h := NewMaintenanceHandler(&fakeAuditor{busy: true})

	rec := httptest.NewRecorder()
	h.LastAudit(rec, httptest.NewRequest(http.MethodGet, "/maintenance/audit", nil))
	if rec.Code != http.StatusOK ||
		!strings.Contains(rec.Body.String(), `"inProgress":true`) ||
		!strings.Contains(rec.Body.String(), `"lastReport":null`) {
		t.Errorf("Первый аудит идёт: %d %s", rec.Code, rec.Body.String())
	}
}

// stubChecker — ReadinessChecker с фиксированным статусом.
type stubChecker struct{ status string }

func (s stubChecker) Name() string { return "postgresql" }
func (s stubChecker) CheckReady() (string, string) { return s.status, "stub" }

func TestHealthHandler(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name       string
		dir        string
		checkers   []ReadinessChecker
		wantCode   int
		wantStatus string
	}{
		{"всё доступно", dir, []ReadinessChecker{stubChecker{"ok"}}, http.StatusOK, "ok"},
		{"реестр недоступен", dir, []ReadinessChecker{stubChecker{"fail"}}, http.StatusOK, "degraded"},
		{"хранилище недоступно", filepath.Join(dir, "missing"), nil, http.StatusServiceUnavailable, "fail"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.dir, tt.checkers...)
			rec := httptest.NewRecorder()
			h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			var body struct {
				Status string `json:"status"`
			}
			_ = json.Unmarshal(rec.Body.Bytes(), &body)
			if rec.Code != tt.wantCode || body.Status != tt.wantStatus {
				t.Errorf("Ожидалось %d/%s, получено %d/%s", tt.wantCode, tt.wantStatus, rec.Code, body.Status)
			}
		})
	}

	rec := httptest.NewRecorder()
	NewHealthHandler(dir).HealthLive(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Live: статус %d", rec.Code)
	}
}
