// registrations.go — загрузка файлов регистрации, список и статистика хранения.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"

	apierrors "github.com/bigkaa/giportal/document-store/internal/api/errors"
	"github.com/bigkaa/giportal/document-store/internal/api/middleware"
	"github.com/bigkaa/giportal/document-store/internal/domain/model"
	"github.com/bigkaa/giportal/document-store/internal/service"
	"github.com/bigkaa/giportal/document-store/internal/urlmap"
)

// uploadFieldName — имя multipart-поля с файлом (может повторяться).
const uploadFieldName = "file"

// RegistrationsHandler — обработчик endpoints /registrations/{registrationId}/...
type RegistrationsHandler struct {
	storage       *service.StorageManager
	urls          *urlmap.Mapper
	maxUploadSize int64
	logger        *slog.Logger
}

// NewRegistrationsHandler создаёт обработчик регистраций.
func NewRegistrationsHandler(
	storage *service.StorageManager,
	urls *urlmap.Mapper,
	maxUploadSize int64,
	logger *slog.Logger,
) *RegistrationsHandler {
	return &RegistrationsHandler{
		storage:       storage,
		urls:          urls,
		maxUploadSize: maxUploadSize,
		logger:        logger.With(slog.String("component", "registrations_handler")),
	}
}

// uploadedFile — результат сохранения с внешним адресом.
type uploadedFile struct {
	model.StorageResult
	URL string `json:"url"`
}

// listedFile — файл регистрации с внешним адресом.
type listedFile struct {
	model.StoredFile
	URL string `json:"url"`
}

// UploadFiles обрабатывает POST /registrations/{registrationId}/files.
// Multipart form: file (обязательно, может повторяться).
// Каждый файл сжимается и сохраняется отдельно; общий объём запроса
// ограничен DS_MAX_UPLOAD_SIZE.
func (h *RegistrationsHandler) UploadFiles(w http.ResponseWriter, r *http.Request) {
	registrationID, ok := parseRegistrationID(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	reader, err := r.MultipartReader()
	if err != nil {
		apierrors.ValidationError(w, fmt.Sprintf("Ошибка парсинга multipart: %s", err.Error()))
		return
	}

	results := []uploadedFile{}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.writeReadError(w, err)
			return
		}

		if part.FormName() != uploadFieldName || part.FileName() == "" {
			_ = part.Close()
			continue
		}

		fileName := part.FileName()
		data, err := io.ReadAll(part)
		_ = part.Close()
		if err != nil {
			h.writeReadError(w, err)
			return
		}

		mimeType := partMimeType(part.Header.Get("Content-Type"))

		res, err := h.storage.SaveFile(r.Context(), registrationID, fileName, data, mimeType)
		if err != nil {
			writeStorageError(w, h.logger, fileName, err)
			return
		}

		results = append(results, uploadedFile{
			StorageResult: *res,
			URL:           h.urls.ToServableURL(res.RelativePath),
		})
	}

	if len(results) == 0 {
		apierrors.ValidationError(w, "Поле 'file' обязательно")
		return
	}

	h.logger.Info("Файлы регистрации загружены",
		slog.Int64("registration_id", registrationID),
		slog.Int("count", len(results)),
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
	)

	writeJSON(w, http.StatusCreated, map[string]any{
		"registrationId": registrationID,
		"files":          results,
	})
}

// writeReadError отвечает на ошибку чтения тела запроса.
func (h *RegistrationsHandler) writeReadError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		apierrors.FileTooLarge(w, fmt.Sprintf("Размер загрузки превышает %s", humanize.IBytes(uint64(maxErr.Limit))))
		return
	}
	apierrors.ValidationError(w, fmt.Sprintf("Ошибка чтения multipart: %s", err.Error()))
}

// partMimeType возвращает MIME-тип части без параметров.
func partMimeType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return mediaType
}

// ListFiles обрабатывает GET /registrations/{registrationId}/files.
func (h *RegistrationsHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	registrationID, ok := parseRegistrationID(w, r)
	if !ok {
		return
	}

	files, err := h.storage.ListFiles(r.Context(), registrationID)
	if err != nil {
		writeStorageError(w, h.logger, fmt.Sprintf("registration %d", registrationID), err)
		return
	}

	items := make([]listedFile, 0, len(files))
	for _, f := range files {
		items = append(items, listedFile{StoredFile: f, URL: h.urls.ToServableURL(f.RelativePath)})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"registrationId": registrationID,
		"total":          len(items),
		"files":          items,
	})
}

// storageStatsResponse — статистика хранения с человекочитаемыми размерами.
type storageStatsResponse struct {
	RegistrationID int64 `json:"registrationId"`
	model.StorageStats
	SavingsPercent float64        `json:"savingsPercent"`
	Human          humanizedStats `json:"human"`
}

type humanizedStats struct {
	TotalOriginalSize   string `json:"totalOriginalSize"`
	TotalCompressedSize string `json:"totalCompressedSize"`
	TotalSavings        string `json:"totalSavings"`
}

// GetStorageStats обрабатывает GET /registrations/{registrationId}/storage-stats.
func (h *RegistrationsHandler) GetStorageStats(w http.ResponseWriter, r *http.Request) {
	registrationID, ok := parseRegistrationID(w, r)
	if !ok {
		return
	}

	stats, err := h.storage.GetStorageStats(registrationID)
	if err != nil {
		writeStorageError(w, h.logger, fmt.Sprintf("registration %d", registrationID), err)
		return
	}

	writeJSON(w, http.StatusOK, storageStatsResponse{
		RegistrationID: registrationID,
		StorageStats:   *stats,
		SavingsPercent: savingsPercent(stats),
		Human: humanizedStats{
			TotalOriginalSize:   humanize.IBytes(uint64(stats.TotalOriginalSize)),
			TotalCompressedSize: humanize.IBytes(uint64(stats.TotalCompressedSize)),
			TotalSavings:        humanizeSigned(stats.TotalSavings),
		},
	})
}

// savingsPercent — доля сэкономленного места в процентах, один знак после запятой.
func savingsPercent(stats *model.StorageStats) float64 {
	if stats.TotalOriginalSize <= 0 {
		return 0
	}
	p := float64(stats.TotalSavings) / float64(stats.TotalOriginalSize) * 100
	return math.Round(p*10) / 10
}

// humanizeSigned форматирует размер, который может быть отрицательным
// (gzip-обёртка уже сжатых файлов).
func humanizeSigned(v int64) string {
	if v < 0 {
		return "-" + humanize.IBytes(uint64(-v))
	}
	return humanize.IBytes(uint64(v))
}
