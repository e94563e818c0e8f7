// files.go — отдача сохранённых файлов: просмотр, скачивание, метаданные
// и статическая раздача по DS_STATIC_PREFIX.
package handlers

import (
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	apierrors "github.com/bigkaa/giportal/document-store/internal/api/errors"
	"github.com/bigkaa/giportal/document-store/internal/domain/model"
	"github.com/bigkaa/giportal/document-store/internal/service"
	"github.com/bigkaa/giportal/document-store/internal/storage/filestore"
	"github.com/bigkaa/giportal/document-store/internal/storage/meta"
	"github.com/bigkaa/giportal/document-store/internal/urlmap"
)

// Заголовки с информацией о сжатии.
const (
	HeaderOriginalSize     = "X-Original-Size"
	HeaderCompressedSize   = "X-Compressed-Size"
	HeaderCompressionRatio = "X-Compression-Ratio"
	HeaderIsCompressed     = "X-Is-Compressed"
)

// FilesHandler — обработчик endpoints /files/{registrationId}/{filename}.
type FilesHandler struct {
	storage *service.StorageManager
	urls    *urlmap.Mapper
	logger  *slog.Logger
}

// NewFilesHandler создаёт обработчик отдачи файлов.
func NewFilesHandler(storage *service.StorageManager, urls *urlmap.Mapper, logger *slog.Logger) *FilesHandler {
	return &FilesHandler{
		storage: storage,
		urls:    urls,
		logger:  logger.With(slog.String("component", "files_handler")),
	}
}

// resolve строит относительный путь из параметров маршрута.
func (h *FilesHandler) resolve(w http.ResponseWriter, r *http.Request) (string, bool) {
	registrationID, ok := parseRegistrationID(w, r)
	if !ok {
		return "", false
	}
	name, ok := parseFileName(w, r)
	if !ok {
		return "", false
	}
	// sidecar-файлы не отдаются как данные
	if meta.IsMetaFile(name) {
		apierrors.NotFound(w, "Файл не найден: "+name)
		return "", false
	}
	return filestore.RelativePath(registrationID, name), true
}

// ServeFile обрабатывает GET /files/{registrationId}/{filename}.
// view=true или decompress=true — исходное содержимое (ReadFile).
// Иначе данные отдаются как лежат на диске; gzip-данные передаются
// с Content-Encoding: gzip, если клиент его принимает.
func (h *FilesHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	relativePath, ok := h.resolve(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	if isTrue(q.Get("view")) || isTrue(q.Get("decompress")) {
		h.serveDecompressed(w, r, relativePath, "inline")
		return
	}

	data, err := h.storage.GetCompressedFile(relativePath)
	if err != nil {
		writeStorageError(w, h.logger, relativePath, err)
		return
	}
	metadata := h.storage.GetFileMetadata(relativePath)

	if metadata != nil && metadata.IsCompressed && !metadata.IsImage {
		w.Header().Add("Vary", "Accept-Encoding")
		if !acceptsGzip(r) {
			h.serveDecompressed(w, r, relativePath, "inline")
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
	}

	h.writeFile(w, r, relativePath, metadata, data, "inline")
}

// DownloadFile обрабатывает GET /files/{registrationId}/{filename}/download.
// Всегда отдаёт исходное содержимое с Content-Disposition: attachment.
func (h *FilesHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	relativePath, ok := h.resolve(w, r)
	if !ok {
		return
	}
	h.serveDecompressed(w, r, relativePath, "attachment")
}

// GetMetadata обрабатывает GET /files/{registrationId}/{filename}/metadata.
// Без файла данных — 404. Без sidecar metadata = null.
func (h *FilesHandler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	relativePath, ok := h.resolve(w, r)
	if !ok {
		return
	}
	if !h.storage.FileExists(relativePath) {
		apierrors.NotFound(w, "Файл не найден: "+relativePath)
		return
	}

	metadata := h.storage.GetFileMetadata(relativePath)
	writeJSON(w, http.StatusOK, map[string]any{
		"relativePath": relativePath,
		"url":          h.urls.ToServableURL(relativePath),
		"hasMetadata":  metadata != nil,
		"metadata":     metadata,
	})
}

// ServeStatic обрабатывает GET <DS_STATIC_PREFIX>/*.
// Отдаёт файлы по относительному пути, в том числе вне директорий регистраций.
func (h *FilesHandler) ServeStatic(w http.ResponseWriter, r *http.Request) {
	relativePath := urlParam(r, "*")
	if relativePath == "" || meta.IsMetaFile(relativePath) {
		apierrors.NotFound(w, "Файл не найден")
		return
	}
	h.serveDecompressed(w, r, relativePath, "inline")
}

// serveDecompressed отдаёт исходное содержимое файла.
func (h *FilesHandler) serveDecompressed(w http.ResponseWriter, r *http.Request, relativePath, disposition string) {
	data, err := h.storage.ReadFile(relativePath)
	if err != nil {
		writeStorageError(w, h.logger, relativePath, err)
		return
	}
	h.writeFile(w, r, relativePath, h.storage.GetFileMetadata(relativePath), data, disposition)
}

// writeFile записывает тело файла с заголовками типа и сжатия.
// Заголовки X-* описывают хранение и не зависят от формы отдачи.
func (h *FilesHandler) writeFile(
	w http.ResponseWriter,
	r *http.Request,
	relativePath string,
	metadata *model.FileMetadata,
	data []byte,
	disposition string,
) {
	name := path.Base(relativePath)
	originalSize, compressedSize := int64(len(data)), int64(len(data))
	ratio, compressed := 1.0, false
	if metadata != nil {
		if metadata.OriginalName != "" {
			name = metadata.OriginalName
		}
		originalSize, compressedSize = metadata.OriginalSize, metadata.CompressedSize
		ratio, compressed = metadata.CompressionRatio, metadata.IsCompressed
	}

	hdr := w.Header()
	hdr.Set("Content-Type", contentType(relativePath, metadata, data))
	hdr.Set("Content-Length", strconv.Itoa(len(data)))
	hdr.Set("Content-Disposition", contentDisposition(disposition, name))
	hdr.Set(HeaderOriginalSize, strconv.FormatInt(originalSize, 10))
	hdr.Set(HeaderCompressedSize, strconv.FormatInt(compressedSize, 10))
	hdr.Set(HeaderCompressionRatio, strconv.FormatFloat(ratio, 'f', 4, 64))
	hdr.Set(HeaderIsCompressed, strconv.FormatBool(compressed))

	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(data); err != nil {
		h.logger.Debug("Клиент прервал передачу файла",
			slog.String("path", relativePath),
			slog.String("error", err.Error()),
		)
	}
}

// contentType определяет тип содержимого. Сжатое изображение обычно
// перекодировано в JPEG, но при несошедшемся сжатии остаётся исходным,
// поэтому тип берётся по сигнатуре данных. Далее MIME из метаданных,
// расширение файла и сигнатура.
func contentType(relativePath string, metadata *model.FileMetadata, data []byte) string {
	if metadata != nil {
		if metadata.IsImage && metadata.IsCompressed {
			if ct := http.DetectContentType(data); strings.HasPrefix(ct, "image/") {
				return ct
			}
		}
		if metadata.MimeType != "" {
			return metadata.MimeType
		}
	}
	if ct := mime.TypeByExtension(path.Ext(relativePath)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

// contentDisposition формирует заголовок с именем файла (RFC 2231 для не-ASCII).
func contentDisposition(disposition, name string) string {
	if v := mime.FormatMediaType(disposition, map[string]string{"filename": name}); v != "" {
		return v
	}
	return disposition
}

// acceptsGzip проверяет, принимает ли клиент gzip.
func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(coding), "gzip") {
			continue
		}
		return strings.ReplaceAll(strings.TrimSpace(params), " ", "") != "q=0"
	}
	return false
}

func isTrue(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}
