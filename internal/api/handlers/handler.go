// Пакет handlers — HTTP-обработчики Document Store.
// Маршруты регистрируются в internal/server, здесь только обработка запросов.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/giportal/document-store/internal/api/errors"
	"github.com/bigkaa/giportal/document-store/internal/service"
)

// writeJSON вспомогательная функция для записи JSON-ответа.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// urlParam возвращает декодированный параметр маршрута chi.
// chi сопоставляет маршрут по RawPath, если он задан.
func urlParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v
	}
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}
	return v
}

// parseRegistrationID разбирает {registrationId}. Допустимы только положительные числа.
func parseRegistrationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := urlParam(r, "registrationId")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		apierrors.ValidationError(w, "Некорректный идентификатор регистрации: "+raw)
		return 0, false
	}
	return id, true
}

// parseFileName разбирает {filename}. Имя не может содержать разделителей пути.
func parseFileName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := urlParam(r, "filename")
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		apierrors.ValidationError(w, "Некорректное имя файла")
		return "", false
	}
	return name, true
}

// writeStorageError переводит ошибку хранилища в HTTP-ответ.
func writeStorageError(w http.ResponseWriter, logger *slog.Logger, relativePath string, err error) {
	switch {
	case errors.Is(err, os.ErrNotExist):
		apierrors.NotFound(w, "Файл не найден: "+relativePath)
	case errors.Is(err, service.ErrInvalidPath), errors.Is(err, service.ErrInvalidRegistration):
		apierrors.ValidationError(w, err.Error())
	default:
		logger.Error("Ошибка доступа к хранилищу",
			slog.String("path", relativePath),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка хранилища")
	}
}
