// Пакет model — доменные модели Document Store.
// FileMetadata — единая структура метаданных файла, используется
// как in-memory представление и как формат *.meta.json на диске.
package model

import (
	"time"
)

// FileMetadata — метаданные сохранённого файла. Соответствует содержимому
// sidecar-файла <файл>.meta.json. Имена JSON-полей совместимы с sidecar-файлами,
// записанными предыдущей версией портала.
type FileMetadata struct {
	// OriginalName — имя файла при загрузке
	OriginalName string `json:"originalName"`

	// OriginalSize — размер исходного файла в байтах
	OriginalSize int64 `json:"originalSize"`

	// CompressedSize — размер данных на диске в байтах
	CompressedSize int64 `json:"compressedSize"`

	// CompressionRatio — CompressedSize / OriginalSize, 1 без сжатия
	CompressionRatio float64 `json:"compressionRatio"`

	// IsCompressed — файл прошёл сжатие; для изображения без выигрыша данные
	// остаются исходными, CompressedSize == OriginalSize
	IsCompressed bool `json:"isCompressed"`

	// IsImage — выбирает путь распаковки (изображения отдаются как есть)
	IsImage bool `json:"isImage"`

	// MimeType — MIME-тип, переданный при загрузке (справочно)
	MimeType string `json:"mimeType,omitempty"`

	// UploadDate — время записи (UTC), после сохранения не меняется
	UploadDate time.Time `json:"uploadDate"`
}

// Savings возвращает экономию места в байтах.
func (m *FileMetadata) Savings() int64 {
	return m.OriginalSize - m.CompressedSize
}

// StorageResult — результат сохранения файла.
// RelativePath — долговременная ссылка на файл, её сохраняет вызывающий код.
type StorageResult struct {
	RelativePath     string  `json:"relativePath"`
	OriginalName     string  `json:"originalName"`
	OriginalSize     int64   `json:"originalSize"`
	CompressedSize   int64   `json:"compressedSize"`
	CompressionRatio float64 `json:"compressionRatio"`
	IsCompressed     bool    `json:"isCompressed"`
	IsImage          bool    `json:"isImage"`
	MimeType         string  `json:"mimeType,omitempty"`
}

// StorageStats — агрегированная статистика хранения по одной регистрации.
type StorageStats struct {
	TotalFiles              int     `json:"totalFiles"`
	TotalOriginalSize       int64   `json:"totalOriginalSize"`
	TotalCompressedSize     int64   `json:"totalCompressedSize"`
	TotalSavings            int64   `json:"totalSavings"`
	AverageCompressionRatio float64 `json:"averageCompressionRatio"`
}

// StoredFile — файл регистрации вместе с его метаданными.
type StoredFile struct {
	// RelativePath — путь относительно корня хранилища (registration_<id>/<file>)
	RelativePath string `json:"relativePath"`
	// RegistrationID — идентификатор регистрации
	RegistrationID int64 `json:"registrationId"`
	// FileName — имя файла на диске
	FileName string `json:"fileName"`

	FileMetadata
}
