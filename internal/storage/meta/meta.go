// Пакет meta — чтение и запись sidecar-файлов метаданных (*.meta.json).
// Каждый сохранённый файл имеет сопутствующий <файл>.meta.json.
// Sidecar создаётся один раз и не перезаписывается: temp → fsync → link.
package meta

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bigkaa/giportal/document-store/internal/domain/model"
)

// MetaSuffix — суффикс файла метаданных.
const MetaSuffix = ".meta.json"

// maxMetaFileSize — максимальный допустимый размер meta.json (4 КБ).
const maxMetaFileSize = 4096

// Entry — метаданные вместе с путём к файлу данных.
type Entry struct {
	// DataPath — путь к файлу данных
	DataPath string
	// Meta — разобранные метаданные
	Meta *model.FileMetadata
}

// FilePath возвращает путь к meta.json для данного файла данных.
// Пример: "/data/registration_5/photo_1700000000000.jpg" → "...jpg.meta.json"
func FilePath(dataFilePath string) string {
	return dataFilePath + MetaSuffix
}

// DataFilePath возвращает путь к файлу данных из пути meta.json.
func DataFilePath(metaPath string) string {
	return strings.TrimSuffix(metaPath, MetaSuffix)
}

// IsMetaFile проверяет, является ли путь файлом метаданных.
func IsMetaFile(path string) bool {
	return strings.HasSuffix(path, MetaSuffix)
}

// WriteExclusive атомарно создаёт meta.json. Если файл уже существует,
// возвращает ошибку, оборачивающую fs.ErrExist, и ничего не меняет.
// Используется для захвата имени при сохранении: параллельные записи
// с одинаковым именем не затирают друг друга.
func WriteExclusive(path string, m *model.FileMetadata) error {
	tmpPath, err := writeTemp(path, m)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	if err := os.Link(tmpPath, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("meta.json %s уже существует: %w", path, fs.ErrExist)
		}
		return fmt.Errorf("ошибка публикации meta.json %s: %w", path, err)
	}
	return nil
}

// writeTemp сериализует метаданные во временный файл рядом с path.
func writeTemp(path string, m *model.FileMetadata) (string, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("ошибка сериализации метаданных: %w", err)
	}

	if len(data) > maxMetaFileSize {
		return "", fmt.Errorf("размер meta.json (%d байт) превышает максимум (%d байт)", len(data), maxMetaFileSize)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, ".meta-*.tmp")
	if err != nil {
		return "", fmt.Errorf("ошибка создания временного файла: %w", err)
	}
	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("ошибка записи: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("ошибка fsync: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("ошибка закрытия файла: %w", err)
	}

	return tmpPath, nil
}

// Read читает и десериализует метаданные.
// Если файла нет, ошибка оборачивает fs.ErrNotExist.
func Read(path string) (*model.FileMetadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения meta.json %s: %w", path, err)
	}

	var m model.FileMetadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("ошибка десериализации meta.json %s: %w", path, err)
	}

	return &m, nil
}

// Delete удаляет meta.json. Возвращает nil, если файла уже нет.
func Delete(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка удаления meta.json %s: %w", path, err)
	}
	return nil
}

// ScanDir читает все файлы метаданных в директории (не рекурсивно).
// Невалидные meta.json пропускаются и передаются в onError (может быть nil).
// Отсутствующая директория — не ошибка, результат пустой.
func ScanDir(dir string, onError func(path string, err error)) ([]Entry, error) {
	pattern := filepath.Join(dir, "*"+MetaSuffix)
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования директории %s: %w", dir, err)
	}

	result := make([]Entry, 0, len(matches))
	for _, path := range matches {
		m, err := Read(path)
		if err != nil {
			if onError != nil {
				onError(path, err)
			}
			continue
		}
		result = append(result, Entry{DataPath: DataFilePath(path), Meta: m})
	}

	return result, nil
}
