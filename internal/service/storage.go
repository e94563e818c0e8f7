// storage.go — менеджер хранения файлов регистраций.
//
// Поток сохранения:
//  1. Сжатие (только если файл больше бюджета)
//  2. Stage: данные во временный файл директории регистрации
//  3. Захват имени: эксклюзивная запись <файл>.meta.json
//  4. Публикация данных (hard link временного файла)
//  5. Кэш метаданных и зеркало в PostgreSQL (если настроено)
//
// К моменту возврата SaveFile на диске есть и файл, и его sidecar.
// Sidecar появляется раньше данных, поэтому читатель не видит файл без метаданных.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/giportal/document-store/internal/compression"
	"github.com/bigkaa/giportal/document-store/internal/domain/model"
	"github.com/bigkaa/giportal/document-store/internal/storage/filestore"
	"github.com/bigkaa/giportal/document-store/internal/storage/meta"
)

// Ошибки менеджера хранения. Проверяются через errors.Is.
var (
	// ErrInvalidPath — относительный путь выходит за пределы хранилища.
	ErrInvalidPath = filestore.ErrInvalidPath
	// ErrInvalidRegistration — идентификатор регистрации не положительный.
	ErrInvalidRegistration = filestore.ErrInvalidRegistration
)

// Prometheus-метрики хранения и сжатия.
var (
	// storageOperationsTotal — количество операций менеджера хранения.
	storageOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ds_storage_operations_total",
		Help: "Общее количество операций с файлами",
	}, []string{"operation", "result"})

	// compressionOutcomesTotal — итоги сжатия по типу.
	compressionOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ds_compression_outcomes_total",
		Help: "Количество сжатий по итогу (passthrough, converged, degraded, unchanged, gzip)",
	}, []string{"outcome"})

	// compressionDurationSeconds — длительность сжатия.
	compressionDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ds_compression_duration_seconds",
		Help:    "Длительность сжатия файла в секундах",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"kind"})

	// storedBytesTotal — объём принятых и записанных данных.
	storedBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ds_stored_bytes_total",
		Help: "Объём данных в байтах: original — принято, stored — записано на диск",
	}, []string{"kind"})
)

// Ограничения полей sidecar: meta.json не должен превышать 4 КБ.
const (
	maxOriginalNameRunes = 255
	maxMimeTypeRunes     = 255
	maxExtRunes          = 16
)

// MetadataMirror — внешний реестр метаданных (PostgreSQL).
// Sidecar-файлы остаются источником истины, реестр — их копия.
type MetadataMirror interface {
	Upsert(ctx context.Context, f *model.StoredFile) error
	ListByRegistration(ctx context.Context, registrationID int64) ([]model.StoredFile, error)
	Delete(ctx context.Context, relativePath string) error
}

// StorageManager — сохранение, чтение и статистика файлов регистраций.
// Состояние между вызовами — только файловая система и потокобезопасный кэш.
type StorageManager struct {
	store  *filestore.FileStore
	engine *compression.Engine
	cache  *MetadataCache
	mirror MetadataMirror
	now    func() time.Time
	logger *slog.Logger
}

// NewStorageManager создаёт менеджер хранения.
// cache может быть nil — тогда метаданные всегда читаются с диска.
func NewStorageManager(
	store *filestore.FileStore,
	engine *compression.Engine,
	cache *MetadataCache,
	logger *slog.Logger,
) *StorageManager {
	return &StorageManager{
		store:  store,
		engine: engine,
		cache:  cache,
		now:    time.Now,
		logger: logger.With(slog.String("component", "storage_manager")),
	}
}

// SetMirror подключает реестр метаданных.
func (m *StorageManager) SetMirror(mirror MetadataMirror) {
	m.mirror = mirror
}

// SaveFile сжимает и сохраняет файл регистрации.
// Возвращает относительный путь (registration_<id>/<base>_<millis><ext>),
// который вызывающий код сохраняет как ссылку на файл.
func (m *StorageManager) SaveFile(
	ctx context.Context,
	registrationID int64,
	fileName string,
	data []byte,
	mimeType string,
) (*model.StorageResult, error) {
	if registrationID <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRegistration, registrationID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 1. Сжатие
	start := time.Now()
	res, err := m.engine.Compress(data, fileName, mimeType)
	if err != nil {
		storageOperationsTotal.WithLabelValues("save", "error").Inc()
		return nil, err
	}
	kind := "generic"
	if res.IsImage {
		kind = "image"
	}
	compressionDurationSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	compressionOutcomesTotal.WithLabelValues(string(res.Outcome)).Inc()

	if !res.WithinBudget(m.engine.TargetSize()) {
		m.logger.Warn("Файл сохраняется больше бюджета сжатия",
			slog.Int64("registration_id", registrationID),
			slog.String("filename", fileName),
			slog.Int64("original_size", res.OriginalSize),
			slog.Int64("compressed_size", res.CompressedSize),
			slog.Int64("target_size", m.engine.TargetSize()),
			slog.String("outcome", string(res.Outcome)),
		)
	}

	// 2. Stage
	staged, err := m.store.Stage(registrationID, res.Data)
	if err != nil {
		storageOperationsTotal.WithLabelValues("save", "error").Inc()
		return nil, fmt.Errorf("ошибка записи файла регистрации %d: %w", registrationID, err)
	}
	defer staged.Discard()

	fileName = clampRunes(fileName, maxOriginalNameRunes, true)
	mimeType = clampRunes(mimeType, maxMimeTypeRunes, false)

	metadata := &model.FileMetadata{
		OriginalName:     fileName,
		OriginalSize:     res.OriginalSize,
		CompressedSize:   res.CompressedSize,
		CompressionRatio: res.CompressionRatio,
		IsCompressed:     res.Compressed,
		IsImage:          res.IsImage,
		MimeType:         mimeType,
		UploadDate:       m.now().UTC(),
	}

	// 3-4. Захват имени через sidecar и публикация данных
	claim := func(fullPath string) error {
		return meta.WriteExclusive(meta.FilePath(fullPath), metadata)
	}
	release := func(fullPath string) {
		if err := meta.Delete(meta.FilePath(fullPath)); err != nil {
			m.logger.Error("Ошибка отката meta.json",
				slog.String("path", fullPath),
				slog.String("error", err.Error()),
			)
		}
	}

	saved, err := m.store.Publish(staged, fileName, claim, release)
	if err != nil {
		storageOperationsTotal.WithLabelValues("save", "error").Inc()
		return nil, fmt.Errorf("ошибка сохранения файла регистрации %d: %w", registrationID, err)
	}

	// 5. Кэш и реестр
	if m.cache != nil {
		m.cache.Set(saved.RelativePath, metadata)
	}
	m.mirrorFile(ctx, registrationID, saved.RelativePath, saved.FileName, metadata)

	storageOperationsTotal.WithLabelValues("save", "success").Inc()
	storedBytesTotal.WithLabelValues("original").Add(float64(res.OriginalSize))
	storedBytesTotal.WithLabelValues("stored").Add(float64(res.CompressedSize))

	m.logger.Info("Файл сохранён",
		slog.Int64("registration_id", registrationID),
		slog.String("path", saved.RelativePath),
		slog.String("filename", fileName),
		slog.String("outcome", string(res.Outcome)),
		slog.Int64("original_size", res.OriginalSize),
		slog.Int64("compressed_size", res.CompressedSize),
		slog.Float64("ratio", res.CompressionRatio),
	)

	return &model.StorageResult{
		RelativePath:     saved.RelativePath,
		OriginalName:     fileName,
		OriginalSize:     res.OriginalSize,
		CompressedSize:   res.CompressedSize,
		CompressionRatio: res.CompressionRatio,
		IsCompressed:     res.Compressed,
		IsImage:          res.IsImage,
		MimeType:         mimeType,
	}, nil
}

// mirrorFile копирует метаданные в реестр. Ошибки реестра не влияют на сохранение.
func (m *StorageManager) mirrorFile(
	ctx context.Context,
	registrationID int64,
	relativePath, fileName string,
	metadata *model.FileMetadata,
) {
	if m.mirror == nil {
		return
	}
	err := m.mirror.Upsert(ctx, &model.StoredFile{
		RelativePath:   relativePath,
		RegistrationID: registrationID,
		FileName:       fileName,
		FileMetadata:   *metadata,
	})
	if err != nil {
		m.logger.Warn("Ошибка записи метаданных в реестр",
			slog.String("path", relativePath),
			slog.String("error", err.Error()),
		)
	}
}

// ReadFile возвращает исходное содержимое файла.
// Без sidecar (или с повреждённым sidecar) файл считается несжатым
// и возвращается как есть. Отсутствие файла — ошибка, оборачивающая os.ErrNotExist.
func (m *StorageManager) ReadFile(relativePath string) ([]byte, error) {
	data, err := m.store.ReadFile(relativePath)
	if err != nil {
		storageOperationsTotal.WithLabelValues("read", "error").Inc()
		return nil, err
	}

	metadata := m.GetFileMetadata(relativePath)
	if metadata == nil || !metadata.IsCompressed {
		storageOperationsTotal.WithLabelValues("read", "success").Inc()
		return data, nil
	}

	out, err := m.engine.Decompress(data, metadata.IsImage, metadata.IsCompressed)
	if err != nil {
		storageOperationsTotal.WithLabelValues("read", "error").Inc()
		return nil, fmt.Errorf("ошибка распаковки файла %s: %w", relativePath, err)
	}

	storageOperationsTotal.WithLabelValues("read", "success").Inc()
	return out, nil
}

// GetCompressedFile возвращает данные в том виде, в каком они лежат на диске.
func (m *StorageManager) GetCompressedFile(relativePath string) ([]byte, error) {
	data, err := m.store.ReadFile(relativePath)
	if err != nil {
		storageOperationsTotal.WithLabelValues("read_raw", "error").Inc()
		return nil, err
	}
	storageOperationsTotal.WithLabelValues("read_raw", "success").Inc()
	return data, nil
}

// GetFileMetadata возвращает метаданные файла или nil, если sidecar
// отсутствует, повреждён или путь некорректен.
// Запись кэша используется, только пока sidecar есть на диске:
// после внешнего удаления sidecar файл снова считается несжатым.
func (m *StorageManager) GetFileMetadata(relativePath string) *model.FileMetadata {
	fullPath, err := m.store.FullPath(relativePath)
	if err != nil {
		return nil
	}
	metaPath := meta.FilePath(fullPath)

	if m.cache != nil {
		if cached, ok := m.cache.Get(relativePath); ok {
			if _, statErr := os.Lstat(metaPath); statErr == nil {
				return cached
			}
			m.cache.Delete(relativePath)
		}
	}

	metadata, err := meta.Read(metaPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("Повреждённый meta.json, файл считается несжатым",
				slog.String("path", relativePath),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}

	if m.cache != nil {
		m.cache.Set(relativePath, metadata)
	}
	return metadata
}

// FileExists проверяет наличие файла данных.
func (m *StorageManager) FileExists(relativePath string) bool {
	return m.store.FileExists(relativePath)
}

// GetStorageStats агрегирует sidecar-файлы директории регистрации.
// Повреждённые sidecar пропускаются с предупреждением. Sidecar без файла
// данных (незавершённая запись или осиротевший meta.json) не учитывается.
// Отсутствующая директория даёт нулевую статистику.
func (m *StorageManager) GetStorageStats(registrationID int64) (*model.StorageStats, error) {
	if registrationID <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRegistration, registrationID)
	}

	entries, err := m.scanRegistration(registrationID)
	if err != nil {
		return nil, err
	}

	stats := &model.StorageStats{}
	var ratioSum float64
	for _, e := range entries {
		stats.TotalFiles++
		stats.TotalOriginalSize += e.Meta.OriginalSize
		stats.TotalCompressedSize += e.Meta.CompressedSize
		stats.TotalSavings += e.Meta.Savings()
		ratioSum += e.Meta.CompressionRatio
	}
	if stats.TotalFiles > 0 {
		stats.AverageCompressionRatio = ratioSum / float64(stats.TotalFiles)
	}

	return stats, nil
}

// ListFiles возвращает файлы регистрации, новые первыми.
// При подключённом реестре список берётся из него, при ошибке реестра —
// из sidecar-файлов на диске.
func (m *StorageManager) ListFiles(ctx context.Context, registrationID int64) ([]model.StoredFile, error) {
	if registrationID <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRegistration, registrationID)
	}

	if m.mirror != nil {
		files, err := m.mirror.ListByRegistration(ctx, registrationID)
		if err == nil {
			return files, nil
		}
		m.logger.Warn("Ошибка чтения реестра, используется диск",
			slog.Int64("registration_id", registrationID),
			slog.String("error", err.Error()),
		)
	}

	entries, err := m.scanRegistration(registrationID)
	if err != nil {
		return nil, err
	}

	files := make([]model.StoredFile, 0, len(entries))
	for _, e := range entries {
		name := filepath.Base(e.DataPath)
		files = append(files, model.StoredFile{
			RelativePath:   filestore.RelativePath(registrationID, name),
			RegistrationID: registrationID,
			FileName:       name,
			FileMetadata:   *e.Meta,
		})
	}

	sortNewestFirst(files)
	return files, nil
}

// scanRegistration читает sidecar-файлы регистрации, у которых есть файл данных.
func (m *StorageManager) scanRegistration(registrationID int64) ([]meta.Entry, error) {
	dir := m.store.RegistrationDir(registrationID)
	entries, err := meta.ScanDir(dir, func(path string, err error) {
		m.logger.Warn("Пропуск повреждённого meta.json",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения метаданных регистрации %d: %w", registrationID, err)
	}

	// Sidecar публикуется раньше данных: без файла данных запись не учитывается
	present := entries[:0]
	for _, e := range entries {
		if _, statErr := os.Stat(e.DataPath); statErr == nil {
			present = append(present, e)
		}
	}
	return present, nil
}

// sortNewestFirst сортирует по дате загрузки (новые первыми), затем по пути.
func sortNewestFirst(files []model.StoredFile) {
	sort.Slice(files, func(i, j int) bool {
		if !files[i].UploadDate.Equal(files[j].UploadDate) {
			return files[i].UploadDate.After(files[j].UploadDate)
		}
		return strings.Compare(files[i].RelativePath, files[j].RelativePath) > 0
	})
}

// clampRunes обрезает строку до limit символов. При keepExt короткое
// расширение остаётся в конце обрезанного имени.
func clampRunes(s string, limit int, keepExt bool) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	ext := []rune(filepath.Ext(s))
	if !keepExt || len(ext) > maxExtRunes {
		return string(r[:limit])
	}
	base := r[:len(r)-len(ext)]
	return string(base[:limit-len(ext)]) + string(ext)
}
