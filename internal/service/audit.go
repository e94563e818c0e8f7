// audit.go — фоновый аудит файлового хранилища.
//
// Аудит сравнивает файлы данных с sidecar-файлами в каждой директории
// регистрации и обнаруживает:
//   - legacy_file: файл данных без meta.json (отдаётся как несжатый)
//   - orphaned_meta: meta.json без файла данных
//   - corrupt_meta: meta.json не разбирается
//   - size_mismatch: размер файла не совпадает с compressedSize
//   - stale_staging: временные файлы незавершённых записей
//
// Sidecar публикуется раньше данных, поэтому sidecar без файла моложе
// pendingSaveAge считается незавершённой записью, а не orphaned_meta.
//
// Файлы хранилища аудит только читает: ничего не удаляет и не исправляет.
// Корректные пары при подключённом реестре повторно записываются в него,
// записи реестра о файлах, которых нет на диске, удаляются.
// Запускается как горутина с периодическим тикером (DS_AUDIT_INTERVAL).
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/giportal/document-store/internal/domain/model"
	"github.com/bigkaa/giportal/document-store/internal/repository"
	"github.com/bigkaa/giportal/document-store/internal/storage/filestore"
	"github.com/bigkaa/giportal/document-store/internal/storage/meta"
)

const (
	// staleStagingAge — возраст временного файла, после которого он считается брошенным.
	staleStagingAge = time.Hour
	// pendingSaveAge — окно между публикацией sidecar и файла данных.
	pendingSaveAge = time.Minute
)

// Prometheus метрики аудита
var (
	// auditRunsTotal — количество запусков аудита.
	auditRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ds_audit_runs_total",
		Help: "Общее количество запусков аудита хранилища",
	})

	// auditIssuesTotal — количество обнаруженных проблем по типу.
	auditIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ds_audit_issues_total",
		Help: "Общее количество проблем, обнаруженных аудитом",
	}, []string{"type"})

	// auditDurationSeconds — длительность выполнения аудита.
	auditDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ds_audit_duration_seconds",
		Help:    "Длительность выполнения аудита в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// AuditService — сервис фонового аудита хранилища.
type AuditService struct {
	store    *filestore.FileStore
	mirror   MetadataMirror
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool       // аудит в процессе выполнения
	last      *model.AuditReport
	cancel    context.CancelFunc
}

// NewAuditService создаёт сервис аудита. mirror может быть nil.
func NewAuditService(
	store *filestore.FileStore,
	mirror MetadataMirror,
	interval time.Duration,
	logger *slog.Logger,
) *AuditService {
	return &AuditService{
		store:    store,
		mirror:   mirror,
		interval: interval,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "audit")),
	}
}

// Start запускает фоновую горутину аудита с периодическим тикером.
// При неположительном интервале фоновый аудит не запускается.
func (as *AuditService) Start(ctx context.Context) {
	if as.interval <= 0 {
		as.logger.Info("Фоновый аудит отключён")
		return
	}

	asCtx, cancel := context.WithCancel(ctx)
	as.cancel = cancel

	go as.run(asCtx)

	as.logger.Info("Аудит хранилища запущен",
		slog.String("interval", as.interval.String()),
	)
}

// Stop останавливает фоновый аудит.
func (as *AuditService) Stop() {
	if as.cancel != nil {
		as.cancel()
	}
	as.logger.Info("Аудит хранилища остановлен")
}

// IsInProgress возвращает true, если аудит выполняется.
func (as *AuditService) IsInProgress() bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.inProcess
}

// LastReport возвращает результат последнего завершённого аудита или nil.
func (as *AuditService) LastReport() *model.AuditReport {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.last
}

// run — основной цикл фоновой горутины.
func (as *AuditService) run(ctx context.Context) {
	ticker := time.NewTicker(as.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			as.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один прогон аудита.
// Если аудит уже выполняется, возвращает nil, true.
func (as *AuditService) RunOnce(ctx context.Context) (*model.AuditReport, bool) {
	as.mu.Lock()
	if as.inProcess {
		as.mu.Unlock()
		as.logger.Warn("Аудит уже выполняется, пропуск")
		return nil, true
	}
	as.inProcess = true
	as.mu.Unlock()

	defer func() {
		as.mu.Lock()
		as.inProcess = false
		as.mu.Unlock()
	}()

	report := &model.AuditReport{
		RunID:     uuid.New().String(),
		StartedAt: as.now().UTC(),
		Issues:    []model.AuditIssue{},
	}
	logger := as.logger.With(slog.String("run_id", report.RunID))
	logger.Info("Аудит начат")

	ids, err := as.store.ListRegistrationIDs()
	if err != nil {
		logger.Error("Ошибка чтения корня хранилища", slog.String("error", err.Error()))
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			logger.Warn("Аудит прерван", slog.String("error", ctx.Err().Error()))
			break
		}
		report.Registrations++
		as.auditRegistration(ctx, id, report, logger)
	}

	report.CompletedAt = as.now().UTC()
	duration := report.CompletedAt.Sub(report.StartedAt)

	for _, issue := range report.Issues {
		switch issue.Type {
		case model.IssueLegacyFile:
			report.Summary.LegacyFiles++
		case model.IssueOrphanedMeta:
			report.Summary.OrphanedMeta++
		case model.IssueCorruptMeta:
			report.Summary.CorruptMeta++
		case model.IssueSizeMismatch:
			report.Summary.SizeMismatches++
		case model.IssueStaleStaging:
			report.Summary.StaleStaging++
		}
		auditIssuesTotal.WithLabelValues(string(issue.Type)).Inc()
	}

	auditRunsTotal.Inc()
	auditDurationSeconds.Observe(duration.Seconds())

	logger.Info("Аудит завершён",
		slog.Int("registrations", report.Registrations),
		slog.Int("files_checked", report.FilesChecked),
		slog.Int("issues", len(report.Issues)),
		slog.Int("ok", report.Summary.Ok),
		slog.Int("synced", report.Synced),
		slog.Int("pruned", report.Pruned),
		slog.Int("pending", report.Summary.Pending),
		slog.Duration("duration", duration),
	)

	as.mu.Lock()
	as.last = report
	as.mu.Unlock()

	return report, false
}

// auditRegistration проверяет одну директорию регистрации.
func (as *AuditService) auditRegistration(
	ctx context.Context,
	registrationID int64,
	report *model.AuditReport,
	logger *slog.Logger,
) {
	dirName := filestore.RegistrationDirName(registrationID)
	dir := as.store.RegistrationDir(registrationID)

	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Error("Ошибка чтения директории регистрации",
			slog.String("dir", dirName),
			slog.String("error", err.Error()),
		)
		return
	}

	dataFiles := make(map[string]os.DirEntry)
	metaFiles := make(map[string]os.DirEntry)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		relPath := dirName + "/" + name

		// Временные файлы: staging данных и meta.json
		if strings.HasSuffix(name, ".tmp") && strings.HasPrefix(name, ".") {
			if as.olderThan(entry, staleStagingAge) {
				report.Issues = append(report.Issues, model.AuditIssue{
					Type:        model.IssueStaleStaging,
					Path:        relPath,
					Description: "Временный файл незавершённой записи",
				})
			}
			continue
		}
		if strings.HasPrefix(name, ".") {
			continue
		}

		if meta.IsMetaFile(name) {
			metaFiles[name] = entry
		} else {
			dataFiles[name] = entry
		}
	}

	// 1. Файл данных без meta.json
	for name := range dataFiles {
		report.FilesChecked++
		if _, ok := metaFiles[name+meta.MetaSuffix]; !ok {
			report.Issues = append(report.Issues, model.AuditIssue{
				Type:        model.IssueLegacyFile,
				Path:        dirName + "/" + name,
				Description: "Файл без meta.json, отдаётся как несжатый",
			})
		}
	}

	// 2. meta.json: наличие данных, разбор, размер
	for metaName, metaEntry := range metaFiles {
		dataName := meta.DataFilePath(metaName)
		relPath := dirName + "/" + dataName

		entry, hasData := dataFiles[dataName]
		if !hasData {
			if !as.olderThan(metaEntry, pendingSaveAge) {
				report.Summary.Pending++
				continue
			}
			report.Issues = append(report.Issues, model.AuditIssue{
				Type:        model.IssueOrphanedMeta,
				Path:        relPath + meta.MetaSuffix,
				Description: "meta.json без файла данных",
			})
			continue
		}

		m, err := meta.Read(filepath.Join(dir, metaName))
		if err != nil {
			report.Issues = append(report.Issues, model.AuditIssue{
				Type:        model.IssueCorruptMeta,
				Path:        relPath + meta.MetaSuffix,
				Description: fmt.Sprintf("meta.json не разбирается: %v", err),
			})
			continue
		}

		info, err := entry.Info()
		if err != nil {
			logger.Warn("Ошибка получения размера файла",
				slog.String("path", relPath),
				slog.String("error", err.Error()),
			)
			continue
		}
		if info.Size() != m.CompressedSize {
			report.Issues = append(report.Issues, model.AuditIssue{
				Type:        model.IssueSizeMismatch,
				Path:        relPath,
				Description: fmt.Sprintf("Размер на диске %d, в meta.json %d", info.Size(), m.CompressedSize),
			})
			continue
		}

		report.Summary.Ok++
		as.sync(ctx, registrationID, relPath, dataName, m, report, logger)
	}

	as.prune(ctx, registrationID, dataFiles, report, logger)
}

// sync повторно записывает корректную пару в реестр.
func (as *AuditService) sync(
	ctx context.Context,
	registrationID int64,
	relPath, fileName string,
	m *model.FileMetadata,
	report *model.AuditReport,
	logger *slog.Logger,
) {
	if as.mirror == nil {
		return
	}
	err := as.mirror.Upsert(ctx, &model.StoredFile{
		RelativePath:   relPath,
		RegistrationID: registrationID,
		FileName:       fileName,
		FileMetadata:   *m,
	})
	if err != nil {
		logger.Warn("Ошибка синхронизации с реестром",
			slog.String("path", relPath),
			slog.String("error", err.Error()),
		)
		return
	}
	report.Synced++
}

// prune удаляет из реестра записи о файлах, которых нет на диске.
// Записи моложе pendingSaveAge не трогаются: файл мог появиться после чтения директории.
func (as *AuditService) prune(
	ctx context.Context,
	registrationID int64,
	dataFiles map[string]os.DirEntry,
	report *model.AuditReport,
	logger *slog.Logger,
) {
	if as.mirror == nil {
		return
	}
	rows, err := as.mirror.ListByRegistration(ctx, registrationID)
	if err != nil {
		logger.Warn("Ошибка чтения реестра",
			slog.Int64("registration_id", registrationID),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, row := range rows {
		if _, ok := dataFiles[row.FileName]; ok || as.now().Sub(row.UploadDate) < pendingSaveAge {
			continue
		}
		err := as.mirror.Delete(ctx, row.RelativePath)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			logger.Warn("Ошибка удаления записи реестра",
				slog.String("path", row.RelativePath),
				slog.String("error", err.Error()),
			)
			continue
		}
		report.Pruned++
	}
}

// olderThan проверяет, что файл не изменялся дольше age.
func (as *AuditService) olderThan(entry os.DirEntry, age time.Duration) bool {
	info, err := entry.Info()
	if err != nil {
		return false
	}
	return as.now().Sub(info.ModTime()) > age
}
