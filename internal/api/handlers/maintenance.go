// maintenance.go — обработчики /maintenance/audit.
// Делегирует аудит хранилища в AuditService.
package handlers

import (
	"context"
	"net/http"

	apierrors "github.com/bigkaa/giportal/document-store/internal/api/errors"
	"github.com/bigkaa/giportal/document-store/internal/domain/model"
)

// AuditRunner — интерфейс запуска аудита.
// Позволяет тестировать handler без полного AuditService.
type AuditRunner interface {
	// RunOnce выполняет один прогон аудита.
	// Возвращает результат и флаг "уже выполняется".
	RunOnce(ctx context.Context) (*model.AuditReport, bool)
	// LastReport возвращает результат последнего аудита или nil.
	LastReport() *model.AuditReport
	// IsInProgress сообщает, выполняется ли аудит сейчас.
	IsInProgress() bool
}

// auditStatusResponse — ответ GET /maintenance/audit.
type auditStatusResponse struct {
	InProgress bool               `json:"inProgress"`
	LastReport *model.AuditReport `json:"lastReport"`
}

// MaintenanceHandler — обработчик endpoints обслуживания.
type MaintenanceHandler struct {
	auditor AuditRunner
}

// NewMaintenanceHandler создаёт обработчик maintenance endpoints.
func NewMaintenanceHandler(auditor AuditRunner) *MaintenanceHandler {
	return &MaintenanceHandler{auditor: auditor}
}

// RunAudit обрабатывает POST /maintenance/audit.
// Запускает синхронный прогон аудита и возвращает отчёт.
// Если аудит уже выполняется — 409 AUDIT_IN_PROGRESS.
func (h *MaintenanceHandler) RunAudit(w http.ResponseWriter, r *http.Request) {
	report, inProgress := h.auditor.RunOnce(r.Context())
	if inProgress {
		apierrors.AuditInProgress(w, "Аудит уже выполняется")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// LastAudit обрабатывает GET /maintenance/audit.
// Возвращает состояние аудита и последний отчёт.
// 404, если аудит не выполнялся и сейчас не идёт.
func (h *MaintenanceHandler) LastAudit(w http.ResponseWriter, _ *http.Request) {
	resp := auditStatusResponse{
		InProgress: h.auditor.IsInProgress(),
		LastReport: h.auditor.LastReport(),
	}
	if resp.LastReport == nil && !resp.InProgress {
		apierrors.NotFound(w, "Аудит ещё не выполнялся")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
