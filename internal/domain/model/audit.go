package model

import "time"

// AuditIssueType — тип проблемы, обнаруженной аудитом хранилища.
type AuditIssueType string

const (
	// IssueLegacyFile — файл данных без sidecar (считается несжатым)
	IssueLegacyFile AuditIssueType = "legacy_file"
	// IssueOrphanedMeta — sidecar без файла данных
	IssueOrphanedMeta AuditIssueType = "orphaned_meta"
	// IssueCorruptMeta — sidecar не читается или не разбирается
	IssueCorruptMeta AuditIssueType = "corrupt_meta"
	// IssueSizeMismatch — размер файла не совпадает с compressedSize
	IssueSizeMismatch AuditIssueType = "size_mismatch"
	// IssueStaleStaging — незавершённая запись, оставшаяся после сбоя
	IssueStaleStaging AuditIssueType = "stale_staging"
)

// AuditIssue — одна обнаруженная проблема.
type AuditIssue struct {
	Type        AuditIssueType `json:"type"`
	Path        string         `json:"path"`
	Description string         `json:"description"`
}

// AuditSummary — количество проблем по типам.
type AuditSummary struct {
	Ok             int `json:"ok"`
	LegacyFiles    int `json:"legacyFiles"`
	OrphanedMeta   int `json:"orphanedMeta"`
	CorruptMeta    int `json:"corruptMeta"`
	SizeMismatches int `json:"sizeMismatches"`
	StaleStaging   int `json:"staleStaging"`
	// Pending — свежие sidecar без данных: запись ещё идёт, проблемой не считаются
	Pending int `json:"pending"`
}

// AuditReport — результат одного прогона аудита.
type AuditReport struct {
	RunID         string       `json:"runId"`
	StartedAt     time.Time    `json:"startedAt"`
	CompletedAt   time.Time    `json:"completedAt"`
	Registrations int          `json:"registrations"`
	FilesChecked  int          `json:"filesChecked"`
	Synced        int          `json:"synced"`
	Pruned        int          `json:"pruned"`
	Issues        []AuditIssue `json:"issues"`
	Summary       AuditSummary `json:"summary"`
}
