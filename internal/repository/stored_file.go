package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/giportal/document-store/internal/domain/model"
)

// StoredFileRepository — реестр сохранённых файлов.
// Копия sidecar-метаданных, используется для выборок по регистрации.
type StoredFileRepository interface {
	// Upsert добавляет или обновляет запись по relative_path.
	Upsert(ctx context.Context, f *model.StoredFile) error
	// ListByRegistration возвращает файлы регистрации, новые первыми.
	ListByRegistration(ctx context.Context, registrationID int64) ([]model.StoredFile, error)
	// Delete удаляет запись. Отсутствие записи — ErrNotFound.
	Delete(ctx context.Context, relativePath string) error
}

type storedFileRepo struct {
	db DBTX
}

// NewStoredFileRepository создаёт репозиторий реестра файлов.
func NewStoredFileRepository(db DBTX) StoredFileRepository {
	return &storedFileRepo{db: db}
}

const storedFileColumns = `relative_path, registration_id, file_name, original_name,
	original_size, compressed_size, compression_ratio, is_compressed, is_image,
	mime_type, upload_date`

func (r *storedFileRepo) Upsert(ctx context.Context, f *model.StoredFile) error {
	query := `
		INSERT INTO stored_files (` + storedFileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (relative_path) DO UPDATE SET
			original_name = EXCLUDED.original_name,
			original_size = EXCLUDED.original_size,
			compressed_size = EXCLUDED.compressed_size,
			compression_ratio = EXCLUDED.compression_ratio,
			is_compressed = EXCLUDED.is_compressed,
			is_image = EXCLUDED.is_image,
			mime_type = EXCLUDED.mime_type,
			upload_date = EXCLUDED.upload_date,
			updated_at = NOW()`

	_, err := r.db.Exec(ctx, query,
		f.RelativePath, f.RegistrationID, f.FileName, f.OriginalName,
		f.OriginalSize, f.CompressedSize, f.CompressionRatio, f.IsCompressed, f.IsImage,
		f.MimeType, f.UploadDate,
	)
	if err != nil {
		return fmt.Errorf("ошибка записи файла в реестр: %w", err)
	}
	return nil
}

func (r *storedFileRepo) ListByRegistration(ctx context.Context, registrationID int64) ([]model.StoredFile, error) {
	query := `
		SELECT ` + storedFileColumns + `
		FROM stored_files
		WHERE registration_id = $1
		ORDER BY upload_date DESC, relative_path DESC`

	rows, err := r.db.Query(ctx, query, registrationID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка файлов: %w", err)
	}
	defer rows.Close()

	result := []model.StoredFile{}
	for rows.Next() {
		f, err := scanStoredFile(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения строки: %w", err)
		}
		result = append(result, *f)
	}
	return result, rows.Err()
}

func (r *storedFileRepo) Delete(ctx context.Context, relativePath string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM stored_files WHERE relative_path = $1`, relativePath)
	if err != nil {
		return fmt.Errorf("ошибка удаления файла из реестра: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanStoredFile читает одну строку в порядке storedFileColumns.
func scanStoredFile(row pgx.Row) (*model.StoredFile, error) {
	f := &model.StoredFile{}
	err := row.Scan(
		&f.RelativePath, &f.RegistrationID, &f.FileName, &f.OriginalName,
		&f.OriginalSize, &f.CompressedSize, &f.CompressionRatio, &f.IsCompressed, &f.IsImage,
		&f.MimeType, &f.UploadDate,
	)
	if err != nil {
		return nil, err
	}
	f.UploadDate = f.UploadDate.UTC()
	return f, nil
}
