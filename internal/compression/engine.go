// Пакет compression — сжатие загружаемых документов под фиксированный
// бюджет размера. Изображения перекодируются в JPEG с понижением качества
// и размеров, остальные файлы сжимаются gzip без потерь.
// Пакет не выполняет I/O, Engine безопасен для конкурентного использования.
package compression

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// DefaultTargetSize — бюджет размера по умолчанию (70 КБ).
const DefaultTargetSize int64 = 70 * 1024

// DefaultScaleFactor — коэффициент уменьшения ширины и высоты за один шаг.
const DefaultScaleFactor = 0.8

// DefaultQualityLevels — уровни качества JPEG в порядке перебора.
var DefaultQualityLevels = []int{90, 80, 70, 60, 50, 40, 30, 20, 15, 10}

// imageExtensions — расширения, которые обрабатываются как изображения.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
	".tiff": true,
	".bmp":  true,
}

// Outcome — итог сжатия.
type Outcome string

const (
	// OutcomePassthrough — файл уже укладывается в бюджет, данные не менялись
	OutcomePassthrough Outcome = "passthrough"
	// OutcomeConverged — изображение сжато до размера не больше бюджета
	OutcomeConverged Outcome = "converged"
	// OutcomeDegraded — бюджет не достигнут, возвращён наименьший результат
	OutcomeDegraded Outcome = "degraded"
	// OutcomeUnchanged — ни одна попытка не уменьшила изображение, данные не менялись
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeGzip — файл сжат gzip без потерь
	OutcomeGzip Outcome = "gzip"
)

// Options — параметры Engine. Нулевые значения заменяются значениями по умолчанию.
type Options struct {
	// TargetSize — бюджет размера в байтах
	TargetSize int64
	// QualityLevels — уровни качества JPEG в порядке перебора
	QualityLevels []int
	// ScaleFactor — коэффициент уменьшения размеров (0 < f < 1)
	ScaleFactor float64
}

// Result — результат сжатия.
type Result struct {
	// Data — данные для записи на диск
	Data []byte
	// OriginalSize — размер исходных данных
	OriginalSize int64
	// CompressedSize — размер Data
	CompressedSize int64
	// CompressionRatio — CompressedSize / OriginalSize
	CompressionRatio float64
	// IsImage — файл классифицирован как изображение
	IsImage bool
	// Compressed — файл прошёл сжатие (всё, кроме passthrough). При
	// OutcomeUnchanged Data совпадают с исходными, CompressedSize == OriginalSize
	Compressed bool
	// Outcome — итог сжатия
	Outcome Outcome
	// Quality — качество JPEG выбранного результата (0 для не-изображений)
	Quality int
	// Width, Height — размеры выбранного JPEG
	Width  int
	Height int
	// Attempts — количество попыток кодирования
	Attempts int
}

// WithinBudget сообщает, уложился ли результат в бюджет.
func (r *Result) WithinBudget(target int64) bool {
	return r.CompressedSize <= target
}

// Engine — движок сжатия.
type Engine struct {
	targetSize    int64
	qualityLevels []int
	scaleFactor   float64
	logger        *slog.Logger
}

// New создаёт движок сжатия.
func New(opts Options, logger *slog.Logger) *Engine {
	if opts.TargetSize <= 0 {
		opts.TargetSize = DefaultTargetSize
	}
	if len(opts.QualityLevels) == 0 {
		opts.QualityLevels = DefaultQualityLevels
	}
	if opts.ScaleFactor <= 0 || opts.ScaleFactor >= 1 {
		opts.ScaleFactor = DefaultScaleFactor
	}

	levels := make([]int, len(opts.QualityLevels))
	copy(levels, opts.QualityLevels)

	return &Engine{
		targetSize:    opts.TargetSize,
		qualityLevels: levels,
		scaleFactor:   opts.ScaleFactor,
		logger:        logger.With(slog.String("component", "compression")),
	}
}

// TargetSize возвращает бюджет размера в байтах.
func (e *Engine) TargetSize() int64 {
	return e.targetSize
}

// NeedsCompression сообщает, превышает ли размер бюджет.
func (e *Engine) NeedsCompression(size int64) bool {
	return size > e.targetSize
}

// IsImage классифицирует файл по расширению и MIME-типу.
func IsImage(filename, mimeType string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	if imageExtensions[ext] {
		return true
	}
	return strings.HasPrefix(strings.ToLower(mimeType), "image/")
}

// Compress уменьшает данные к бюджету размера.
// Файлы не больше бюджета возвращаются без изменений.
// Для изображений недостижение бюджета не является ошибкой: возвращается
// наименьший полученный результат. Ошибка возможна только при gzip-сжатии.
func (e *Engine) Compress(data []byte, filename, mimeType string) (*Result, error) {
	isImage := IsImage(filename, mimeType)

	if !e.NeedsCompression(int64(len(data))) {
		return newResult(data, data, isImage, OutcomePassthrough), nil
	}

	if isImage {
		return e.compressImage(data, filename), nil
	}

	res, err := e.compressGeneric(data)
	if err != nil {
		return nil, fmt.Errorf("ошибка сжатия файла %s: %w", filename, err)
	}
	return res, nil
}

// Decompress восстанавливает данные для отдачи клиенту.
// Несжатые данные и изображения возвращаются как есть: сохранённый JPEG
// уже пригоден для просмотра. Для остальных файлов gzip распаковывается
// в точную копию исходных байтов.
func (e *Engine) Decompress(data []byte, isImage, isCompressed bool) ([]byte, error) {
	if !isCompressed || isImage {
		return data, nil
	}
	return gunzip(data)
}

// newResult формирует Result и считает коэффициент сжатия.
func newResult(original, data []byte, isImage bool, outcome Outcome) *Result {
	originalSize := int64(len(original))
	compressedSize := int64(len(data))

	ratio := 1.0
	if originalSize > 0 {
		ratio = float64(compressedSize) / float64(originalSize)
	}

	return &Result{
		Data:             data,
		OriginalSize:     originalSize,
		CompressedSize:   compressedSize,
		CompressionRatio: ratio,
		IsImage:          isImage,
		Compressed:       outcome != OutcomePassthrough,
		Outcome:          outcome,
	}
}
