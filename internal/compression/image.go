// image.go — сжатие изображений перебором качества JPEG и уменьшением размеров.
package compression

import (
	"bytes"
	"image"
	"image/color"
	"log/slog"
	"math"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // регистрация декодера WebP для image.Decode
)

// jpegCandidate — одна закодированная версия изображения.
type jpegCandidate struct {
	data    []byte
	quality int
	width   int
	height  int
}

// compressImage перебирает уровни качества. После каждой попытки,
// не уложившейся в бюджет, размеры уменьшаются на scaleFactor и
// изображение кодируется повторно с тем же качеством.
// Ошибки отдельных попыток логируются и не прерывают перебор.
func (e *Engine) compressImage(data []byte, filename string) *Result {
	logger := e.logger.With(slog.String("filename", filename))

	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		logger.Warn("Не удалось декодировать изображение, файл сохраняется без сжатия",
			slog.String("error", err.Error()),
		)
		return newResult(data, data, true, OutcomeUnchanged)
	}

	// JPEG не поддерживает прозрачность — подкладываем белый фон
	src = flatten(src)

	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	current := src

	var best *jpegCandidate
	attempts := 0

	try := func(img image.Image, quality int) *jpegCandidate {
		attempts++
		encoded, err := encodeJPEG(img, quality)
		if err != nil {
			logger.Warn("Ошибка кодирования JPEG, пробуем следующий уровень",
				slog.Int("quality", quality),
				slog.String("error", err.Error()),
			)
			return nil
		}
		b := img.Bounds()
		c := &jpegCandidate{data: encoded, quality: quality, width: b.Dx(), height: b.Dy()}
		if best == nil || len(c.data) < len(best.data) {
			best = c
		}
		return c
	}

	for _, quality := range e.qualityLevels {
		if c := try(current, quality); c != nil && int64(len(c.data)) <= e.targetSize {
			return e.imageResult(data, c, OutcomeConverged, attempts)
		}

		nextW := int(math.Round(float64(width) * e.scaleFactor))
		nextH := int(math.Round(float64(height) * e.scaleFactor))
		if nextW < 1 || nextH < 1 || (nextW == width && nextH == height) {
			continue
		}
		width, height = nextW, nextH
		// Масштабируем от исходного изображения, чтобы не накапливать размытие
		current = imaging.Resize(src, width, height, imaging.Lanczos)

		if c := try(current, quality); c != nil && int64(len(c.data)) <= e.targetSize {
			return e.imageResult(data, c, OutcomeConverged, attempts)
		}
	}

	if best == nil || len(best.data) >= len(data) {
		logger.Warn("Сжатие изображения не уменьшило размер, файл сохраняется без изменений",
			slog.Int("attempts", attempts),
		)
		res := newResult(data, data, true, OutcomeUnchanged)
		res.Attempts = attempts
		return res
	}

	logger.Warn("Изображение не уложилось в бюджет, сохранён наименьший результат",
		slog.Int64("target", e.targetSize),
		slog.Int("size", len(best.data)),
		slog.Int("quality", best.quality),
	)
	return e.imageResult(data, best, OutcomeDegraded, attempts)
}

// imageResult формирует Result по выбранному кандидату.
func (e *Engine) imageResult(original []byte, c *jpegCandidate, outcome Outcome, attempts int) *Result {
	res := newResult(original, c.data, true, outcome)
	res.Quality = c.quality
	res.Width = c.width
	res.Height = c.height
	res.Attempts = attempts
	return res
}

// encodeJPEG кодирует изображение в JPEG с указанным качеством.
func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	// Baseline JPEG: кодировщик image/jpeg, которым пользуется imaging, не пишет progressive
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// flatten накладывает изображение на белый фон того же размера.
func flatten(img image.Image) image.Image {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}
