// generic.go — сжатие без потерь для не-изображений.
package compression

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// compressGeneric сжимает весь буфер gzip с максимальным уровнем.
// Гарантии уложиться в бюджет нет: уже сжатые форматы (PDF, ZIP)
// могут остаться больше бюджета.
func (e *Engine) compressGeneric(data []byte) (*Result, error) {
	var buf bytes.Buffer
	buf.Grow(len(data) / 2)

	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания gzip writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, fmt.Errorf("ошибка gzip-сжатия: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("ошибка завершения gzip-потока: %w", err)
	}

	return newResult(data, buf.Bytes(), false, OutcomeGzip), nil
}

// gunzip распаковывает gzip-поток.
func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения gzip-заголовка: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("ошибка распаковки gzip: %w", err)
	}
	return out, nil
}
