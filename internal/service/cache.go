// Пакет service — бизнес-логика Document Store.
// MetadataCache — LRU-кэш sidecar-метаданных с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/giportal/document-store/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ds_meta_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш метаданных.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ds_meta_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша метаданных.",
	})
)

// MetadataCache — LRU-кэш метаданных файлов с автоматическим TTL.
// Ключ — относительный путь файла. Sidecar после записи не меняется,
// поэтому инвалидация нужна только при удалении.
type MetadataCache struct {
	cache *expirable.LRU[string, *model.FileMetadata]
}

// NewMetadataCache создаёт LRU-кэш с указанным максимальным размером и TTL.
func NewMetadataCache(maxSize int, ttl time.Duration) *MetadataCache {
	cache := expirable.NewLRU[string, *model.FileMetadata](maxSize, nil, ttl)
	return &MetadataCache{cache: cache}
}

// Get возвращает метаданные из кэша по относительному пути.
// Обновляет Prometheus-метрики hit/miss.
func (c *MetadataCache) Get(relativePath string) (*model.FileMetadata, bool) {
	val, ok := c.cache.Get(relativePath)
	if ok {
		cacheHitsTotal.Inc()
		return val, true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// Set добавляет или обновляет запись в кэше.
func (c *MetadataCache) Set(relativePath string, m *model.FileMetadata) {
	c.cache.Add(relativePath, m)
}

// Delete удаляет запись из кэша.
func (c *MetadataCache) Delete(relativePath string) {
	c.cache.Remove(relativePath)
}

// Len возвращает текущее количество записей.
func (c *MetadataCache) Len() int {
	return c.cache.Len()
}
