package service

import (
	"testing"
	"time"

	"github.com/bigkaa/giportal/document-store/internal/domain/model"
)

// TestMetadataCache_GetSet проверяет базовые операции Get/Set.
func TestMetadataCache_GetSet(t *testing.T) {
	cache := NewMetadataCache(100, 5*time.Minute)

	m := &model.FileMetadata{OriginalName: "photo.jpg", OriginalSize: 1024, CompressedSize: 1024, CompressionRatio: 1}

	if _, ok := cache.Get("registration_1/photo_1.jpg"); ok {
		t.Fatal("ожидался cache miss для нового ключа")
	}

	cache.Set("registration_1/photo_1.jpg", m)
	got, ok := cache.Get("registration_1/photo_1.jpg")
	if !ok {
		t.Fatal("ожидался cache hit после Set")
	}
	if got.OriginalName != "photo.jpg" {
		t.Errorf("OriginalName = %q, ожидался %q", got.OriginalName, "photo.jpg")
	}
	if cache.Len() != 1 {
		t.Errorf("Len = %d, ожидалось 1", cache.Len())
	}
}

// TestMetadataCache_Delete проверяет инвалидацию.
func TestMetadataCache_Delete(t *testing.T) {
	cache := NewMetadataCache(100, 5*time.Minute)
	cache.Set("k", &model.FileMetadata{OriginalName: "a"})

	cache.Delete("k")

	if _, ok := cache.Get("k"); ok {
		t.Fatal("ожидался cache miss после Delete")
	}
}

// TestMetadataCache_TTLExpiration проверяет автоматическое истечение TTL.
func TestMetadataCache_TTLExpiration(t *testing.T) {
	cache := NewMetadataCache(100, 50*time.Millisecond)
	cache.Set("ttl", &model.FileMetadata{OriginalName: "a"})

	if _, ok := cache.Get("ttl"); !ok {
		t.Fatal("ожидался cache hit сразу после Set")
	}

	time.Sleep(100 * time.Millisecond)

	if _, ok := cache.Get("ttl"); ok {
		t.Fatal("ожидался cache miss после истечения TTL")
	}
}

// TestMetadataCache_Eviction проверяет вытеснение при превышении maxSize.
func TestMetadataCache_Eviction(t *testing.T) {
	cache := NewMetadataCache(2, 5*time.Minute)

	cache.Set("r1", &model.FileMetadata{OriginalName: "1"})
	cache.Set("r2", &model.FileMetadata{OriginalName: "2"})
	cache.Set("r3", &model.FileMetadata{OriginalName: "3"})

	if _, ok := cache.Get("r1"); ok {
		t.Error("r1 должен быть вытеснен")
	}
	if _, ok := cache.Get("r3"); !ok {
		t.Error("ожидался cache hit для r3")
	}
}
