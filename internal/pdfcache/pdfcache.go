// Package pdfcache хранит готовые PDF книг на диске с быстрым слоем в памяти.
package pdfcache

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/mmeshcher/storybook/internal/filestore"
	"github.com/mmeshcher/storybook/internal/model"
)

// ErrNotFound возвращается, если документа с ключом нет в хранилище.
var ErrNotFound = errors.New("rendered pdf not found")

const (
	memoryTTL     = 30 * time.Minute
	memoryCleanup = 10 * time.Minute
)

// Store: хранилище отрисованных PDF.
type Store struct {
	dir    *filestore.Dir
	memory *cache.Cache
}

// New создаёт хранилище в каталоге dir.
func New(dir string) *Store {
	return &Store{
		dir:    filestore.New(dir),
		memory: cache.New(memoryTTL, memoryCleanup),
	}
}

// Key возвращает ключ документа для книги, варианта и версии содержимого.
func Key(bookID string, variant model.Variant, version int64) string {
	return fmt.Sprintf("%s/%s-v%d.pdf", bookID, variant, version)
}

// Put сохраняет документ под ключом.
func (s *Store) Put(key string, data []byte) error {
	if err := s.dir.Write(key, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("store pdf: %w", err)
	}
	s.memory.Set(key, data, cache.DefaultExpiration)
	return nil
}

// Get возвращает документ по ключу.
func (s *Store) Get(key string) ([]byte, error) {
	if v, ok := s.memory.Get(key); ok {
		return v.([]byte), nil
	}

	data, err := s.dir.Read(key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	s.memory.Set(key, data, cache.DefaultExpiration)
	return data, nil
}

// Delete удаляет документ.
func (s *Store) Delete(key string) error {
	s.memory.Delete(key)
	return s.dir.Remove(key)
}
