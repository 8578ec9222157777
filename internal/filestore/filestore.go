// Package filestore хранит файлы под корневым каталогом по относительным ключам.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidKey возвращается для ключа, выходящего за пределы корневого каталога.
var ErrInvalidKey = errors.New("invalid storage key")

// Dir: каталог, в котором файлы адресуются ключами вида "a/b/c.ext".
type Dir struct {
	root string
}

// New создаёт хранилище с корнем root.
func New(root string) *Dir {
	return &Dir{root: root}
}

// Root возвращает корневой каталог хранилища.
func (d *Dir) Root() string {
	return d.root
}

// Path возвращает путь к файлу ключа внутри корневого каталога.
func (d *Dir) Path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == "." || clean == ".." ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(d.root, clean), nil
}

// Write записывает содержимое r под ключом. Файл появляется целиком:
// данные пишутся во временный файл, который затем переименовывается.
func (d *Dir) Write(key string, r io.Reader) error {
	dest, err := d.Path(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}

	f, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := f.Name()

	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Read возвращает содержимое файла. Для отсутствующего ключа ошибка удовлетворяет errors.Is(err, fs.ErrNotExist).
func (d *Dir) Read(key string) ([]byte, error) {
	path, err := d.Path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Remove удаляет файл ключа. Отсутствие файла ошибкой не считается.
func (d *Dir) Remove(key string) error {
	path, err := d.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}
