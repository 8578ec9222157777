// Package imagestore сохраняет иллюстрации страниц и отдаёт их байты для отрисовки PDF.
package imagestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // регистрирует декодер JPEG для image.DecodeConfig
	_ "image/png"  // регистрирует декодер PNG для image.DecodeConfig
	"io"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/storybook/internal/filestore"
)

// PathPrefix: префикс адресов сохранённых изображений.
const PathPrefix = "/images/"

const maxImageSize = 20 << 20

// ErrNotFound возвращается, если изображения по адресу нет.
var ErrNotFound = errors.New("image not found")

// LocalStore хранит изображения в локальном каталоге.
type LocalStore struct {
	dir        *filestore.Dir
	baseURL    string
	httpClient *http.Client
}

// NewLocalStore создаёт хранилище в каталоге dir. baseURL добавляется перед
// адресами изображений и может быть пустым.
func NewLocalStore(dir, baseURL string) *LocalStore {
	return &LocalStore{
		dir:     filestore.New(dir),
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Store скачивает изображение по временному URL и сохраняет его.
// Возвращает постоянный адрес изображения.
func (s *LocalStore) Store(ctx context.Context, tempURL, bookID string, page int) (string, error) {
	data, err := s.download(ctx, tempURL)
	if err != nil {
		return "", err
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image config: %w", err)
	}

	ext := "png"
	if format == "jpeg" {
		ext = "jpg"
	}

	key := fmt.Sprintf("books/%s/page-%d-%s.%s", bookID, page, uuid.NewString(), ext)
	if err := s.dir.Write(key, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}

	return s.baseURL + PathPrefix + key, nil
}

// FetchBytes возвращает байты изображения. Сохранённые изображения читаются
// с диска, внешние адреса скачиваются.
func (s *LocalStore) FetchBytes(ctx context.Context, address string) ([]byte, error) {
	if key, ok := s.localKey(address); ok {
		data, err := s.dir.Read(key)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, filestore.ErrInvalidKey) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
			}
			return nil, err
		}
		return data, nil
	}

	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return s.download(ctx, address)
	}

	return nil, fmt.Errorf("%w: %s", ErrNotFound, address)
}

// Handler отдаёт сохранённые изображения по путям вида /images/...
func (s *LocalStore) Handler() http.Handler {
	return http.StripPrefix(strings.TrimSuffix(PathPrefix, "/"), http.FileServer(http.Dir(s.dir.Root())))
}

func (s *LocalStore) localKey(address string) (string, bool) {
	rest := address
	if s.baseURL != "" {
		rest = strings.TrimPrefix(rest, s.baseURL)
	}
	if !strings.HasPrefix(rest, PathPrefix) {
		return "", false
	}
	return strings.TrimPrefix(rest, PathPrefix), true
}

func (s *LocalStore) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if len(data) > maxImageSize {
		return nil, fmt.Errorf("image exceeds %d bytes", maxImageSize)
	}

	return data, nil
}
