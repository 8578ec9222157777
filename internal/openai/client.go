// Package openai предоставляет клиент генерации текста и иллюстраций книги.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/storybook/internal/model"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultTextModel  = "gpt-4o-mini"
	defaultImageModel = "dall-e-3"
	imageSize         = "1024x1024"
)

// ErrNotConfigured возвращается, если у клиента нет ключа API.
var ErrNotConfigured = errors.New("generation client not configured")

// StatusError описывает неуспешный ответ API.
type StatusError struct {
	Code       int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("unexpected status: %d (retry after %s)", e.Code, e.RetryAfter)
	}
	return fmt.Sprintf("unexpected status: %d", e.Code)
}

// Client инкапсулирует HTTP-взаимодействие с API генерации.
type Client struct {
	baseURL    string
	apiKey     string
	textModel  string
	imageModel string
	httpClient *http.Client
}

// NewClient создаёт клиент API генерации. Пустой baseURL означает публичный API.
func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		textModel:  defaultTextModel,
		imageModel: defaultImageModel,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat map[string]any `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size"`
}

type imageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

// GenerateNarrative запрашивает заголовок и тексты страниц книги.
// Ответ с другим числом страниц или пустой страницей считается ошибкой.
func (c *Client) GenerateNarrative(ctx context.Context, req model.NarrativeRequest) (*model.Narrative, error) {
	pages := req.Pages
	if pages <= 0 {
		pages = model.PageCount
	}

	body := chatRequest{
		Model: c.textModel,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(pages)},
			{Role: "user", Content: userPrompt(req)},
		},
		ResponseFormat: map[string]any{"type": "json_object"},
	}

	var resp chatResponse
	if err := c.post(ctx, "/chat/completions", body, &resp); err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("empty completion")
	}

	var n model.Narrative
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &n); err != nil {
		return nil, fmt.Errorf("decode narrative: %w", err)
	}

	if len(n.Pages) != pages {
		return nil, fmt.Errorf("narrative has %d pages, want %d", len(n.Pages), pages)
	}
	for i, p := range n.Pages {
		if strings.TrimSpace(p.Text) == "" {
			return nil, fmt.Errorf("narrative page %d is empty", i+1)
		}
	}
	n.Title = strings.TrimSpace(n.Title)

	return &n, nil
}

// GenerateIllustration запрашивает иллюстрацию и возвращает её временный URL.
func (c *Client) GenerateIllustration(ctx context.Context, prompt string) (string, error) {
	body := imageRequest{
		Model:  c.imageModel,
		Prompt: prompt,
		N:      1,
		Size:   imageSize,
	}

	var resp imageResponse
	if err := c.post(ctx, "/images/generations", body, &resp); err != nil {
		return "", err
	}

	if len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", errors.New("empty image response")
	}

	return resp.Data[0].URL, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	if c == nil || c.apiKey == "" {
		return ErrNotConfigured
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := &StatusError{Code: resp.StatusCode}
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				statusErr.RetryAfter = time.Duration(seconds) * time.Second
			}
		}
		return statusErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func systemPrompt(pages int) string {
	return fmt.Sprintf(`You write personalized illustrated children's books.
Reply with a JSON object {"title": string, "pages": [{"text": string, "image_prompt": string}]}
containing exactly %d pages. The first page is the cover: its text is a one-sentence teaser.
Every other page has two to four short sentences suitable for reading aloud.
Each image_prompt describes one illustration in a consistent watercolor style and
repeats the main character's appearance.`, pages)
}

func userPrompt(req model.NarrativeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Main character: %s.\nTheme: %s.", req.ProtagonistName, req.Theme)
	if req.CharacterDescription != nil && *req.CharacterDescription != "" {
		fmt.Fprintf(&b, "\nAppearance: %s.", *req.CharacterDescription)
	}
	return b.String()
}
