// Package textwrap разбивает текст на строки по ширине с учётом метрик шрифта.
package textwrap

import "strings"

// Font измеряет ширину строки в пунктах при заданном кегле.
type Font interface {
	StringWidth(s string, size float64) float64
}

// Wrap жадно укладывает слова текста в строки шириной не более maxWidth.
// Слова не разрываются; слово шире maxWidth занимает отдельную строку.
func Wrap(text string, font Font, size, maxWidth float64) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	lines := make([]string, 0, len(words)/4+1)
	current := words[0]
	for _, w := range words[1:] {
		candidate := current + " " + w
		if font.StringWidth(candidate, size) <= maxWidth {
			current = candidate
			continue
		}
		lines = append(lines, current)
		current = w
	}

	return append(lines, current)
}
