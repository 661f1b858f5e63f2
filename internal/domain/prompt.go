package domain

import (
	"errors"
	"strings"
	"time"
)

var ErrEmptyPrompt = errors.New("prompt text is empty")

// PromptItem is one participant submission. It is never modified after
// NewPromptItem returns it.
type PromptItem struct {
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}

// NewPromptItem validates and trims a submission. Whitespace-only text is
// rejected with ErrEmptyPrompt.
func NewPromptItem(author, text string, at time.Time) (PromptItem, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return PromptItem{}, ErrEmptyPrompt
	}
	author = strings.TrimSpace(author)
	if author == "" {
		author = "user"
	}
	return PromptItem{Author: author, Text: text, Timestamp: at}, nil
}

// Authors returns the distinct authors of a batch in first-seen order.
func Authors(items []PromptItem) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.Author]; ok {
			continue
		}
		seen[item.Author] = struct{}{}
		out = append(out, item.Author)
	}
	return out
}
