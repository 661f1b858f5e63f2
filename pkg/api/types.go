package api

import "time"

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Party  string `json:"party"`
}

type PromptEntry struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

type BatchEntry struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Merged    string    `json:"merged,omitempty"`
	Error     string    `json:"error,omitempty"`
	Authors   []string  `json:"authors"`
	Prompts   int       `json:"prompts"`
	CreatedAt time.Time `json:"created_at"`
}

type HistoryResponse struct {
	Prompts []PromptEntry `json:"prompts"`
	Batches []BatchEntry  `json:"batches"`
}

type RestartResponse struct {
	State string `json:"state"`
}
