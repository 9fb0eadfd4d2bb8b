package runlog

import (
	"context"
	"time"
)

// Summary is the record of one terminated run, successful or fatal.
type Summary struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Task      string    `json:"task"`
	Outcome   string    `json:"outcome"` // completed|failed|reset
	Steps     int       `json:"steps"`
	Error     string    `json:"error,omitempty"`
	FinalURL  string    `json:"final_url,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Store persists run summaries.
type Store interface {
	SaveSummary(ctx context.Context, summary Summary) error
	RecentSummaries(ctx context.Context, limit int) ([]Summary, error)
	Close() error
}
