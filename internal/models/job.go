package models

import (
	"encoding/json"
	"time"
)

// Job is a row of the durable queue table.
type Job struct {
	ID          int64           `json:"id"`
	UUID        string          `json:"uuid"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	ReservedAt  *time.Time      `json:"reserved_at,omitempty"`
	AvailableAt time.Time       `json:"available_at"`
	CreatedAt   time.Time       `json:"created_at"`
}
