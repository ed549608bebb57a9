package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file, no external dependencies
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outcome records how one operation ended.
// Keep it compact and schema-stable.
type Outcome struct {
	At        time.Time `json:"at"`
	Key       int64     `json:"key"`
	RequestID string    `json:"request_id"`
	Queue     string    `json:"queue"`
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	Priority  string    `json:"priority"`
	Outcome   string    `json:"outcome"`
	Status    int       `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	Bytes     int64     `json:"bytes,omitempty"`
	WaitMS    int64     `json:"wait_ms"`
	TookMS    int64     `json:"took_ms"`
}
