package storage

import (
	"encoding/json"
	"time"
)

// Supported database drivers
const (
	DriverSQLite  = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLite3 = "sqlite3" // mattn/go-sqlite3, cgo
	DriverMySQL   = "mysql"
)

const defaultListLimit = 100

// EventRecord is one persisted bus event
type EventRecord struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Subject   string          `json:"subject"`
	Severity  string          `json:"severity,omitempty"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	Kind    string
	Subject string
	Since   time.Time
	Until   time.Time
	Limit   int
}

// RetentionStats summarizes what the audit log currently holds
type RetentionStats struct {
	GeneratedAt time.Time        `json:"generated_at"`
	TotalEvents int64            `json:"total_events"`
	OldestEvent *time.Time       `json:"oldest_event,omitempty"`
	NewestEvent *time.Time       `json:"newest_event,omitempty"`
	ByKind      map[string]int64 `json:"by_kind"`
}
