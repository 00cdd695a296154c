package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// Config configures the SQLite store.
//
// Path ":memory:" opens an in-memory database (used by tests).
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// KV bucket names used by the core. Values are opaque JSON blobs owned by
// the writing component.
const (
	BucketStockAlerts = "stock_alerts"
)
