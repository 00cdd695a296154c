// Package storage persists therapies, medicines, intake logs and the two
// small keyed caches the planner core owns (stock-alert state, idempotent
// operation ids) in a single SQLite file.
package storage
