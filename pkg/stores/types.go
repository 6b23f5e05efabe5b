package stores

import (
	"errors"
	"time"

	"github.com/cachegrid/cachemgmt/pkg/engine"
)

// ErrNoSnapshot is returned when no snapshot has been saved.
var ErrNoSnapshot = errors.New("no snapshot saved")

// SnapshotInfo describes a saved snapshot without its document.
type SnapshotInfo struct {
	Generation uint64    `json:"generation"`
	Version    string    `json:"version"`
	Resources  int       `json:"resources"`
	SavedAt    time.Time `json:"saved_at"`
}

// HistoryQuery filters the operation journal. Zero fields match everything.
type HistoryQuery struct {
	// Address matches records whose address equals it or lies beneath it.
	Address string

	Type  engine.OperationType
	State engine.OperationState

	// Limit caps the number of records; 0 means 100.
	Limit  int
	Offset int
}
