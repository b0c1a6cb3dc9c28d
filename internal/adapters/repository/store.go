// Package repository persists checkpoint artifacts on behalf of the
// leaderboard: checkpoints are written when admitted and deleted when evicted.
package repository

import (
	"context"
	"time"
)

// Standard layout inside a run directory.
const (
	CheckpointsDir = "checkpoints"
	BestModelDir   = "best_model"
	JournalDir     = "journal"
	ManifestFile   = "checkpoint.json"
)

// Manifest describes a persisted checkpoint.
type Manifest struct {
	RunID   string    `json:"run_id"`
	Epoch   int       `json:"epoch"`
	Score   float64   `json:"score"`
	SavedAt time.Time `json:"saved_at"`
}

// Artifact is what gets written to a checkpoint location.
type Artifact struct {
	Manifest Manifest
	Files    map[string][]byte
}

// Store writes and removes checkpoint artifacts.
type Store interface {
	// Save writes the artifact under path, creating it as needed.
	Save(ctx context.Context, path string, a Artifact) error

	// Remove deletes the checkpoint at path. Missing paths are not an error.
	Remove(ctx context.Context, path string) error

	// Exists reports whether a checkpoint manifest is present at path.
	Exists(ctx context.Context, path string) bool

	// Load reads the manifest of the checkpoint at path.
	// Returns ErrNotFound if there is none.
	Load(ctx context.Context, path string) (Manifest, error)
}
