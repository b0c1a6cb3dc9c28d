// Package leaderboard keeps the best-K checkpoints of a training run ranked
// by validation loss and decides which checkpoint is evicted when a better
// one arrives.
//
// The leaderboard never touches storage. Callers persist a checkpoint only
// when Register admits it and delete the evicted one themselves.
package leaderboard

import (
	"fmt"
	"math"
	"sort"
)

// Entry is one retained checkpoint.
type Entry struct {
	Epoch int     `json:"epoch"`
	Path  string  `json:"path"`
	Score float64 `json:"score"`
}

// Decision is the outcome of a registration.
type Decision struct {
	// Admitted reports whether the checkpoint joined the leaderboard.
	Admitted bool
	// Evicted is the entry displaced by the admission, nil when none was.
	Evicted *Entry
}

// EvictedPath returns the path of the evicted checkpoint, if any.
func (d Decision) EvictedPath() (string, bool) {
	if d.Evicted == nil {
		return "", false
	}
	return d.Evicted.Path, true
}

// Leaderboard holds at most capacity entries sorted by ascending score.
// It is not safe for concurrent mutation; a training run owns one instance.
type Leaderboard struct {
	capacity int
	entries  []Entry
}

// New creates an empty leaderboard retaining up to capacity checkpoints.
func New(capacity int) (*Leaderboard, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity %d: %w", capacity, ErrInvalidConfiguration)
	}
	return &Leaderboard{
		capacity: capacity,
		entries:  make([]Entry, 0, capacity),
	}, nil
}

// Register offers the checkpoint of an epoch to the leaderboard.
//
// Below capacity every valid checkpoint is admitted. At capacity the
// checkpoint is admitted only when its score is strictly lower than the
// current worst one, which is then evicted. Equal scores keep the entry
// registered first. On error the state is left untouched.
func (l *Leaderboard) Register(epoch int, path string, score float64) (Decision, error) {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return Decision{}, fmt.Errorf("epoch %d: non-finite score %v: %w", epoch, score, ErrInvalidInput)
	}
	if epoch < 0 {
		return Decision{}, fmt.Errorf("negative epoch %d: %w", epoch, ErrInvalidInput)
	}
	for _, e := range l.entries {
		if e.Epoch == epoch {
			return Decision{}, fmt.Errorf("epoch %d already registered: %w", epoch, ErrInvalidInput)
		}
	}

	var decision Decision
	if len(l.entries) >= l.capacity {
		worst := l.entries[len(l.entries)-1]
		if score >= worst.Score {
			return Decision{}, nil
		}
		l.entries = l.entries[:len(l.entries)-1]
		decision.Evicted = &worst
	}

	// First position holding a strictly greater score keeps ties stable.
	i := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Score > score
	})
	l.entries = append(l.entries, Entry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = Entry{Epoch: epoch, Path: path, Score: score}

	decision.Admitted = true
	return decision, nil
}

// Best returns the path of the lowest-score checkpoint.
func (l *Leaderboard) Best() (string, bool) {
	if len(l.entries) == 0 {
		return "", false
	}
	return l.entries[0].Path, true
}

// BestEntry returns the lowest-score entry.
func (l *Leaderboard) BestEntry() (Entry, bool) {
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[0], true
}

// Entries returns a copy of the retained entries, best first.
func (l *Leaderboard) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of retained entries.
func (l *Leaderboard) Len() int { return len(l.entries) }

// Capacity returns the maximum number of retained entries.
func (l *Leaderboard) Capacity() int { return l.capacity }
