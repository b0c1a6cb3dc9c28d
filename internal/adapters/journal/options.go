package journal

import "github.com/okian/maestro/pkg/logger"

// Option applies a configuration option to the Journal.
type Option func(*Journal)

// WithPath stores the journal in dir.
func WithPath(dir string) Option {
	return func(j *Journal) {
		j.path = dir
	}
}

// WithInMemory keeps the journal in memory only.
func WithInMemory(enabled bool) Option {
	return func(j *Journal) {
		j.inMemory = enabled
	}
}

// WithSyncWrites makes every append durable before returning.
func WithSyncWrites(enabled bool) Option {
	return func(j *Journal) {
		j.syncWrites = enabled
	}
}

// WithLogger sets the logger for journal and badger messages.
func WithLogger(l logger.Logger) Option {
	return func(j *Journal) {
		if l != nil {
			j.logger = l
		}
	}
}
