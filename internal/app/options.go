package service

import (
	"time"

	"github.com/okian/maestro/internal/adapters/journal"
	"github.com/okian/maestro/internal/config"
	"github.com/okian/maestro/internal/domain/training"
	"github.com/okian/maestro/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithConfig sets the training configuration.
func WithConfig(cfg *config.Config) Option {
	return func(s *Service) {
		if cfg != nil {
			s.cfg = cfg
		}
	}
}

// WithFramework sets the deep learning backend driving the run.
func WithFramework(f training.Framework) Option {
	return func(s *Service) {
		if f != nil {
			s.framework = f
		}
	}
}

// WithJournal records decisions in j instead of a journal opened inside the
// run directory. The caller keeps ownership of j.
func WithJournal(j *journal.Journal) Option {
	return func(s *Service) {
		if j != nil {
			s.journal = j
			s.ownJournal = false
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source used for manifests and journal records.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}
