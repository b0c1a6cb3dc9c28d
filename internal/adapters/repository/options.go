package repository

import "os"

// Option applies a configuration option to the FSStore.
type Option func(*FSStore)

// WithDirPerm sets the permission bits of created directories.
func WithDirPerm(perm os.FileMode) Option {
	return func(s *FSStore) {
		if perm != 0 {
			s.dirPerm = perm
		}
	}
}

// WithFilePerm sets the permission bits of written files.
func WithFilePerm(perm os.FileMode) Option {
	return func(s *FSStore) {
		if perm != 0 {
			s.filePerm = perm
		}
	}
}
