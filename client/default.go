package client

import "sync"

var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// Default returns the process-wide manager, constructing it lazily on first
// call. Calling it again with a different identity closes the existing
// manager and replaces it outright; there is no multiplexing of identities
// within one process.
func Default(opts Options) *Manager {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultManager != nil && defaultManager.opts.Identity == opts.Identity {
		return defaultManager
	}
	if defaultManager != nil {
		defaultManager.Close()
	}
	defaultManager = NewManager(opts)
	return defaultManager
}
