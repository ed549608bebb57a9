package connmgr

import "sync/atomic"

var defaultManager atomic.Pointer[Manager]

// SetDefault installs m as the process-wide manager and returns the previous
// one. Passing nil clears it. The caller that installs a manager owns its
// Close; SetDefault never closes anything.
func SetDefault(m *Manager) *Manager {
	return defaultManager.Swap(m)
}

// Default returns the process-wide manager, or nil if none was installed.
func Default() *Manager {
	return defaultManager.Load()
}
