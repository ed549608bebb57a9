// Package status serves an optional HTTP endpoint with the connection
// manager's state, its outcome history and, when enabled, net/http/pprof.
package status
