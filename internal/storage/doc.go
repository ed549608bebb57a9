// Package storage persists the outcome history of scheduled operations so
// it survives restarts. Both drivers are append-mostly: one record per
// terminal operation.
package storage
