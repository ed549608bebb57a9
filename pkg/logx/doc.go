// Package logx is connq's logging layer: a small value-type Logger over
// zerolog. Console lines carry a short timestamp and a file:line caller,
// the optional file sink is JSON, and a Service can swap both at runtime
// when the config file is reloaded.
package logx
