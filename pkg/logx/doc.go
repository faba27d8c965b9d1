// Package logx wraps zerolog behind a small value-type Logger with
// functional fields and a Service that can hot-swap sinks (console, file)
// when the config reloads.
package logx
