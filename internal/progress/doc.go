// Package progress carries audit lifecycle events from the runner, crawler,
// and watchdog to pluggable sinks. Emit never blocks; a background goroutine
// batches events and fans them out.
package progress
