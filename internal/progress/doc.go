// Package progress carries crawl-loop events (fetch outcomes, saved pages,
// extracted links, frontier admissions) from the worker to pluggable sinks.
// Emit never blocks; a background goroutine batches events and fans them out.
package progress
