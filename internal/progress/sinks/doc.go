// Package sinks implements progress consumers: structured logging,
// Prometheus collectors, and a publisher that announces saved pages.
package sinks
