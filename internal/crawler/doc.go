// Package crawler declares the domain model shared by the polite crawler:
// frontier and visit records, the persistent store contract, fetch outcomes,
// and the URL admission rules used by the scheduler and the link extractor.
package crawler
