// Package engine runs commands against the record aggregate.
//
// A command moves through validation, aggregate reconstruction, the pure
// decider, the lifecycle ordering guard and an atomic append. Concurrency
// conflicts reload and retry with exponential backoff; every other failure
// is definite, except a deadline hit during append which is reported as an
// unknown outcome.
package engine
