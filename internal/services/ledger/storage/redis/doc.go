// Package redis provides a Redis-backed projection read model.
//
// Rows are hashes keyed by aggregate. Revision guards, applied-event markers
// and live counters are updated by Lua scripts so each write is atomic.
package redis
