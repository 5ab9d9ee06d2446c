// Package timeouts defines shared timeout constants used by the ledger runtime.
// Each I/O step of the command path and the dispatch path has its own bound so
// a slow dependency surfaces as a timeout instead of a stalled caller.
package timeouts

import "time"

// StoreRead caps aggregate reconstruction (snapshot lookup plus replay).
const StoreRead = 5 * time.Second

// StoreAppend caps the atomic append of events and outbox rows.
const StoreAppend = 5 * time.Second

// Delivery caps one projection or broadcast delivery attempt.
const Delivery = 10 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight work during graceful
// shutdown.
const Shutdown = 5 * time.Second
