// Package dispatch drains the transactional outbox into sinks.
//
// The Dispatcher claims due outbox rows, hands them to a fixed Pool of
// workers and records each outcome: delivered, retry with backoff, or dead
// letter once attempts run out. Per-stream ordering comes from the claim:
// a row is only claimable after every earlier row of its stream delivered.
package dispatch
