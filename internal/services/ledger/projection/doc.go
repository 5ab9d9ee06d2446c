// Package projection turns journal events into read model rows.
//
// Handlers are pure: they receive the current row and the event and return
// the next row. The Applier owns lookup, the revision guard and persistence,
// so redelivered events are harmless.
package projection
