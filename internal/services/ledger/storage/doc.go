// Package storage declares the persistence contracts of the ledger: the event
// journal, snapshots, the transactional outbox and the reconciliation queue.
//
// Backends live in subpackages. Callers depend on these interfaces so the
// engine and dispatcher can run against any of them.
package storage
