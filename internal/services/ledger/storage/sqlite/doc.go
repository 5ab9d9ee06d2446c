// Package sqlite is the SQLite backend of the ledger. One database holds the
// event journal together with its outbox, snapshots and reconciliation queue
// so an append and its outbox rows share a transaction. A second database,
// opened with OpenReadModel, holds the projection read model.
package sqlite
