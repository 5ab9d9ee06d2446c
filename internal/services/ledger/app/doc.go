// Package app assembles the ledger runtime: the journal, the command handler,
// the outbox dispatcher with its worker pool, the snapshot writer and the
// HTTP and gRPC health servers.
package app
