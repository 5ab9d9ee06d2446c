// Package event defines the immutable event envelope persisted by the ledger,
// the stream addressing that groups events per aggregate, and the canonical
// hashing used by the journal integrity chain.
package event
