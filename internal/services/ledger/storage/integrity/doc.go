// Package integrity signs and verifies the journal's per-stream hash chain.
//
// Each stored event carries a content hash, the chain hash of its predecessor
// and an HMAC over its own chain hash keyed per stream, so reordering, edits
// and forged appends are all detectable by VerifyIntegrity.
package integrity
