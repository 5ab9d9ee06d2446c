// Package grpc holds client helpers for the ledger's gRPC health endpoint.
package grpc
