// Package httpapi exposes command intake, stream reads and outbox operations
// over HTTP.
package httpapi
