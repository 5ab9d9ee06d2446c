// Package snapshot decides when aggregate snapshots are taken and writes them
// off the command path.
package snapshot
