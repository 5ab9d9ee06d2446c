// Package backfill replays historical source records through the command
// path as synthetic create commands.
package backfill
