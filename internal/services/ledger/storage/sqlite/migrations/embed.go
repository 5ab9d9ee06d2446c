package migrations

import "embed"

// EventsFS holds the journal schema: events, streams, outbox, snapshots and
// reconciliation requests.
//
//go:embed events/*.sql
var EventsFS embed.FS

// ProjectionsFS holds the read model schema.
//
//go:embed projections/*.sql
var ProjectionsFS embed.FS
