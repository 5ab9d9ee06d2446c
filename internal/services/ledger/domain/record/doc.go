// Package record implements the change-data-capture aggregate: a keyed entity
// whose fields are created, patched and deleted by upstream source systems.
//
// Decide is the only place business rules live. Apply is a pure fold used by
// replay, snapshots and projections alike.
package record
