// Package migrations embeds the SQL schema history of the SQLite backends.
package migrations
