// Package postgres provides a PostgreSQL projection read model built on pgx.
package postgres
