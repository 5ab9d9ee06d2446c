// Package command defines the command envelope, its validation registry and
// the pure decision values produced by aggregate deciders.
package command
