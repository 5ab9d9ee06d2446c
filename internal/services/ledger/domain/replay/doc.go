// Package replay folds a stream's events into state in revision order.
package replay
