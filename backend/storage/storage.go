// Package storage holds what the seat store implementations share.
package storage

import "errors"

var (
	ErrTableIsFull   = errors.New("table is full")
	ErrTableNotFound = errors.New("table is not found")
)
