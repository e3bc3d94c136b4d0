package rsql

import (
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
)

var (
	// ErrInvalidCursor occurs when a cursor is not an unsigned integer version.
	ErrInvalidCursor = errors.New("invalid cursor, only uint supported", j.C("ERR_5e07c9b3a14d862f"))
	// ErrCursorRegressed occurs when setting a cursor lower than the stored cursor.
	ErrCursorRegressed = errors.New("cursor lower than existing cursor", j.C("ERR_a6d2f81e07b94c35"))
)
