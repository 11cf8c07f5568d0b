package model

import "errors"

var (
	// ErrNotFound means a referenced test, variant, session, run, question,
	// student or group does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput means malformed user input or definition data.
	ErrInvalidInput = errors.New("invalid input")
	// ErrStateConflict means the action does not fit the current session
	// state, e.g. answering a finished session or starting a second one.
	ErrStateConflict = errors.New("state conflict")
)
