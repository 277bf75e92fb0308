package hashaudit

import "errors"

var (
	// ErrInvalidFilter marks caller input the engine cannot run.
	ErrInvalidFilter = errors.New("invalid filter")
	// ErrNotFound is returned when the requested resource or chain record is absent.
	ErrNotFound = errors.New("not found")
)
