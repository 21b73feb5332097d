package domain

import "errors"

var (
	// ErrAlreadyExists is returned when creating a feed or subscription
	// that already has a row.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotExist is returned when an operation targets a feed,
	// subscription or watermark row that is absent, or a watermark that
	// has already advanced past the requested point.
	ErrNotExist = errors.New("does not exist")

	// ErrSourceNotFound is returned by the feed client when the source
	// reports that the slug does not exist (404-equivalent).
	ErrSourceNotFound = errors.New("feed not found at source")
)
