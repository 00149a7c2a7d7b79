package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrNoAOI is returned by stage queries when a project has no saved AOI.
	ErrNoAOI = errors.New("storage: project has no area of interest")

	// ErrNoNotifyConn is returned by the LISTEN/NOTIFY methods when New was
	// given no notify DSN.
	ErrNoNotifyConn = errors.New("storage: notify connection not configured")

	// ErrMalformedNotification is returned by WaitForEvent for a payload that
	// does not decode as a pipeline event envelope.
	ErrMalformedNotification = errors.New("storage: malformed notification")
)
