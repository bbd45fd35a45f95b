package repository

import "errors"

// Error taxonomy shared by all repositories. Handlers map these onto HTTP
// statuses; the ws hub maps them onto error events sent to the offending
// connection only.
var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrConflict         = errors.New("conflict")
)
