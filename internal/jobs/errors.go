package jobs

import "errors"

var (
	ErrNoDocuments      = errors.New("at least one document is required")
	ErrProjectNotFound  = errors.New("project not found")
	ErrDocumentNotFound = errors.New("document not found")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrInvalidStatus    = errors.New("invalid suggestion status")
)
