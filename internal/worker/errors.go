package worker

import "errors"

var (
	// ErrDocumentMissing is the failure reason when neither the document file nor a backup exists.
	ErrDocumentMissing = errors.New("document not found")
	ErrJobMissing      = errors.New("job not found")
)
