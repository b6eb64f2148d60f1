package correction

import "errors"

// ErrNotConfigured means the AI corrector has no endpoint or key.
var ErrNotConfigured = errors.New("correction: ai corrector not configured")
