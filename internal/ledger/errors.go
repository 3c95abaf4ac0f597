package ledger

import "errors"

// ErrStoreUnavailable wraps transport-level failures against the backing
// store so callers can map them to a retryable server error.
var ErrStoreUnavailable = errors.New("coordination store unavailable")
