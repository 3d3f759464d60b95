package remote

import "errors"

// Error taxonomy for the sync engine. Callers classify with errors.Is;
// producers wrap with fmt.Errorf("...: %w", Err...).
var (
	// ErrStorage marks a local I/O failure. Fatal to the operation,
	// never to the process.
	ErrStorage = errors.New("storage error")
	// ErrNetwork marks a transient transport failure; the offline queue
	// retries these.
	ErrNetwork = errors.New("network error")
	// ErrPermission marks a terminal rejection; surfaced immediately,
	// never retried.
	ErrPermission = errors.New("permission denied")
	// ErrConflict marks a canonical-id collision on a retried dispatch;
	// treated as success via idempotent apply.
	ErrConflict = errors.New("canonical id conflict")
	// ErrListener marks a broken subscription; handled with bounded
	// resubscription escalating to a full resync.
	ErrListener = errors.New("listener error")
)

// Transient reports whether err should be redriven by the retry
// manager. Unclassified errors are treated as transient so an ambiguous
// failure never silently drops a message; the correlation id keeps the
// retry idempotent.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermission) || errors.Is(err, ErrConflict) || errors.Is(err, ErrStorage) {
		return false
	}
	return true
}

// Terminal reports whether err must be surfaced to the caller as a
// failed message with no automatic retry.
func Terminal(err error) bool {
	return errors.Is(err, ErrPermission)
}
