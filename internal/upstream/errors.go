package upstream

import (
	"errors"
	"fmt"
	"time"

	"github.com/stridemirror/stridemirror/internal/core"
)

// QuotaError reports that the upstream itself rejected the call for
// rate-limit reasons. It is expected during normal operation and is
// never treated as a failure: callers defer the work and retry once
// RetryAfter has elapsed.
type QuotaError struct {
	RetryAfter time.Duration
	Quota      *core.UpstreamQuota
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("upstream quota exceeded, retry in %s", e.RetryAfter)
}

// TransientError covers network failures and upstream 5xx responses.
// Work units hitting these are retried up to a bounded number of times.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient upstream failure: %v", e.Err)
	}
	return fmt.Sprintf("transient upstream failure: status %d", e.StatusCode)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError covers non-quota 4xx responses. The affected work unit
// is failed immediately without retry.
type PermanentError struct {
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent upstream failure: status %d: %s", e.StatusCode, e.Message)
}

// IsQuotaExceeded reports whether err is an upstream quota rejection.
func IsQuotaExceeded(err error) bool {
	var quotaErr *QuotaError
	return errors.As(err, &quotaErr)
}

// AsQuotaError extracts the quota rejection details when present.
func AsQuotaError(err error) (*QuotaError, bool) {
	var quotaErr *QuotaError
	if errors.As(err, &quotaErr) {
		return quotaErr, true
	}
	return nil, false
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var transientErr *TransientError
	return errors.As(err, &transientErr)
}

// IsPermanent reports whether err is terminal for its work unit.
func IsPermanent(err error) bool {
	var permanentErr *PermanentError
	return errors.As(err, &permanentErr)
}
