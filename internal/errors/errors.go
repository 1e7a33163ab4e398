package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Base error types
var (
	ErrIdentityResolution     = errors.New("identity resolution failed")
	ErrReconciliationTimeout  = errors.New("reconciliation timed out")
	ErrReconciliationRejected = errors.New("reconciliation rejected by remote store")
	ErrBypassExhausted        = errors.New("bypass credentials not recognised")
	ErrMalformedLocalCache    = errors.New("malformed local cache entry")
	ErrQuotaExceeded          = errors.New("monthly quota exceeded")
	ErrNotConfigured          = errors.New("not configured")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeIdentity   ErrorType = "identity_resolution"
	ErrorTypeTimeout    ErrorType = "reconciliation_timeout"
	ErrorTypeRejected   ErrorType = "reconciliation_rejected"
	ErrorTypeBypass     ErrorType = "bypass_exhaustion"
	ErrorTypeLocalCache ErrorType = "malformed_local_cache"
	ErrorTypeInternal   ErrorType = "internal"
)

// SyncError is a structured error for identity and entitlement sync operations.
type SyncError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "bootstrap", "upgrade_plan")
	IdentityID string // Identity the operation ran for, if known
	Err        error  // Underlying error
	Timestamp  time.Time
}

func (e *SyncError) Error() string {
	if e.IdentityID != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.IdentityID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *SyncError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrIdentityResolution:
		return e.Type == ErrorTypeIdentity
	case ErrReconciliationTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrReconciliationRejected:
		return e.Type == ErrorTypeRejected
	case ErrBypassExhausted:
		return e.Type == ErrorTypeBypass
	case ErrMalformedLocalCache:
		return e.Type == ErrorTypeLocalCache
	}

	return errors.Is(e.Err, target)
}

// New creates a new SyncError
func New(errorType ErrorType, op, identityID string, err error) *SyncError {
	return &SyncError{
		Type:       errorType,
		Op:         op,
		IdentityID: identityID,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// WrapIdentityError wraps a remote session lookup failure.
func WrapIdentityError(op string, err error) error {
	return New(ErrorTypeIdentity, op, "", err)
}

// WrapTimeout records a reconciliation that missed its deadline.
func WrapTimeout(op, identityID string, deadline time.Duration) error {
	return New(ErrorTypeTimeout, op, identityID, fmt.Errorf("no response within %s", deadline))
}

// WrapRejected wraps an error returned by the remote store.
func WrapRejected(op, identityID string, err error) error {
	return New(ErrorTypeRejected, op, identityID, err)
}

// WrapBypassMiss records credentials that matched no allow-list entry.
func WrapBypassMiss(email string) error {
	return New(ErrorTypeBypass, "bypass", strings.ToLower(strings.TrimSpace(email)), errors.New("no allow-list entry matched"))
}

// WrapMalformedCache wraps a local cache entry that failed to parse.
func WrapMalformedCache(key string, err error) error {
	return New(ErrorTypeLocalCache, "read_cache:"+key, "", err)
}

// TypeOf returns the SyncError type of err, or ErrorTypeInternal.
func TypeOf(err error) ErrorType {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Type
	}
	return ErrorTypeInternal
}

// Reason returns the short human wording used in notifications.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrReconciliationTimeout):
		return "timeout"
	case errors.Is(err, ErrReconciliationRejected):
		return "server error"
	default:
		return "unexpected error"
	}
}

// IsPermissionError checks whether a remote rejection looks like an access denial.
func IsPermissionError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "permission denied") ||
		strings.Contains(errMsg, "forbidden") ||
		strings.Contains(errMsg, "401") ||
		strings.Contains(errMsg, "403")
}
