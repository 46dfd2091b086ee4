package engine

import "fmt"

// ErrorKind classifies engine operation failures.
type ErrorKind string

const (
	// KindUnauthorized means the caller lacks rights to mutate state.
	KindUnauthorized ErrorKind = "unauthorized"
	// KindTokenCanisterError means the external ledger rejected or failed a call.
	KindTokenCanisterError ErrorKind = "token_canister_error"
	// KindEmptyAllocationList means a mutating operation was given no data.
	KindEmptyAllocationList ErrorKind = "empty_allocation_list"
	// KindConfigurationError means the ledger identity is not set.
	KindConfigurationError ErrorKind = "configuration_error"
	// KindUnknown covers indeterminate failures, including a partially
	// interrupted distribution sweep.
	KindUnknown ErrorKind = "unknown"
)

// Error is an engine operation failure with a classified kind.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Is matches any *Error of the same kind, so callers can errors.Is against
// the kind sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Kind sentinels for errors.Is matching.
var (
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrTokenCanister       = &Error{Kind: KindTokenCanisterError}
	ErrEmptyAllocationList = &Error{Kind: KindEmptyAllocationList}
	ErrConfiguration       = &Error{Kind: KindConfigurationError}
	ErrUnknown             = &Error{Kind: KindUnknown}
)

func errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
