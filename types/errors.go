package types

import "errors"

// Error taxonomy shared by every package. Call sites wrap these with
// fmt.Errorf("%w: ...") so callers match with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateID       = errors.New("duplicate id")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrConflictingUpdate = errors.New("conflicting update")
	ErrValidationFailed  = errors.New("validation failed")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrDivisionByZero    = errors.New("division by zero")
)

// Stable error codes exposed at the transport boundary.
const (
	CodeNotFound          = "NOT_FOUND"
	CodeDuplicateID       = "DUPLICATE_ID"
	CodeIllegalTransition = "ILLEGAL_TRANSITION"
	CodeConflictingUpdate = "CONFLICTING_UPDATE"
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeDivisionByZero    = "DIVISION_BY_ZERO"
	CodeInternal          = "INTERNAL"
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrNotFound, CodeNotFound},
	{ErrDuplicateID, CodeDuplicateID},
	{ErrIllegalTransition, CodeIllegalTransition},
	{ErrConflictingUpdate, CodeConflictingUpdate},
	{ErrValidationFailed, CodeValidationFailed},
	{ErrUnauthorized, CodeUnauthorized},
	{ErrDivisionByZero, CodeDivisionByZero},
}

// ErrorCode returns the stable code for err, or CodeInternal when err does
// not wrap a taxonomy error.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return CodeInternal
}
