// Package utils provides small shared helpers (errors, ids, formatting).
package utils

// Error is the shared error type behind the per-package sentinel errors.
// Sentinels compare by message, so a sentinel annotated with details still
// matches the original through errors.Is.
type Error struct {
	Msg     string
	Details string
}

func NewError(msg string) *Error {
	return &Error{Msg: msg}
}

func (e *Error) Error() string {
	if e.Details != "" {
		return e.Msg + ": " + e.Details
	}
	return e.Msg
}

// WithDetails returns a copy carrying extra context. The sentinel itself is
// never mutated.
func (e *Error) WithDetails(details string) *Error {
	return &Error{Msg: e.Msg, Details: details}
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Msg == e.Msg
}
