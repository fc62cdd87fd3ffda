package bus

import (
	"fmt"
	"strings"
)

// HandlerError describes one handler failing on one event. Panics inside a
// handler are recovered into a HandlerError as well.
type HandlerError struct {
	Handler string
	EventID string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed on event %s: %v", e.Handler, e.EventID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// DispatchError aggregates every handler failure of a publish. Sibling
// handlers always run; the error is built only after all of them finished.
// Unwrap exposes the individual failures to errors.Is/As.
type DispatchError struct {
	Errors []*HandlerError
}

func (e *DispatchError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, he := range e.Errors {
		msgs[i] = he.Error()
	}
	return fmt.Sprintf("dispatch: %d handler failure(s): %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *DispatchError) Unwrap() []error {
	errs := make([]error, len(e.Errors))
	for i, he := range e.Errors {
		errs[i] = he
	}
	return errs
}
