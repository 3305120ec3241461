package document

import "fmt"

// Verdict is the outcome of a user-supplied validator or authorisation hook.
// The zero value is valid.
type Verdict struct {
	invalid bool
	reason  string
}

// Valid accepts the input.
func Valid() Verdict { return Verdict{} }

// Invalid rejects the input with a reason surfaced to the caller.
func Invalid(format string, args ...any) Verdict {
	return Verdict{invalid: true, reason: fmt.Sprintf(format, args...)}
}

func (v Verdict) OK() bool       { return !v.invalid }
func (v Verdict) Reason() string { return v.reason }

// callHook runs fn and converts a panic into a CallbackError.
func callHook[T any](docTypeName, hook string, fn func() T) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			rerr, ok := r.(error)
			if !ok {
				rerr = fmt.Errorf("%v", r)
			}
			err = &CallbackError{DocTypeName: docTypeName, Hook: hook, Err: rerr}
		}
	}()
	return fn(), nil
}

// CallVerdict invokes a verdict-returning hook, recovering panics as callback defects.
func CallVerdict(docTypeName, hook string, fn func() Verdict) (Verdict, error) {
	return callHook(docTypeName, hook, fn)
}

// CallValue invokes a value-returning hook, recovering panics as callback defects.
func CallValue[T any](docTypeName, hook string, fn func() T) (T, error) {
	return callHook(docTypeName, hook, fn)
}
