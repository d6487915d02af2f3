package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that errors may be raised before the heap region is mapped so
// errors.New cannot be used.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface. The returned value includes the
// module prefix so errors read well when they reach the console.
func (e *Error) Error() string {
	return "[" + e.Module + "] " + e.Message
}

// Is reports whether target refers to the same kernel error. Errors are
// compared by identity; two distinct Error values with identical contents
// are still different errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t == e
}
