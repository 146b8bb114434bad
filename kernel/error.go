package kernel

// Error describes a kernel error. Errors are declared as package-level
// pointers to Error so that they can be returned from code running before
// any general purpose allocator is available (errors.New would allocate).
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the error in "[module] message" form as used by the kernel
// log.
func (e *Error) String() string {
	return "[" + e.Module + "] " + e.Message
}
