// Package kerr defines the boot-time error type used by packages that may
// run before the kernel heap is available (internal/boot, internal/acpi,
// internal/mem/pfa's early setup). Grounded on gopher-os's kernel.Error:
// a plain struct rather than errors.New, since the errors package's
// formatting helpers are not guaranteed allocation-free this early.
package kerr

// Error describes a boot-time failure. All such errors are created as
// package-level *Error values or returned fresh from a constructor —
// never built through errors.New/fmt.Errorf during early boot.
type Error struct {
	// Module names the package where the error originated.
	Module string
	// Message is the human-readable description.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Module + ": " + e.Message
}

// New constructs an Error for the named module.
func New(module, message string) *Error {
	return &Error{Module: module, Message: message}
}
