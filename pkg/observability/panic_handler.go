package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with structured logging
//
// Usage in defer statements:
//
//	func riskyOperation() {
//	    defer observability.RecoverPanic(logger, "risky operation")
//	    // ... code that might panic
//	}
//
// After logging, the panic is NOT re-raised. Integrity panics raised by the delivery
// engine (an empty signing secret, a record without a URL) are still visible in the log
// with their stack, but only the goroutine that hit them stops.
func RecoverPanic(logger *Logger, context string) {
	if r := recover(); r != nil {
		logger.WithField("panic", fmt.Sprint(r)).
			WithField("stack", string(debug.Stack())).
			WithField("context", context).
			Error("PANIC recovered")
	}
}

// MustRecover converts a recovered value to an error; nil stays nil
func MustRecover(r interface{}) error {
	if r != nil {
		return fmt.Errorf("panic: %v", r)
	}
	return nil
}
