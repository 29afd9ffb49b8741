//go:build debug

// Package check holds invariant assertions that only fire in debug builds.
package check

import "fmt"

// Assert panics if cond is false.
func Assert(cond bool, msg string) {
	if !cond {
		panic("trustmesh: assertion failed: " + msg)
	}
}

// Assertf panics with a formatted message if cond is false.
func Assertf(cond bool, format string, args ...any) {
	if !cond {
		panic("trustmesh: assertion failed: " + fmt.Sprintf(format, args...))
	}
}
