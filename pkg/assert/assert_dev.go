//go:build !release

// Package assert provides invariant checks for internal data structures. Checks panic in regular
// builds and compile to nothing with the release build tag.
package assert

import "fmt"

// That panics with the formatted message if cond is false.
func That(cond bool, format string, args ...any) { //nolint:goprintffuncname // it's ok
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
