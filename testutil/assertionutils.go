package testutil

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// AssertEqual asserts that the given expected and actual values are equal.
// Structs and slices are compared deeply, and a diff is printed on failure.
func AssertEqual(t *testing.T, expected interface{}, actual interface{}, msgs ...string) {
	t.Helper()

	if len(msgs) == 0 {
		msgs = []string{""}
	}

	// errors are equal if their messages are
	firstErr, firstErrOk := expected.(error)
	secondErr, secondErrOk := actual.(error)
	if firstErrOk && secondErrOk {
		AssertEqual(t, firstErr.Error(), secondErr.Error(), msgs...)
		return
	}

	switch reflect.ValueOf(expected).Kind() {
	case reflect.Struct, reflect.Slice, reflect.Map, reflect.Ptr:
		if diff := cmp.Diff(expected, actual); diff != "" {
			FatalMsgf(t, "expected values to be equal (-expected +actual):\n%s %s", diff, msgs[0])
		}
		return
	}

	if expected != actual {
		FatalMsgf(t, "Expected (%+v) is not equal to actual (%+v)! %s", expected, actual, msgs[0])
	}
}

// AssertMsg asserts that the given condition holds, failing with the given
// message if it doesn't
func AssertMsg(t *testing.T, cond bool, message string) {
	t.Helper()
	if !cond {
		FailMsgf(t, "Assertion error: %s", message)
	}
}

// AssertMsgf assert that the given condition holds, failing with the given
// format string and args if it doesn't
func AssertMsgf(t *testing.T, cond bool, format string, args ...interface{}) {
	t.Helper()
	AssertMsg(t, cond, fmt.Sprintf(format, args...))
}
