// Package errors provides examples of structured error handling in datapm.
package errors_test

import (
	"fmt"
	"io"

	"github.com/big-armor/datapm-sub007/pkg/errors"
)

// Example demonstrates basic error creation and details.
func Example() {
	err := errors.New(errors.ErrorTypeConnection, "failed to connect to sink").
		WithDetail("host", "localhost").
		WithDetail("port", 5432)

	fmt.Println(err.Error())

	// Output:
	// connection: failed to connect to sink
}

// ExampleWrap shows how a writer failure is wrapped before it reaches the run result.
func ExampleWrap() {
	err := errors.Wrap(io.ErrUnexpectedEOF, errors.ErrorTypeWrite, "failed to flush record group").
		WithDetail("schema", "orders")

	if errors.IsType(err, errors.ErrorTypeWrite) {
		fmt.Println("write error")
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		fmt.Println("caused by unexpected EOF")
	}

	// Output:
	// write error
	// caused by unexpected EOF
}

// ExampleHasType shows how a commit failure is found below an outer wrap.
func ExampleHasType() {
	commitErr := errors.New(errors.ErrorTypeCommit, "state persist failed")
	runErr := errors.Wrap(commitErr, errors.ErrorTypeInternal, "fetch failed")

	fmt.Println(errors.IsType(runErr, errors.ErrorTypeCommit))
	fmt.Println(errors.HasType(runErr, errors.ErrorTypeCommit))

	// Output:
	// false
	// true
}

// ExampleIsRetryable shows how to check if an error is retryable.
func ExampleIsRetryable() {
	connErr := errors.New(errors.ErrorTypeConnection, "broker unreachable")
	cfgErr := errors.New(errors.ErrorTypeConfig, "bucket is required")

	fmt.Println(errors.IsRetryable(connErr))
	fmt.Println(errors.IsRetryable(cfgErr))

	// Output:
	// true
	// false
}
