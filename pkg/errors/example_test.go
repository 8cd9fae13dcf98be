// Package errors provides examples of structured error handling in propdb.
package errors_test

import (
	"fmt"
	"io"

	"github.com/ajitpratap0/propdb/pkg/errors"
)

// Example demonstrates basic error creation and details.
func Example() {
	err := errors.New(errors.ErrorTypeDecode, "offsets must be non-decreasing").
		WithDetail("input", "offsets").
		WithDetail("index", 42)

	fmt.Println(err.Error())

	// Output:
	// decode: offsets must be non-decreasing
}

// ExampleWrap shows how to wrap existing errors with context.
func ExampleWrap() {
	err := errors.Wrap(io.ErrUnexpectedEOF, errors.ErrorTypeDecode, "truncated array").
		WithDetail("input", "avs")

	if errors.IsType(err, errors.ErrorTypeDecode) {
		fmt.Println("This is a decode error")
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		fmt.Println("Caused by unexpected EOF")
	}

	// Output:
	// This is a decode error
	// Caused by unexpected EOF
}

// ExampleVerbatim shows how an engine error keeps its original text.
func ExampleVerbatim() {
	engineErr := fmt.Errorf(`near "SELEC": syntax error`)
	err := errors.Verbatim(engineErr, errors.ErrorTypeQuery)

	fmt.Println(err.Error())
	fmt.Println(errors.IsType(err, errors.ErrorTypeQuery))

	// Output:
	// near "SELEC": syntax error
	// true
}

// ExampleHasType demonstrates searching a chain of wrapped errors.
func ExampleHasType() {
	cause := errors.New(errors.ErrorTypeFetch, "object not found")
	err := errors.Wrap(cause, errors.ErrorTypePrecondition, "missing input objects_ids.json.gz")

	fmt.Printf("outer is precondition: %v\n", errors.IsType(err, errors.ErrorTypePrecondition))
	fmt.Printf("outer is fetch: %v\n", errors.IsType(err, errors.ErrorTypeFetch))
	fmt.Printf("chain has fetch: %v\n", errors.HasType(err, errors.ErrorTypeFetch))
	fmt.Printf("type of plain error: %v\n", errors.TypeOf(io.EOF))

	// Output:
	// outer is precondition: true
	// outer is fetch: false
	// chain has fetch: true
	// type of plain error: internal
}
