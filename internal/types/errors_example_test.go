package types_test

import (
	"errors"
	"fmt"

	"github.com/inflo-ai/relay/internal/types"
)

// Example demonstrates basic error creation and handling
func Example_basicError() {
	err := types.NewError(types.CONFIG_LOAD_FAILED, "failed to load configuration file")
	fmt.Println(err.Error())
	// Output: [CONFIG_LOAD_FAILED] failed to load configuration file
}

// Example demonstrates wrapping errors to preserve context
func Example_wrappedError() {
	originalErr := errors.New("no such file")
	err := types.WrapError(types.CONFIG_LOAD_FAILED, "configuration missing", originalErr)
	fmt.Println(err.Error())
	// Output: [CONFIG_LOAD_FAILED] configuration missing: no such file
}

// Example demonstrates creating retryable errors for transient failures
func Example_retryableError() {
	err := types.NewRetryableError(types.UNAVAILABLE, "tier store connection timeout")
	fmt.Printf("Error: %s\nRetryable: %v\n", err.Error(), err.Retryable)
	// Output:
	// Error: [UNAVAILABLE] tier store connection timeout
	// Retryable: true
}

// Example demonstrates error matching with errors.Is()
func Example_errorMatching() {
	err1 := types.NewError(types.NOT_FOUND, "record missing")
	err2 := types.NewError(types.NOT_FOUND, "different message")
	err3 := types.NewError(types.DB_QUERY_FAILED, "query failed")

	// Same error code matches
	fmt.Printf("err1 matches err2: %v\n", errors.Is(err1, err2))
	// Different error code doesn't match
	fmt.Printf("err1 matches err3: %v\n", errors.Is(err1, err3))
	// Output:
	// err1 matches err2: true
	// err1 matches err3: false
}

// Example demonstrates error unwrapping to access the original cause
func Example_errorUnwrapping() {
	originalErr := errors.New("disk full")
	wrappedErr := types.WrapError(types.DB_OPEN_FAILED, "cannot open database", originalErr)

	if errors.Is(wrappedErr, originalErr) {
		fmt.Println("Found original error in chain")
	}

	if unwrapped := errors.Unwrap(wrappedErr); unwrapped != nil {
		fmt.Printf("Cause: %v\n", unwrapped)
	}
	// Output:
	// Found original error in chain
	// Cause: disk full
}

// Example demonstrates using errors.As() to extract a RelayError
func Example_errorExtraction() {
	err := types.WrapError(types.OWNERSHIP_ERROR, "conversation owned elsewhere", errors.New("stale caller view"))

	var relayErr *types.RelayError
	if errors.As(err, &relayErr) {
		fmt.Printf("Code: %s\n", relayErr.Code)
		fmt.Printf("Retryable: %v\n", relayErr.Retryable)
	}
	// Output:
	// Code: OWNERSHIP_ERROR
	// Retryable: false
}
