package broadcast

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidPSBT marks a PSBT that cannot be finalized, extracted or
	// verified.
	ErrInvalidPSBT = errors.New("invalid PSBT")
	// ErrInvalidTx marks input that is neither a PSBT nor a decodable raw
	// transaction.
	ErrInvalidTx = errors.New("invalid transaction")
	// ErrAllEndpointsFailed is matched by *Error.
	ErrAllEndpointsFailed = errors.New("all broadcast endpoints failed")
	// ErrNoEndpoints is returned when no relay is configured.
	ErrNoEndpoints = errors.New("no broadcast endpoints configured")
)

// ValidationError is returned before any relay is contacted. Retrying the
// same input will not help.
type ValidationError struct {
	// Kind is ErrInvalidPSBT or ErrInvalidTx.
	Kind error
	// Input is the failing input index, or -1.
	Input int
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Input >= 0 {
		return fmt.Sprintf("%v: input %d: %v", e.Kind, e.Input, e.Err)
	}
	return fmt.Sprintf("%v: %v", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() []error { return []error{e.Kind, e.Err} }

func invalidPSBT(input int, err error) error {
	return &ValidationError{Kind: ErrInvalidPSBT, Input: input, Err: err}
}

func invalidTx(err error) error {
	return &ValidationError{Kind: ErrInvalidTx, Input: -1, Err: err}
}

// EndpointError is one failed relay attempt.
type EndpointError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *EndpointError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
}

func (e *EndpointError) Unwrap() error { return e.Err }

// Error is returned when every endpoint rejected the transaction.
type Error struct {
	Attempts []*EndpointError
}

// Last returns the final attempt's error.
func (e *Error) Last() *EndpointError {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1]
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v after %d attempts", ErrAllEndpointsFailed, len(e.Attempts))
	if last := e.Last(); last != nil {
		fmt.Fprintf(&b, ", last: %v", last)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := []error{ErrAllEndpointsFailed}
	if last := e.Last(); last != nil {
		errs = append(errs, last)
	}
	return errs
}
