package connman

import "fmt"

// TransportError wraps a failed bus call. Failures are surfaced to the
// caller immediately; nothing in this package retries.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("connman: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
