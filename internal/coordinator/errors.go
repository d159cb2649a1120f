package coordinator

import "fmt"

// NetworkError reports a coordinator that could not be reached or answered
// with an error status.
type NetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("coordinator %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("coordinator %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthError reports rejected or expired credentials.
type AuthError struct {
	Op     string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("coordinator %s: credentials rejected (status %d)", e.Op, e.Status)
}
