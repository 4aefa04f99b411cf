package wireguard

import (
	"errors"
	"fmt"
)

var (
	ErrKeyGeneration = errors.New("key generation failed")
	ErrRegistration  = errors.New("daemon registration failed")
	ErrInvalidKey    = errors.New("invalid wireguard key")
)

// DaemonError is a rejected add/remove call with the daemon's diagnostic.
type DaemonError struct {
	Op     string
	Output string
	Err    error
}

func (e *DaemonError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: %s: %v", ErrRegistration, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v: %s", ErrRegistration, e.Op, e.Err, e.Output)
}

func (e *DaemonError) Unwrap() []error {
	return []error{ErrRegistration, e.Err}
}

func daemonError(op string, err error) error {
	de := &DaemonError{Op: op, Err: err}
	var ce *CommandError
	if errors.As(err, &ce) {
		de.Output = ce.Output
	}
	return de
}
