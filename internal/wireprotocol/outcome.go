// internal/wireprotocol/outcome.go
package wireprotocol

import (
	"errors"
	"fmt"
)

// Outcome tags the result of one request/reply exchange
type Outcome int

const (
	// OutcomeSuccess means a reply arrived.
	OutcomeSuccess Outcome = iota
	// OutcomeTimeout means no reply arrived within the budget; retrying may help.
	OutcomeTimeout
	// OutcomeFatal means the link is gone or the caller gave up.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "fatal"
	}
}

var (
	ErrNotConnected  = errors.New("wireprotocol: not connected")
	ErrNoReply       = errors.New("wireprotocol: no reply")
	ErrEngineStopped = errors.New("wireprotocol: engine stopped")
)

// RequestError reports a request that produced no usable reply
type RequestError struct {
	Command uint32
	Outcome Outcome
	Err     error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("command 0x%08x %s: %v", e.Command, e.Outcome, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Is matches ErrNoReply for every timed-out request
func (e *RequestError) Is(target error) bool {
	return target == ErrNoReply && e.Outcome == OutcomeTimeout
}

// result is the tagged value a single exchange produces
type result struct {
	reply   *Packet
	outcome Outcome
	err     error
}

func (r result) asError(cmd uint32) error {
	if r.outcome == OutcomeSuccess {
		return nil
	}
	err := r.err
	if err == nil {
		err = ErrNoReply
	}
	return &RequestError{Command: cmd, Outcome: r.outcome, Err: err}
}
