package agent

import (
	"context"
	"errors"
	"net"
)

// ErrRejected is returned when the agent answered but did not confirm the call.
var ErrRejected = errors.New("rejected by monitoring agent")

// Status is the outcome class of an agent call.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusTimeout
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusTimeout:
		return "timeout"
	default:
		return "failure"
	}
}

// Result is the outcome of one agent call. Err is nil on success.
type Result struct {
	Status Status
	Err    error
}

func (r Result) OK() bool { return r.Status == StatusSuccess }

func success() Result { return Result{Status: StatusSuccess} }

// failed classifies err as a timeout or a plain failure.
func failed(err error) Result {
	if isTimeout(err) {
		return Result{Status: StatusTimeout, Err: err}
	}
	return Result{Status: StatusFailure, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
