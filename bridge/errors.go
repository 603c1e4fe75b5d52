package bridge

import (
	"errors"
	"fmt"

	"github.com/guseggert/pipebridge/pipe"
	"github.com/guseggert/pipebridge/protocol"
)

// Error kinds. Every error returned by Execute is an *Error whose Kind is one of these.
var (
	ErrInvalidCommand  = protocol.ErrInvalidCommand
	ErrTimeout         = pipe.ErrTimeout
	ErrIO              = pipe.ErrIO
	ErrInvalidResponse = protocol.ErrInvalidResponse
)

// Step names the part of an exchange that failed.
type Step string

const (
	StepValidate Step = "validate"
	StepWait     Step = "wait"
	StepListen   Step = "listen"
	StepWrite    Step = "write"
	StepRead     Step = "read"
	StepDecode   Step = "decode"
)

// Error is the outcome of a failed exchange.
type Error struct {
	Kind       error
	Step       Step
	Command    string
	ExchangeID string
	Err        error
}

func (e *Error) Error() string {
	if e.ExchangeID == "" {
		return fmt.Sprintf("%s %s: %s", e.Step, e.Command, e.Err)
	}
	return fmt.Sprintf("exchange %s: %s %s: %s", e.ExchangeID, e.Step, e.Command, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Unavailable reports whether err means the host process could not be reached, as opposed to a bad request or a bad
// response.
func Unavailable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrIO)
}

func kindOf(err error) error {
	for _, k := range []error{ErrInvalidCommand, ErrInvalidResponse, ErrTimeout, ErrIO} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrIO
}
