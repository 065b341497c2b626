package tuntap

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigInvalid is wrapped by every validation failure.
	ErrConfigInvalid = errors.New("tuntap: invalid config")

	// ErrClosed is returned by operations on a closed device.
	ErrClosed = errors.New("tuntap: device closed")
)

// Stage names a step of the device-creation protocol.
type Stage string

const (
	StageOpenControl   Stage = "open control device"
	StageNegotiateName Stage = "negotiate name"
	StageAttachQueue   Stage = "attach queue"
	StageConfigure     Stage = "configure interface"
	StageBringUp       Stage = "bring up"
)

// CreateError reports which control-plane stage failed. By the time it
// is returned every descriptor opened during the attempt has been
// closed again.
type CreateError struct {
	Stage Stage
	Err   error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("tuntap: %s: %v", e.Stage, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

func createError(stage Stage, err error) error {
	return &CreateError{Stage: stage, Err: err}
}
