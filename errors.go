package cfenc

import (
	"context"
	"errors"
	"fmt"
)

// Common errors
var (
	ErrInvalidOption      = errors.New("invalid option")
	ErrAgain              = errors.New("resource temporarily unavailable")
	ErrSlotBusy           = errors.New("frame slot still in flight")
	ErrFrameSizeMismatch  = errors.New("frame size does not match the run's frame dimensions")
	ErrUnknownFrame       = errors.New("completed frame does not occupy its slot")
	ErrFrameSequence      = errors.New("frame numbers must be consecutive from 1")
	ErrOutOfOrderSample   = errors.New("encoder returned samples out of frame order")
	ErrNoVideoStream      = errors.New("no video stream found")
	ErrEncoderUnavailable = errors.New("CineForm encoder not available")
	ErrAVUnavailable      = errors.New("libav support not compiled in")
	ErrClosed             = errors.New("closed")
)

// Stage names a phase of a run for error classification.
type Stage string

const (
	StageConfig      Stage = "config"
	StageInput       Stage = "input"
	StageOutput      Stage = "output"
	StageEncoder     Stage = "encoder"
	StagePipeline    Stage = "pipeline"
	StageInterrupted Stage = "interrupted"
)

// Exit statuses returned by the cfenc command.
const (
	ExitOK          = 0
	ExitConfig      = 1
	ExitInput       = 2
	ExitOutput      = 3
	ExitPipeline    = 4
	ExitInterrupted = 130
)

// StageError records which stage of a run failed and the operation that
// was being attempted.
type StageError struct {
	Stage Stage
	Op    string
	Err   error
}

func (e *StageError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Op, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Is matches another *StageError with the same stage.
func (e *StageError) Is(target error) bool {
	t, ok := target.(*StageError)
	if !ok {
		return false
	}
	return t.Stage == e.Stage && (t.Op == "" || t.Op == e.Op)
}

// NewStageError wraps err for stage. A nil err yields nil. Context
// cancellation is reclassified as StageInterrupted, and an err that is
// already a *StageError is returned unchanged.
func NewStageError(stage Stage, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		stage = StageInterrupted
	}
	return &StageError{Stage: stage, Op: op, Err: err}
}

// StageOf returns the stage recorded in err, or "" when none is.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch StageOf(err) {
	case StageConfig:
		return ExitConfig
	case StageInput:
		return ExitInput
	case StageOutput:
		return ExitOutput
	case StageInterrupted:
		return ExitInterrupted
	case StageEncoder, StagePipeline:
		return ExitPipeline
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.Is(err, ErrInvalidOption):
		return ExitConfig
	}
	return ExitPipeline
}
