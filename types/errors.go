package types

import (
	"errors"

	"github.com/celer-network/go-sidechain/imt"
)

var (
	ErrInvalidLightTx        = errors.New("invalid light transaction")
	ErrInvalidLightTxType    = errors.New("invalid light transaction type")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrDuplicateLightTx      = errors.New("light transaction already applied")
	ErrStageAlreadyExists    = errors.New("stage already exists")
	ErrUnknownStage          = errors.New("unknown stage")
	ErrNoPendingWork         = errors.New("no pending work for stage")
	ErrUnexpectedStageHeight = errors.New("stage height is not the expected one")
	ErrAnchorMismatch        = errors.New("anchored roots do not match local stage")
	ErrHalted                = errors.New("stage advancement halted after anchor mismatch")
	ErrAnchorSourceMismatch  = errors.New("stored anchor contract differs from configured one")
	ErrBalanceOverflow       = errors.New("balance overflows 256 bits")
	ErrStageCorrupt          = errors.New("stored stage does not reproduce its roots")
	ErrMalformedBalance      = errors.New("balance longer than 32 bytes")
)

// ErrorClass tells a caller what to do about an error.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	// ClassSkip errors are benign; nothing to do this cycle.
	ClassSkip
	// ClassRetryWithDifferentInput errors will fail again for the same input.
	ClassRetryWithDifferentInput
	// ClassRetrySameCall errors are transient.
	ClassRetrySameCall
	// ClassOperatorIntervention errors mean local and anchored state diverged.
	ClassOperatorIntervention
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassSkip:
		return "skip"
	case ClassRetryWithDifferentInput:
		return "retryWithDifferentInput"
	case ClassRetrySameCall:
		return "retrySameCall"
	case ClassOperatorIntervention:
		return "operatorIntervention"
	default:
		return "unknown"
	}
}

func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrNoPendingWork):
		return ClassSkip
	case errors.Is(err, ErrAnchorMismatch),
		errors.Is(err, ErrHalted),
		errors.Is(err, ErrAnchorSourceMismatch),
		errors.Is(err, ErrBalanceOverflow),
		errors.Is(err, ErrStageCorrupt),
		errors.Is(err, ErrMalformedBalance):
		return ClassOperatorIntervention
	case errors.Is(err, ErrInvalidLightTx),
		errors.Is(err, ErrInvalidLightTxType),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrDuplicateLightTx),
		errors.Is(err, ErrStageAlreadyExists),
		errors.Is(err, ErrUnknownStage),
		errors.Is(err, ErrUnexpectedStageHeight),
		errors.Is(err, imt.ErrEmptyInput),
		errors.Is(err, imt.ErrEmptyTree),
		errors.Is(err, imt.ErrIndexOutOfRange),
		errors.Is(err, imt.ErrNotFound):
		return ClassRetryWithDifferentInput
	default:
		// conflicts, cancellation and I/O failures are transient
		return ClassRetrySameCall
	}
}
