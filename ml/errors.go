package ml

import (
	"errors"
	"fmt"
)

// Sentinel errors for broad classification.
var (
	ErrEmptyDataset       = errors.New("dataset is empty")
	ErrShapeMismatch      = errors.New("inputs and labels shape mismatch")
	ErrNonFiniteLoss      = errors.New("loss is not finite")
	ErrInvalidArtifact    = errors.New("invalid model artifact")
	ErrTrainingInProgress = errors.New("training in progress")
	ErrNoModel            = errors.New("model not trained")
	ErrNoSession          = errors.New("no training session")
)

// ErrorKind is a coarse-grained categorization for errors.
type ErrorKind string

const (
	KindData          ErrorKind = "data"
	KindNormalization ErrorKind = "normalization_degenerate"
	KindDivergence    ErrorKind = "training_divergence"
	KindPersistence   ErrorKind = "persistence"
	KindState         ErrorKind = "invalid_state"
)

// OpError wraps an underlying error with operation context and a kind.
type OpError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *OpError) Error() string {
	if e == nil {
		return "<nil>"
	}
	base := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Err != nil {
		base += fmt.Sprintf(": %v", e.Err)
	}
	return base
}

func (e *OpError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsKind reports whether err carries an OpError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind == kind
	}
	return false
}

func dataError(op string, err error) error {
	return &OpError{Op: op, Kind: KindData, Err: err}
}

func persistenceError(op string, err error) error {
	return &OpError{Op: op, Kind: KindPersistence, Err: err}
}

func stateError(op string, err error) error {
	return &OpError{Op: op, Kind: KindState, Err: err}
}
