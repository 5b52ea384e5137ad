// Package failure defines the tagged error kinds raised by the submission
// pipeline. Each kind belongs to one stage and is either fatal for the whole
// run or recoverable by skipping the unit of work that raised it.
package failure

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a pipeline failure
type Kind string

const (
	// Schema stage
	SchemaUnavailable Kind = "SchemaUnavailable"
	UnknownDataset    Kind = "UnknownDataset"
	NoDataElements    Kind = "NoDataElements"
	AmbiguousLabel    Kind = "AmbiguousLabel"

	// Extraction stage
	SourceUnreadable Kind = "SourceUnreadable"
	InvalidCellValue Kind = "InvalidCellValue"

	// Builder stage
	DuplicateDataValue  Kind = "DuplicateDataValue"
	InvalidPeriodFormat Kind = "InvalidPeriodFormat"
	MissingIdentifier   Kind = "MissingIdentifier"

	// Submission stage
	TransportError  Kind = "TransportError"
	AuthError       Kind = "AuthError"
	RejectedPayload Kind = "RejectedPayload"
)

// Stage names the pipeline stage a kind belongs to
type Stage string

const (
	StageSchema     Stage = "schema"
	StageExtraction Stage = "extraction"
	StageBuilder    Stage = "builder"
	StageSubmission Stage = "submission"
)

// Stage returns the pipeline stage that raises this kind
func (k Kind) Stage() Stage {
	switch k {
	case SchemaUnavailable, UnknownDataset, NoDataElements, AmbiguousLabel:
		return StageSchema
	case SourceUnreadable, InvalidCellValue:
		return StageExtraction
	case DuplicateDataValue, InvalidPeriodFormat, MissingIdentifier:
		return StageBuilder
	default:
		return StageSubmission
	}
}

// Fatal reports whether a failure of this kind aborts the whole run.
// InvalidCellValue skips one cell; submission kinds skip one record.
func (k Kind) Fatal() bool {
	switch k {
	case InvalidCellValue, TransportError, AuthError, RejectedPayload:
		return false
	default:
		return true
	}
}

// Error is a pipeline failure carrying its kind and the identifying context
// (dataset id, column label, record index, field name) needed to diagnose it.
type Error struct {
	Kind    Kind
	Context string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Context != "" {
		msg += ": " + e.Context
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a failure of the given kind wrapping err
func New(kind Kind, context string, err error) *Error {
	return &Error{Kind: kind, Context: context, Err: err}
}

// Newf creates a failure of the given kind with a formatted cause
func Newf(kind Kind, context string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Context: context, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
