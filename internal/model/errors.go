package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind categorizes failures surfaced by the snapshot exchange core.
type ErrorKind string

const (
	// KindInvalidIdentityInput indicates an authority id or type tag that
	// cannot be embedded in an identifier, or empty canonical content.
	KindInvalidIdentityInput ErrorKind = "INVALID_IDENTITY_INPUT"

	// KindUnknownSchema indicates no schema exists for the record's
	// type and schema version.
	KindUnknownSchema ErrorKind = "UNKNOWN_SCHEMA"

	// KindUnknownEdgeType indicates an edge type outside the fixed vocabulary.
	KindUnknownEdgeType ErrorKind = "UNKNOWN_EDGE_TYPE"

	// KindSchemaViolation indicates one or more (field, reason) violations.
	KindSchemaViolation ErrorKind = "SCHEMA_VIOLATION"

	// KindChecksumMismatch indicates a snapshot file whose digest differs
	// from the manifest.
	KindChecksumMismatch ErrorKind = "CHECKSUM_MISMATCH"

	// KindSignatureRequiredButUnverifiable indicates the trust policy
	// demands a signature check that no configured verifier can perform.
	KindSignatureRequiredButUnverifiable ErrorKind = "SIGNATURE_REQUIRED_BUT_UNVERIFIABLE"

	// KindMalformedRecordLine indicates a record line that is not a JSON object.
	KindMalformedRecordLine ErrorKind = "MALFORMED_RECORD_LINE"

	// KindFetchError indicates the remote snapshot could not be retrieved.
	KindFetchError ErrorKind = "FETCH_ERROR"

	// KindStoreError indicates the graph store rejected or failed an operation.
	KindStoreError ErrorKind = "STORE_ERROR"
)

// Violation is a single (field, reason) pair reported by schema validation.
type Violation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (v Violation) String() string {
	if v.Field == "" {
		return v.Reason
	}
	return v.Field + ": " + v.Reason
}

// Error is the coded error type used across fkg.
//
// File and Line locate record-level failures inside a snapshot. RecordID is
// set when the failing record carried a parseable id.
type Error struct {
	Kind       ErrorKind
	Message    string
	File       string
	Line       int
	RecordID   string
	Violations []Violation
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	switch {
	case e.File != "" && e.Line > 0:
		fmt.Fprintf(&b, " (%s:%d)", e.File, e.Line)
	case e.File != "":
		fmt.Fprintf(&b, " (%s)", e.File)
	}
	if e.RecordID != "" {
		fmt.Fprintf(&b, " [%s]", e.RecordID)
	}
	for _, v := range e.Violations {
		b.WriteString("; ")
		b.WriteString(v.String())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err (or anything it wraps) is an *Error of kind.
// ErrorList values are searched element by element.
func IsKind(err error, kind ErrorKind) bool {
	if err == nil {
		return false
	}
	var list ErrorList
	if errors.As(err, &list) {
		for _, e := range list {
			if e.Kind == kind {
				return true
			}
		}
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first *Error found in err's chain, or "".
func KindOf(err error) ErrorKind {
	var list ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		return list[0].Kind
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ErrorList aggregates record-level errors so callers see every failure of a
// decode pass at once.
type ErrorList []*Error

// Error implements the error interface.
func (l ErrorList) Error() string {
	switch len(l) {
	case 0:
		return "no errors"
	case 1:
		return l[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d errors:", len(l))
	for _, e := range l {
		b.WriteString("\n  ")
		b.WriteString(e.Error())
	}
	return b.String()
}

// Unwrap returns the individual errors.
func (l ErrorList) Unwrap() []error {
	errs := make([]error, len(l))
	for i, e := range l {
		errs[i] = e
	}
	return errs
}

// Err returns nil for an empty list so callers can return it directly.
func (l ErrorList) Err() error {
	if len(l) == 0 {
		return nil
	}
	return l
}

// NewInvalidIdentityInput creates an identity derivation error.
func NewInvalidIdentityInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidIdentityInput, Message: fmt.Sprintf(format, args...)}
}

// NewUnknownSchema creates an error for a record with no matching schema.
func NewUnknownSchema(kind, typ, version string) *Error {
	msg := fmt.Sprintf("no %s schema for version %q", kind, version)
	if typ != "" {
		msg = fmt.Sprintf("no %s schema for type %q version %q", kind, typ, version)
	}
	return &Error{Kind: KindUnknownSchema, Message: msg}
}

// NewUnknownEdgeType creates an error for an edge type outside the vocabulary.
func NewUnknownEdgeType(typ string) *Error {
	return &Error{
		Kind:       KindUnknownEdgeType,
		Message:    fmt.Sprintf("unknown edge type %q", typ),
		Violations: []Violation{{Field: "type", Reason: "not in edge type vocabulary"}},
	}
}

// NewSchemaViolation creates a validation error carrying every violation found.
func NewSchemaViolation(violations []Violation) *Error {
	return &Error{
		Kind:       KindSchemaViolation,
		Message:    fmt.Sprintf("%d schema violation(s)", len(violations)),
		Violations: violations,
	}
}

// NewChecksumMismatch creates an integrity error for one snapshot file.
func NewChecksumMismatch(file, expected, actual string) *Error {
	return &Error{
		Kind:    KindChecksumMismatch,
		Message: fmt.Sprintf("expected %s, got %s", expected, actual),
		File:    file,
	}
}

// NewSignatureRequiredButUnverifiable creates the fail-closed signature error.
func NewSignatureRequiredButUnverifiable(reason string) *Error {
	return &Error{Kind: KindSignatureRequiredButUnverifiable, Message: reason}
}

// NewMalformedRecordLine creates a parse error for one line of a record file.
func NewMalformedRecordLine(file string, line int, err error) *Error {
	return &Error{
		Kind:    KindMalformedRecordLine,
		Message: "record line is not a JSON object",
		File:    file,
		Line:    line,
		Err:     err,
	}
}

// NewFetchError wraps a transport failure for a remote.
func NewFetchError(remoteID string, err error) *Error {
	return &Error{
		Kind:    KindFetchError,
		Message: fmt.Sprintf("fetch snapshot from %s", remoteID),
		Err:     err,
	}
}

// NewStoreError wraps a storage failure for the named operation.
func NewStoreError(op string, err error) *Error {
	return &Error{Kind: KindStoreError, Message: op, Err: err}
}
