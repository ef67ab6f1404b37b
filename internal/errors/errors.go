// Package errors provides the structured error type shared by every
// component of the worker. Each error carries a Kind describing what went
// wrong and a Class deciding how the pipeline routes the message that
// caused it: permanent failures go to the dead-letter queue, transient
// failures are released for redelivery, fatal failures shut the process
// down.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the category of a failure.
type Kind string

const (
	KindInvalid      Kind = "invalid"       // malformed or rule-violating input
	KindNotFound     Kind = "not_found"     // referenced row does not exist
	KindConflict     Kind = "conflict"      // unique-constraint hit (duplicate)
	KindUnavailable  Kind = "unavailable"   // transport or acquire failure
	KindCircuitOpen  Kind = "circuit_open"  // breaker rejected the call
	KindTimeout      Kind = "timeout"       // deadline exceeded
	KindUnauthorized Kind = "unauthorized"  // secret store denied access
	KindTransient    Kind = "transient"     // retryable, cause unclassified
	KindPermanent    Kind = "permanent"     // will never succeed
	KindFatal        Kind = "fatal"         // the process cannot continue
	KindInternal     Kind = "internal"      // invariant violation, bug
)

// Class is the routing decision derived from a Kind.
type Class string

const (
	ClassPermanent Class = "permanent"
	ClassTransient Class = "transient"
	ClassFatal     Class = "fatal"
)

var kindClasses = map[Kind]Class{
	KindInvalid:      ClassPermanent,
	KindNotFound:     ClassPermanent,
	KindConflict:     ClassPermanent,
	KindPermanent:    ClassPermanent,
	KindUnavailable:  ClassTransient,
	KindCircuitOpen:  ClassTransient,
	KindTimeout:      ClassTransient,
	KindUnauthorized: ClassTransient,
	KindTransient:    ClassTransient,
	KindFatal:        ClassFatal,
	KindInternal:     ClassFatal,
}

// AppError is the error type that crosses component boundaries.
type AppError struct {
	Kind    Kind
	Message string
	Details string
	Cause   error
}

func (e *AppError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Details != "" {
		b.WriteString(" (")
		b.WriteString(e.Details)
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates an error of the given kind.
func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a kind and message. A nil cause
// yields nil so call sites can wrap unconditionally.
func Wrap(cause error, kind Kind, message string) *AppError {
	if cause == nil {
		return nil
	}
	return &AppError{Kind: kind, Message: message, Cause: cause}
}

// Wrapf annotates an underlying error with a kind and formatted message.
func Wrapf(cause error, kind Kind, format string, args ...any) *AppError {
	if cause == nil {
		return nil
	}
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithDetails attaches free-form detail text, modifying in place.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf attaches formatted detail text, modifying in place.
func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// KindOf extracts the Kind from an error chain. Unclassified errors are
// reported as transient: releasing an unknown failure for redelivery is
// recoverable, dead-lettering it is not.
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindTransient
}

// IsKind reports whether the error chain contains the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// ClassOf maps an error to its routing class.
func ClassOf(err error) Class {
	if c, ok := kindClasses[KindOf(err)]; ok {
		return c
	}
	return ClassTransient
}

// IsPermanent reports whether the message that caused err should be
// dead-lettered.
func IsPermanent(err error) bool {
	return err != nil && ClassOf(err) == ClassPermanent
}

// IsTransient reports whether the message that caused err should be
// released for redelivery.
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == ClassTransient
}

// IsFatal reports whether err means the process cannot continue.
func IsFatal(err error) bool {
	return err != nil && ClassOf(err) == ClassFatal
}

// LogFields renders an error as structured logging fields.
func LogFields(err error) map[string]any {
	fields := map[string]any{
		"error": err.Error(),
	}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return fields
	}
	fields["error_kind"] = string(appErr.Kind)
	fields["error_class"] = string(ClassOf(appErr))
	if appErr.Details != "" {
		fields["error_details"] = appErr.Details
	}
	if appErr.Cause != nil {
		fields["underlying_error"] = appErr.Cause.Error()
	}
	return fields
}

// Chain combines multiple errors into one, skipping nils. Returns nil when
// every argument is nil.
func Chain(errs ...error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	switch len(nonNil) {
	case 0:
		return nil
	case 1:
		return nonNil[0]
	}
	msgs := make([]string, len(nonNil))
	for i, err := range nonNil {
		msgs[i] = err.Error()
	}
	return errors.New(strings.Join(msgs, " -> "))
}
