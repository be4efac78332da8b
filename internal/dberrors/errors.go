// Package dberrors defines the failure kinds surfaced by the data-access
// layer and their mapping onto HTTP status codes.
package dberrors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindUniqueConstraint
	KindForeignKey
	KindValidation
	KindConnection
	KindTransaction
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindUniqueConstraint:
		return "UniqueConstraintViolation"
	case KindForeignKey:
		return "ForeignKeyViolation"
	case KindValidation:
		return "ValidationError"
	case KindConnection:
		return "ConnectionError"
	case KindTransaction:
		return "TransactionError"
	default:
		return "UnknownEngineError"
	}
}

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrNotFound         = &Error{Kind: KindNotFound, Message: "record not found"}
	ErrUniqueConstraint = &Error{Kind: KindUniqueConstraint, Message: "unique constraint violation"}
	ErrForeignKey       = &Error{Kind: KindForeignKey, Message: "foreign key violation"}
	ErrValidation       = &Error{Kind: KindValidation, Message: "invalid query arguments"}
	ErrConnection       = &Error{Kind: KindConnection, Message: "storage engine unreachable"}
	ErrTransaction      = &Error{Kind: KindTransaction, Message: "transaction failed"}
	ErrUnknown          = &Error{Kind: KindUnknown, Message: "unknown engine error"}
)

// Error is the single error type returned by every contract operation.
type Error struct {
	Kind    Kind
	Model   string
	Op      string
	Fields  []string
	Message string
	cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Model != "" {
		b.WriteString(e.Model)
		if e.Op != "" {
			b.WriteString(".")
			b.WriteString(e.Op)
		}
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.Fields, ", "))
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Cause returns the engine error this error was classified from, if any.
func (e *Error) Cause() error { return e.cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Model == "" && t.Op == "" && t.cause == nil
}

// Retryable reports whether the caller may retry the operation as is.
func (e *Error) Retryable() bool {
	return e.Kind == KindConnection || e.Kind == KindTransaction
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies cause as kind. The cause keeps its stack for logging.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: errors.WithStack(cause)}
}

func NotFound(model string) *Error {
	return &Error{Kind: KindNotFound, Model: model, Message: "no record matches the unique filter"}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func Unique(model string, fields ...string) *Error {
	return &Error{Kind: KindUniqueConstraint, Model: model, Fields: fields, Message: "value already exists"}
}

func ForeignKey(model string, fields ...string) *Error {
	return &Error{Kind: KindForeignKey, Model: model, Fields: fields, Message: "referenced record does not exist or is still referenced"}
}

// StillReferenced reports a delete blocked by restricting references, named
// as Model.field.
func StillReferenced(refs ...string) *Error {
	return &Error{Kind: KindForeignKey, Fields: refs, Message: "record is still referenced"}
}

func Connection(cause error) *Error {
	return Wrap(KindConnection, cause, "storage engine unreachable")
}

func Unknown(cause error) *Error {
	return Wrap(KindUnknown, cause, "unclassified engine failure")
}

func Transaction(format string, args ...any) *Error {
	return New(KindTransaction, format, args...)
}

// KindOf returns the kind of err. Errors that did not originate in this
// package are reported as KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Annotate fills in the model and operation on err when they are missing.
// Foreign errors are classified as UnknownEngineError.
func Annotate(err error, model, op string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if !errors.As(err, &e) {
		e = Unknown(err)
	} else {
		cp := *e
		e = &cp
	}
	if e.Model == "" {
		e.Model = model
	}
	if e.Op == "" {
		e.Op = op
	}
	return e
}
