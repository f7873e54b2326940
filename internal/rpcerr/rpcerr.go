// Package rpcerr defines the error taxonomy shared by every layer of the
// hub and spoke runtime, and the mapping from each kind onto a JSON-RPC
// error code.
package rpcerr

import (
	"context"
	"fmt"
)

// Kind identifies the origin and retry semantics of an error without
// tying callers to a specific layer's concrete error type.
type Kind string

const (
	KindInvalidRequest    Kind = "InvalidRequest"
	KindParseError        Kind = "ParseError"
	KindMethodNotFound    Kind = "MethodNotFound"
	KindInvalidParams     Kind = "InvalidParams"
	KindToolNotFound      Kind = "ToolNotFound"
	KindNoHealthyInstance Kind = "NoHealthyInstance"
	KindAllInstancesOpen  Kind = "AllInstancesOpen"
	KindDeadlineExceeded  Kind = "DeadlineExceeded"
	KindCancelled         Kind = "Cancelled"
	KindResourceExhausted Kind = "ResourceExhausted"
	KindProviderRateLimit Kind = "ProviderRateLimited"
	KindAllProvidersFail  Kind = "AllProvidersFailed"
	KindDataNotFound      Kind = "DataNotFound"
	KindHandlerFailure    Kind = "HandlerFailure"
	KindInternal          Kind = "InternalError"

	// KindUnavailable classifies a transport-level failure talking to a
	// spoke instance or upstream provider (connection refused, reset,
	// HTTP 5xx-equivalent). The router retries across it; once the
	// retry budget is spent, the last attempt's error is returned as
	// is, so an Unavailable can reach a JSON-RPC client. It has no code
	// of its own and shares InternalError's.
	KindUnavailable Kind = "Unavailable"
)

// codes is the fixed Kind -> JSON-RPC code table. Standard JSON-RPC
// codes cover the protocol-level kinds; the -320xx range is the
// application space for registry, routing, and aggregator failures.
var codes = map[Kind]int{
	KindParseError:        -32700,
	KindInvalidRequest:    -32600,
	KindMethodNotFound:    -32601,
	KindInvalidParams:     -32602,
	KindToolNotFound:      -32001,
	KindNoHealthyInstance: -32002,
	KindAllInstancesOpen:  -32003,
	KindDeadlineExceeded:  -32004,
	KindCancelled:         -32005,
	KindResourceExhausted: -32006,
	KindProviderRateLimit: -32010,
	KindAllProvidersFail:  -32011,
	KindDataNotFound:      -32012,
	KindHandlerFailure:    -32020,
	KindInternal:          -32603,
}

// Error is the error type every component in this module returns for
// anything other than a plain bug. It carries enough to build a
// JSON-RPC error object without re-deriving the code at the frontend.
type Error struct {
	Kind    Kind
	Message string
	Data    any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the JSON-RPC / application error code for this error's
// Kind, falling back to InternalError's code for an unknown Kind.
func (e *Error) Code() int {
	if c, ok := codes[e.Kind]; ok {
		return c
	}
	return codes[KindInternal]
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind carrying an underlying
// cause, preserved for %w-style unwrapping and logging, never exposed
// directly to the JSON-RPC client (see WithData to attach sanitized
// detail intentionally).
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithData attaches a JSON-serializable payload (correlation id,
// fallback chain, sanitized provider breakdown) to the error.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if as(err, &e) {
		return e.Kind == kind
	}
	return false
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

type correlationIDKey struct{}

// WithCorrelationID attaches the request's correlation id to ctx so a
// layer the call passes through can read it back with
// CorrelationIDFrom without threading an extra parameter everywhere.
// Deadline and cancellation are context.Context's own job; the
// correlation id is the one per-request value that isn't.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFrom returns the correlation id stashed by
// WithCorrelationID, or "" if none was set.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// KindForCode maps a JSON-RPC / application error code back onto its
// Kind — the inverse of Code, used by HTTP callers decoding a spoke's
// error response so the original kind survives the wire round-trip.
func KindForCode(code int) Kind {
	for kind, c := range codes {
		if c == code {
			return kind
		}
	}
	return KindInternal
}

// Retryable reports whether the breaker/retry machinery in the router
// should treat this kind as a transient, retryable failure versus a
// client-input or authoritative failure that must surface immediately.
func Retryable(kind Kind) bool {
	switch kind {
	case KindDeadlineExceeded, KindNoHealthyInstance, KindAllInstancesOpen, KindInternal, KindUnavailable, KindResourceExhausted:
		return true
	default:
		return false
	}
}
