package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Kind is the closed set of failure classes for calls to the actor runner.
type Kind int

const (
	KindGeneric Kind = iota
	KindAuth
	KindRateLimit
	KindNetwork
	KindActor
	KindDataset
	KindDataProcessing
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindNetwork:
		return "network"
	case KindActor:
		return "actor"
	case KindDataset:
		return "dataset"
	case KindDataProcessing:
		return "data_processing"
	default:
		return "generic"
	}
}

// Code is the machine-readable error code carried in result structures.
func (k Kind) Code() string {
	return k.String()
}

// Context keys with meaning to the classifier.
const (
	CtxActorID    = "actor_id"
	CtxDatasetID  = "dataset_id"
	CtxRunID      = "run_id"
	CtxScheduleID = "schedule_id"
	// CtxResource names the remote collection an operation reads when no
	// single id applies, e.g. "schedules" for a listing.
	CtxResource = "resource"
)

// StatusCoder is implemented by remote API errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// HeaderCarrier is optionally implemented by StatusCoder errors so that the
// classifier can read Retry-After.
type HeaderCarrier interface {
	Header() http.Header
}

// Error is a classified runner failure. It preserves the original error, the
// logical operation name and the caller's context map.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	Context    map[string]string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ActorID returns the actor id the error was raised for, if any.
func (e *Error) ActorID() string { return e.Context[CtxActorID] }

// DatasetID returns the dataset id the error was raised for, if any.
func (e *Error) DatasetID() string { return e.Context[CtxDatasetID] }

// LogAttrs flattens the error into slog key/value pairs.
func (e *Error) LogAttrs() []any {
	attrs := []any{"operation", e.Op, "kind", e.Kind.String(), "error", e.Message}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, e.Context[k])
	}
	if e.RetryAfter > 0 {
		attrs = append(attrs, "retry_after", e.RetryAfter)
	}
	return attrs
}

// Classify maps err to a typed Error. It performs no I/O. Errors that are
// already classified are returned unchanged.
func Classify(err error, op string, ctx map[string]string) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	e := &Error{
		Kind:    KindGeneric,
		Op:      op,
		Message: err.Error(),
		Context: copyContext(ctx),
		Err:     err,
	}

	var coder StatusCoder
	switch {
	case isNetwork(err):
		e.Kind = KindNetwork
	case errors.As(err, &coder):
		e.Kind, e.RetryAfter = classifyStatus(coder, e.Context)
	case isDataProcessing(err):
		e.Kind = KindDataProcessing
	}
	return e
}

// Raise classifies err and logs it once at error level.
func Raise(err error, op string, ctx map[string]string) *Error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return already
	}
	e := Classify(err, op, ctx)
	slog.Default().Error("runner operation failed", e.LogAttrs()...)
	return e
}

// KindOf returns the Kind of a classified error, or KindGeneric.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindGeneric
}

// CodeOf returns the machine-readable code of err.
func CodeOf(err error) string {
	return KindOf(err).Code()
}

// RetryAfterOf returns the retry-after hint carried by a RateLimit error.
func RetryAfterOf(err error) time.Duration {
	var typed *Error
	if errors.As(err, &typed) && typed.Kind == KindRateLimit {
		return typed.RetryAfter
	}
	return 0
}

func classifyStatus(coder StatusCoder, ctx map[string]string) (Kind, time.Duration) {
	switch code := coder.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth, 0
	case code == http.StatusTooManyRequests:
		var retryAfter time.Duration
		if hc, ok := coder.(HeaderCarrier); ok && hc.Header() != nil {
			retryAfter = ParseRetryAfter(hc.Header().Get("Retry-After"))
		}
		return KindRateLimit, retryAfter
	case ctx[CtxDatasetID] != "":
		return KindDataset, 0
	case ctx[CtxActorID] != "", ctx[CtxRunID] != "", ctx[CtxScheduleID] != "", ctx[CtxResource] != "":
		return KindActor, 0
	default:
		return KindGeneric, 0
	}
}

// ParseRetryAfter reads a Retry-After header value given either as delay
// seconds or as an HTTP date.
func ParseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func isNetwork(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func isDataProcessing(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var numErr *strconv.NumError
	var timeErr *time.ParseError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) ||
		errors.As(err, &numErr) || errors.As(err, &timeErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "parse") ||
		strings.Contains(msg, "unmarshal") ||
		strings.Contains(msg, "decode")
}

func copyContext(ctx map[string]string) map[string]string {
	out := make(map[string]string, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}
