package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewDomainError to attach operation context.
var (
	ErrInvalidParameter = fmt.Errorf("invalid parameter")
	ErrNotFound         = fmt.Errorf("not found")
	ErrTimeout          = fmt.Errorf("no response before deadline")
	ErrStageFailure     = fmt.Errorf("pipeline stage failed")
	ErrQueueClosed      = fmt.Errorf("queue closed")
	ErrBadDirection     = fmt.Errorf("unknown event direction")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g. "TalkService.SendNewMessage")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category, used by the HTTP layer to
// pick status codes and by monitoring to group failures.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeInvalidParameter ErrorCode = "INVALID_PARAMETER"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeStageFailure     ErrorCode = "STAGE_FAILURE"
	CodeQueueClosed      ErrorCode = "QUEUE_CLOSED"
	CodeBadDirection     ErrorCode = "BAD_DIRECTION"
)

var errorCodeMap = map[error]ErrorCode{
	ErrInvalidParameter: CodeInvalidParameter,
	ErrNotFound:         CodeNotFound,
	ErrTimeout:          CodeTimeout,
	ErrStageFailure:     CodeStageFailure,
	ErrQueueClosed:      CodeQueueClosed,
	ErrBadDirection:     CodeBadDirection,
}

// ErrorCodeOf returns the machine-parseable code for err. It walks the error
// chain with errors.Is and returns CodeUnknown when nothing matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
