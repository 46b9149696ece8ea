// Package conn implements the SRT transport core: per-connection state,
// option storage, the send/receive data path, and the periodic timer
// tick that drives ACK/NAK/EXP/keepalive scheduling.
package conn

import "fmt"

// ErrorCategory groups CoreError causes coarsely, so callers can branch
// on the category without a type switch over every individual cause.
type ErrorCategory int

const (
	CategorySetup ErrorCategory = iota
	CategoryConnection
	CategorySystem
	CategoryFile
	CategoryCrypto
	CategoryPeerError
	CategoryAgain
)

func (c ErrorCategory) String() string {
	switch c {
	case CategorySetup:
		return "setup"
	case CategoryConnection:
		return "connection"
	case CategorySystem:
		return "system"
	case CategoryFile:
		return "file"
	case CategoryCrypto:
		return "crypto"
	case CategoryPeerError:
		return "peer_error"
	case CategoryAgain:
		return "again"
	default:
		return "unknown"
	}
}

// Cause enumerates the specific CoreError causes.
type Cause int

const (
	CauseUnknown Cause = iota
	CauseConnSetup
	CauseConnRejected
	CauseConnTimeout
	CauseConnLost
	CauseConnClosed
	CauseResourceFail
	CauseThreadFail
	CauseFileRead
	CauseFileWrite
	CauseCryptoFailure
	CausePeerErrorReport
	CauseInvalidOption
	CauseNotConnected
	CauseNotSupported
	CauseWouldBlock
	CauseSendTimeout
)

var causeCategory = map[Cause]ErrorCategory{
	CauseConnSetup:       CategorySetup,
	CauseConnRejected:    CategorySetup,
	CauseInvalidOption:   CategorySetup,
	CauseConnTimeout:     CategoryConnection,
	CauseConnLost:        CategoryConnection,
	CauseConnClosed:      CategoryConnection,
	CauseNotConnected:    CategoryConnection,
	CauseResourceFail:    CategorySystem,
	CauseThreadFail:      CategorySystem,
	CauseNotSupported:    CategorySystem,
	CauseFileRead:        CategoryFile,
	CauseFileWrite:       CategoryFile,
	CauseCryptoFailure:   CategoryCrypto,
	CausePeerErrorReport: CategoryPeerError,
	CauseWouldBlock:      CategoryAgain,
	CauseSendTimeout:     CategoryAgain,
}

var causeMessage = map[Cause]string{
	CauseConnSetup:       "connection setup failure",
	CauseConnRejected:    "connection rejected by peer",
	CauseConnTimeout:     "connection timed out",
	CauseConnLost:        "connection lost",
	CauseConnClosed:      "connection closed",
	CauseResourceFail:    "system resource allocation failed",
	CauseThreadFail:      "internal worker failed to start",
	CauseFileRead:        "file read error",
	CauseFileWrite:       "file write error",
	CauseCryptoFailure:   "cryptographic key exchange failure",
	CausePeerErrorReport: "peer reported an error via CGWARNING/PEERERROR",
	CauseInvalidOption:   "invalid socket option value",
	CauseNotConnected:    "operation requires a connected socket",
	CauseNotSupported:    "operation not supported in this mode",
	CauseWouldBlock:      "operation would block",
	CauseSendTimeout:     "send timed out waiting for buffer space",
}

// CoreError is the module's single error type, carrying both the coarse
// category and the specific cause so callers can match on either level.
type CoreError struct {
	Cause   Cause
	Detail  string
	wrapped error
}

func (e *CoreError) Error() string {
	msg := causeMessage[e.Cause]
	if msg == "" {
		msg = "unknown error"
	}
	if e.Detail != "" {
		return fmt.Sprintf("srt: %s: %s", msg, e.Detail)
	}
	return "srt: " + msg
}

func (e *CoreError) Unwrap() error { return e.wrapped }

// Category returns the coarse error category for this cause.
func (e *CoreError) Category() ErrorCategory { return causeCategory[e.Cause] }

// NewError constructs a CoreError for the given cause with an optional
// human-readable detail string.
func NewError(cause Cause, detail string) *CoreError {
	return &CoreError{Cause: cause, Detail: detail}
}

// WrapError constructs a CoreError that also chains an underlying error
// via errors.Unwrap/errors.Is support.
func WrapError(cause Cause, err error) *CoreError {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	return &CoreError{Cause: cause, Detail: detail, wrapped: err}
}
