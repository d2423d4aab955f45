package room

import "errors"

// ErrorCode is a stable, client-facing failure reason for a rejected command
// (spec §6/§7). It is distinct from queue.Code, which classifies provider
// request-queue failures.
type ErrorCode string

const (
	CodeMissingParameters  ErrorCode = "MISSING_PARAMETERS"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeNotInRoom          ErrorCode = "NOT_IN_ROOM"
	CodeRoomNotFound       ErrorCode = "ROOM_NOT_FOUND"
	CodePermissionDenied   ErrorCode = "PERMISSION_DENIED"
	CodeEmptyMessage       ErrorCode = "EMPTY_MESSAGE"
	CodeMessageTooLong     ErrorCode = "MESSAGE_TOO_LONG"
	CodeInvalidMessageType ErrorCode = "INVALID_MESSAGE_TYPE"
	CodeMissingRecipient   ErrorCode = "MISSING_RECIPIENT"
	CodeRequestTimeout     ErrorCode = "REQUEST_TIMEOUT"
	CodeRateLimitExceeded  ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeAIServiceError     ErrorCode = "AI_SERVICE_ERROR"
	CodeInternalError      ErrorCode = "INTERNAL_ERROR"
)

// CommandError is returned synchronously to the submitting command (spec
// §7: validation/authorization/state errors never broadcast).
type CommandError struct {
	Code    ErrorCode
	Message string
}

func (e *CommandError) Error() string { return string(e.Code) + ": " + e.Message }

func newError(code ErrorCode, message string) *CommandError {
	return &CommandError{Code: code, Message: message}
}

// ErrRoomShuttingDown is returned when a command is submitted to a room
// whose mailbox has already been drained for shutdown.
var ErrRoomShuttingDown = errors.New("room: shutting down")
