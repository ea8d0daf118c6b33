package session

import (
	"errors"

	"github.com/caldera-live/caldera/backend/go/internal/v1/account"
	"github.com/caldera-live/caldera/backend/go/internal/v1/channel"
	"github.com/caldera-live/caldera/backend/go/internal/v1/chatlog"
	"github.com/caldera-live/caldera/backend/go/internal/v1/presence"
)

// Wire error codes. Every failed command surfaces exactly one of these to
// the initiating connection.
const (
	CodeAuthRequired         = "AuthRequired"
	CodeInvalidCredentials   = "InvalidCredentials"
	CodeAccountDisabled      = "AccountDisabled"
	CodeSessionExpired       = "SessionExpired"
	CodeAlreadyAuthenticated = "AlreadyAuthenticated"
	CodeRateLimited          = "RateLimited"
	CodePermissionDenied     = "PermissionDenied"
	CodePrivilegeEscalation  = "PrivilegeEscalation"
	CodeLastAdminProtected   = "LastAdminProtected"
	CodeNotFound             = "NotFound"
	CodeNameTaken            = "NameTaken"
	CodeValidation           = "Validation"
	CodeStreamKeyInvalid     = "StreamKeyInvalid"
	CodeStreamAlreadyLive    = "StreamAlreadyLive"
	CodeStreamNotLive        = "StreamNotLive"
	CodeCapacity             = "Capacity"
	CodeInternalError        = "InternalError"
)

// CodedError pairs a wire code with a human-readable reason. Handlers return
// these; the router turns them into a single error event.
type CodedError struct {
	Code    string
	Message string
}

func (e *CodedError) Error() string { return e.Code + ": " + e.Message }

func coded(code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// mapError folds registry sentinels into wire codes. Anything unrecognized
// becomes InternalError with a generic message so internals never leak.
func mapError(err error) *CodedError {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce
	}

	switch {
	case errors.Is(err, account.ErrInvalidCredentials):
		return coded(CodeInvalidCredentials, "invalid username or password")
	case errors.Is(err, account.ErrAccountDisabled):
		return coded(CodeAccountDisabled, "account is disabled")
	case errors.Is(err, account.ErrUsernameTaken):
		return coded(CodeNameTaken, "username already registered")
	case errors.Is(err, account.ErrLastAdmin):
		return coded(CodeLastAdminProtected, "cannot remove the last admin")
	case errors.Is(err, account.ErrValidation),
		errors.Is(err, channel.ErrValidation):
		return coded(CodeValidation, err.Error())
	case errors.Is(err, channel.ErrNameTaken):
		return coded(CodeNameTaken, "channel name already in use")
	case errors.Is(err, channel.ErrCapacity):
		return coded(CodeCapacity, err.Error())
	case errors.Is(err, channel.ErrStreamAlreadyLive),
		errors.Is(err, channel.ErrShareActive):
		return coded(CodeStreamAlreadyLive, "a session is already active")
	case errors.Is(err, channel.ErrStreamNotLive):
		return coded(CodeStreamNotLive, "no active stream")
	case errors.Is(err, account.ErrNotFound),
		errors.Is(err, channel.ErrNotFound),
		errors.Is(err, chatlog.ErrNotFound),
		errors.Is(err, presence.ErrNotFound):
		return coded(CodeNotFound, "not found")
	}
	return coded(CodeInternalError, "internal error")
}
