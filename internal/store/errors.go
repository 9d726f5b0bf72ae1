package store

import "errors"

// Sentinel errors surfaced to callers. Handlers and the socket router map
// these onto structured error responses/events; anything else is treated as
// a store failure and reported generically.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrSelfConversation     = errors.New("cannot start a conversation with yourself")
	ErrNotParticipant       = errors.New("not a participant in this conversation")
	ErrEmptyMessage         = errors.New("message cannot be empty")
	ErrMessageTooLong       = errors.New("message too long")
	ErrPendingRequest       = errors.New("cannot send messages to pending requests")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotSender            = errors.New("only the sender can unsend a message")
	ErrRequestNotPending    = errors.New("request is not pending")

	ErrStreamNotFound = errors.New("stream not found")
	ErrStreamNotLive  = errors.New("stream is not live")
	ErrStreamLive     = errors.New("stream is already live")
	ErrStreamEnded    = errors.New("stream has ended")
	ErrNotHost        = errors.New("only the host can manage the stream")
	ErrInvalidSignal  = errors.New("invalid role or kind")
	ErrMissingPayload = errors.New("missing payload")
)
