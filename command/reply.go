// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package command

// Reply message types emitted after command execution.
const (
	ReplyTypeCompleted = "CommandCompleted"
	ReplyTypeFailed    = "CommandFailed"
)

// ReplyStatus is the outcome carried by a [Reply].
type ReplyStatus string

const (
	ReplySucceeded ReplyStatus = "SUCCEEDED"
	ReplyFailed    ReplyStatus = "FAILED"
)

// Reply is the outcome of executing one command, routed back to the
// requester via the correlation id.
type Reply struct {
	CommandID     string         `json:"commandId"`
	CorrelationID string         `json:"correlationId"`
	Status        ReplyStatus    `json:"status"`
	Data          map[string]any `json:"data,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// NewReply constructs a successful reply. A nil data map is allowed
// and represents a handler with no return value.
func NewReply(commandID, correlationID string, data map[string]any) Reply {
	return Reply{
		CommandID:     commandID,
		CorrelationID: correlationID,
		Status:        ReplySucceeded,
		Data:          data,
	}
}

// NewFailedReply constructs a failure reply carrying the unwrapped
// error message.
func NewFailedReply(commandID, correlationID string, err error) Reply {
	return Reply{
		CommandID:     commandID,
		CorrelationID: correlationID,
		Status:        ReplyFailed,
		Error:         ErrorMessage(err),
	}
}

// Type returns the reply message type matching the reply status.
func (r Reply) Type() string {
	if r.Status == ReplyFailed {
		return ReplyTypeFailed
	}
	return ReplyTypeCompleted
}
