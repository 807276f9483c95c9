// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package envelope defines the transport neutral carrier for commands,
// replies and events.
package envelope

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/go-playground/validator/v10"
)

// Kind differentiates the three message categories carried by an [Envelope].
type Kind string

const (
	KindCommand Kind = "command"
	KindReply   Kind = "reply"
	KindEvent   Kind = "event"
)

// Reserved header keys used to map envelopes onto broker messages.
const (
	HeaderMessageID     = "messageId"
	HeaderCommandID     = "commandId"
	HeaderCommandName   = "commandName"
	HeaderBusinessKey   = "businessKey"
	HeaderCorrelationID = "correlationId"
	HeaderCausationID   = "causationId"
	HeaderReplyTo       = "replyTo"
)

// NewID returns a new random identifier.
func NewID() string {
	return uuid.NewString()
}

// Envelope is an immutable value carrying one message through the system.
//
// Envelope equality is defined by MessageID alone: two envelopes with the
// same MessageID represent the same delivery intent, no matter how many
// times a broker redelivers it.
type Envelope struct {
	MessageID     string            `json:"messageId" validate:"required"`
	Kind          Kind              `json:"type" validate:"required,oneof=command reply event"`
	Name          string            `json:"name" validate:"required"`
	CommandID     string            `json:"commandId" validate:"required"`
	CorrelationID string            `json:"correlationId" validate:"required"`
	CausationID   string            `json:"causationId,omitempty"`
	OccurredAt    time.Time         `json:"occurredAt"`
	Key           string            `json:"key,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
}

// use a single Validate since it caches struct metadata
var validate = validator.New(validator.WithRequiredStructEnabled())

// InvalidError signals an envelope which must be rejected before it
// enters the executor.
type InvalidError struct {
	Reason string
}

func (e InvalidError) Error() string {
	return fmt.Sprintf("envelope: invalid: %s", e.Reason)
}

// Validate reports whether the envelope satisfies its required field
// invariants. The returned error is always an [InvalidError].
func (e Envelope) Validate() error {
	err := validate.Struct(e)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return InvalidError{Reason: err.Error()}
	}

	reasons := make([]string, len(verrs))
	for i, verr := range verrs {
		reasons[i] = fmt.Sprintf("%s %s", verr.Field(), verr.Tag())
	}
	return InvalidError{Reason: strings.Join(reasons, ", ")}
}

// Equal reports whether both envelopes represent the same delivery intent.
func (e Envelope) Equal(other Envelope) bool {
	return e.MessageID == other.MessageID
}

// NewCommand constructs a command envelope. The correlation id defaults
// to the command id so replies can be routed back to the requester.
func NewCommand(name, commandID string, payload json.RawMessage) Envelope {
	return Envelope{
		MessageID:     NewID(),
		Kind:          KindCommand,
		Name:          name,
		CommandID:     commandID,
		CorrelationID: commandID,
		OccurredAt:    time.Now().UTC(),
		Payload:       payload,
	}
}

// NewReply constructs a reply envelope correlated to the command which
// caused it.
func NewReply(cause Envelope, name string, payload json.RawMessage) Envelope {
	return Envelope{
		MessageID:     NewID(),
		Kind:          KindReply,
		Name:          name,
		CommandID:     cause.CommandID,
		CorrelationID: cause.CorrelationID,
		CausationID:   cause.MessageID,
		OccurredAt:    time.Now().UTC(),
		Key:           cause.Key,
		Payload:       payload,
	}
}

// NewEvent constructs an event envelope correlated to the command which
// caused it.
func NewEvent(cause Envelope, name string, payload json.RawMessage) Envelope {
	return Envelope{
		MessageID:     NewID(),
		Kind:          KindEvent,
		Name:          name,
		CommandID:     cause.CommandID,
		CorrelationID: cause.CorrelationID,
		CausationID:   cause.MessageID,
		OccurredAt:    time.Now().UTC(),
		Key:           cause.Key,
		Payload:       payload,
	}
}

// WithCorrelation returns a copy with the correlation and causation ids
// replaced. It is used when a new command is emitted on behalf of an
// existing one, like a process step.
func (e Envelope) WithCorrelation(correlationID, causationID string) Envelope {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// WithKey returns a copy with the partitioning/business key set.
func (e Envelope) WithKey(key string) Envelope {
	e.Key = key
	return e
}

// WithHeaders returns a copy with the given headers merged over any
// existing ones.
func (e Envelope) WithHeaders(headers map[string]string) Envelope {
	if len(headers) == 0 {
		return e
	}

	merged := make(map[string]string, len(e.Headers)+len(headers))
	maps.Copy(merged, e.Headers)
	maps.Copy(merged, headers)
	e.Headers = merged
	return e
}

// ReplyTo returns the reply destination carried in the headers, if any.
func (e Envelope) ReplyTo() string {
	return e.Headers[HeaderReplyTo]
}

// ToHeaders flattens the envelope identity onto a broker header map.
// Custom headers are carried over; reserved keys always win.
func (e Envelope) ToHeaders() map[string]string {
	headers := make(map[string]string, len(e.Headers)+6)
	maps.Copy(headers, e.Headers)

	headers[HeaderMessageID] = e.MessageID
	headers[HeaderCommandID] = e.CommandID
	headers[HeaderCommandName] = e.Name
	headers[HeaderCorrelationID] = e.CorrelationID
	if e.CausationID != "" {
		headers[HeaderCausationID] = e.CausationID
	}
	if e.Key != "" {
		headers[HeaderBusinessKey] = e.Key
	}
	return headers
}

// FromHeaders constructs an envelope from a raw broker message body and
// its header map.
//
// commandId and correlationId are required inbound headers. A missing
// messageId falls back to the commandId so redeliveries of the same
// message remain deduplicatable.
func FromHeaders(kind Kind, body []byte, headers map[string]string) (Envelope, error) {
	env := Envelope{
		MessageID:     headers[HeaderMessageID],
		Kind:          kind,
		Name:          headers[HeaderCommandName],
		CommandID:     headers[HeaderCommandID],
		CorrelationID: headers[HeaderCorrelationID],
		CausationID:   headers[HeaderCausationID],
		OccurredAt:    time.Now().UTC(),
		Key:           headers[HeaderBusinessKey],
		Payload:       body,
	}
	if env.MessageID == "" {
		env.MessageID = env.CommandID
	}

	custom := make(map[string]string)
	for k, v := range headers {
		switch k {
		case HeaderMessageID, HeaderCommandID, HeaderCommandName, HeaderCorrelationID, HeaderCausationID, HeaderBusinessKey:
		default:
			custom[k] = v
		}
	}
	if len(custom) > 0 {
		env.Headers = custom
	}

	err := env.Validate()
	if err != nil {
		return Envelope{}, err
	}
	return env, nil
}
