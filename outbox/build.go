// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package outbox

import (
	"encoding/json"
	"maps"
	"time"

	"github.com/z5labs/keel/envelope"
)

// Naming derives broker destinations from command and event names.
type Naming struct {
	// CommandPrefix is prepended to the command name to form its
	// queue name.
	CommandPrefix string `config:"command_prefix"`

	// QueueSuffix is appended to every derived queue name.
	QueueSuffix string `config:"queue_suffix"`

	// ReplyQueue receives replies whose envelope names no replyTo.
	ReplyQueue string `config:"reply_queue"`

	// EventPrefix is prepended to the command name to form its
	// event topic.
	EventPrefix string `config:"event_prefix"`
}

// DefaultNaming returns the naming scheme used when none is configured.
func DefaultNaming() Naming {
	return Naming{
		CommandPrefix: "commands.",
		ReplyQueue:    "replies",
		EventPrefix:   "events.",
	}
}

// CommandQueue returns the queue a command with the given name is
// consumed from.
func (n Naming) CommandQueue(name string) string {
	return n.CommandPrefix + name + n.QueueSuffix
}

// EventTopic returns the topic events caused by the named command are
// published to.
func (n Naming) EventTopic(name string) string {
	return n.EventPrefix + name
}

// ReplyTopic returns replyTo when set, falling back to the configured
// default reply queue.
func (n Naming) ReplyTopic(replyTo string) string {
	if replyTo != "" {
		return replyTo
	}
	return n.ReplyQueue
}

// CommandRequested builds the outbox entry announcing a freshly
// accepted command. The reply headers are merged under the reserved
// identity headers and a replyTo default is filled in so the eventual
// reply always has a destination.
func (n Naming) CommandRequested(name, commandID, key string, payload json.RawMessage, replyHeaders map[string]string) Entry {
	headers := make(map[string]string, len(replyHeaders)+4)
	maps.Copy(headers, replyHeaders)

	headers[envelope.HeaderCommandID] = commandID
	headers[envelope.HeaderCommandName] = name
	if key != "" {
		headers[envelope.HeaderBusinessKey] = key
	}
	if headers[envelope.HeaderReplyTo] == "" {
		headers[envelope.HeaderReplyTo] = n.ReplyQueue
	}
	if headers[envelope.HeaderCorrelationID] == "" {
		headers[envelope.HeaderCorrelationID] = commandID
	}

	return Entry{
		Category:  CategoryCommand,
		Topic:     n.CommandQueue(name),
		Key:       key,
		Type:      name,
		Payload:   payload,
		Headers:   headers,
		Status:    StatusNew,
		CreatedAt: time.Now().UTC(),
	}
}

// KafkaEvent builds the outbox entry for an event destined for the log.
func KafkaEvent(topic, key, eventType string, payload json.RawMessage) Entry {
	return Entry{
		Category:  CategoryEvent,
		Topic:     topic,
		Key:       key,
		Type:      eventType,
		Payload:   payload,
		Status:    StatusNew,
		CreatedAt: time.Now().UTC(),
	}
}

// MqReply builds the outbox entry for the reply to env. The topic is
// the envelope's replyTo destination or the default reply queue, and
// the headers carry the correlation id the requester routes by.
func (n Naming) MqReply(env envelope.Envelope, replyType string, payload json.RawMessage) Entry {
	headers := map[string]string{
		envelope.HeaderCorrelationID: env.CorrelationID,
		envelope.HeaderCommandID:     env.CommandID,
	}
	if env.Key != "" {
		headers[envelope.HeaderBusinessKey] = env.Key
	}

	return Entry{
		Category:  CategoryReply,
		Topic:     n.ReplyTopic(env.ReplyTo()),
		Key:       env.Key,
		Type:      replyType,
		Payload:   payload,
		Headers:   headers,
		Status:    StatusNew,
		CreatedAt: time.Now().UTC(),
	}
}
