// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package amqp

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/z5labs/keel/envelope"
	"github.com/z5labs/keel/outbox"
)

func TestHeaderMap(t *testing.T) {
	t.Run("will convert the table", func(t *testing.T) {
		t.Run("if values are strings", func(t *testing.T) {
			headers := headerMap(amqp.Table{
				"correlationId": "abc",
				"causationId":   "def",
			})

			assert.Equal(t, "abc", headers["correlationId"])
			assert.Equal(t, "def", headers["causationId"])
		})

		t.Run("if values are bytes", func(t *testing.T) {
			headers := headerMap(amqp.Table{
				"correlationId": []byte("abc"),
			})

			assert.Equal(t, "abc", headers["correlationId"])
		})

		t.Run("if values are not strings", func(t *testing.T) {
			headers := headerMap(amqp.Table{
				"attempt": int32(3),
			})

			assert.Equal(t, "3", headers["attempt"])
		})
	})

	t.Run("will return nil", func(t *testing.T) {
		t.Run("if the table is empty", func(t *testing.T) {
			assert.Nil(t, headerMap(nil))
			assert.Nil(t, headerMap(amqp.Table{}))
		})
	})
}

func TestHeaderTable(t *testing.T) {
	t.Run("will convert the headers", func(t *testing.T) {
		t.Run("if any are set", func(t *testing.T) {
			table := headerTable(map[string]string{
				"correlationId": "abc",
			})

			assert.Equal(t, "abc", table["correlationId"])
		})
	})

	t.Run("will return nil", func(t *testing.T) {
		t.Run("if no headers are set", func(t *testing.T) {
			assert.Nil(t, headerTable(nil))
			assert.Nil(t, headerTable(map[string]string{}))
		})
	})
}

func TestPublishingFor(t *testing.T) {
	t.Run("will map the entry onto a publishing", func(t *testing.T) {
		t.Run("if the entry carries headers", func(t *testing.T) {
			entry := outbox.Entry{
				Topic:   "commands.CreatePayment",
				Type:    "CreatePayment",
				Payload: []byte(`{"paymentId":"PAY-1"}`),
				Headers: map[string]string{
					envelope.HeaderMessageID:     "msg-1",
					envelope.HeaderCorrelationID: "abc",
				},
			}

			pub := publishingFor(entry)
			assert.Equal(t, "application/json", pub.ContentType)
			assert.Equal(t, amqp.Persistent, pub.DeliveryMode)
			assert.Equal(t, "CreatePayment", pub.Type)
			assert.Equal(t, "msg-1", pub.MessageId)
			assert.Equal(t, []byte(`{"paymentId":"PAY-1"}`), pub.Body)
			assert.Equal(t, "abc", pub.Headers[envelope.HeaderCorrelationID])
		})

		t.Run("if the entry has no headers", func(t *testing.T) {
			pub := publishingFor(outbox.Entry{
				Topic: "replies",
				Type:  "CommandCompleted",
			})

			assert.Empty(t, pub.MessageId)
			assert.Nil(t, pub.Headers)
		})
	})
}

func TestMessageFrom(t *testing.T) {
	t.Run("will copy delivery fields", func(t *testing.T) {
		t.Run("if the delivery carries headers", func(t *testing.T) {
			now := time.Now()
			delivery := amqp.Delivery{
				RoutingKey: "commands.CreatePayment",
				Type:       "CreatePayment",
				Body:       []byte(`{}`),
				Timestamp:  now,
				Headers: amqp.Table{
					envelope.HeaderMessageID: "msg-1",
				},
			}

			msg := messageFrom("commands.CreatePayment", delivery)
			assert.Equal(t, "commands.CreatePayment", msg.Queue)
			assert.Equal(t, "CreatePayment", msg.Type)
			assert.Equal(t, now, msg.Timestamp)
			require.NotNil(t, msg.Headers)
			assert.Equal(t, "msg-1", msg.Headers[envelope.HeaderMessageID])
		})
	})
}
