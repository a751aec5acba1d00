package messagepipeline

import (
	"time"

	"github.com/illmade-knight/go-taskqueue/pkg/broker"
)

// Message is the read-only view of a delivery handed to a MessageHandler. It
// carries the payload and routing metadata but no acknowledgment handle: the
// worker owns acknowledgment.
type Message struct {
	// MessageData contains the core payload.
	MessageData

	// DeliveryTag identifies this delivery on the channel it arrived on.
	DeliveryTag uint64
	// Exchange the message was published to; empty for the default exchange.
	Exchange string
	// RoutingKey the message was published with (the severity for direct routing).
	RoutingKey string
	// Redelivered is set when the broker has delivered this message before.
	Redelivered bool
	// Headers holds broker headers/attributes.
	Headers map[string]interface{}
}

// MessageData holds the essential payload of a message.
type MessageData struct {
	// ID is the publisher-assigned message ID, if any.
	ID string `json:"id"`

	// Payload is the raw byte content of the message. The pipeline makes no
	// assumption about its encoding.
	Payload []byte `json:"payload"`

	// PublishTime is the timestamp when the message was originally published.
	PublishTime time.Time `json:"publishTime"`
}

func newMessage(d broker.Delivery) Message {
	return Message{
		MessageData: MessageData{
			ID:          d.MessageID,
			Payload:     d.Body,
			PublishTime: d.Timestamp,
		},
		DeliveryTag: d.DeliveryTag,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Redelivered: d.Redelivered,
		Headers:     d.Headers,
	}
}
