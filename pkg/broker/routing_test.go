package broker_test

import (
	"testing"

	"github.com/illmade-knight/go-taskqueue/pkg/broker"
	"github.com/stretchr/testify/assert"
)

func TestMatchTopic(t *testing.T) {
	testCases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"#", "anything.at.all", true},
		{"#", "", true},
		{"kern.*", "kern.critical", true},
		{"kern.*", "kern", false},
		{"kern.*", "kern.critical.extra", false},
		{"*.critical", "auth.critical", true},
		{"kern.#", "kern", true},
		{"kern.#", "kern.a.b.c", true},
		{"#.critical", "a.b.critical", true},
		{"a.#.z", "a.z", true},
		{"a.#.z", "a.b.c.z", true},
		{"a.#.z", "a.b.c", false},
		{"exact", "exact", true},
		{"exact", "other", false},
	}

	for _, tc := range testCases {
		t.Run(tc.pattern+"|"+tc.key, func(t *testing.T) {
			assert.Equal(t, tc.want, broker.MatchTopic(tc.pattern, tc.key))
		})
	}
}

func TestRoutes(t *testing.T) {
	assert.True(t, broker.Routes(broker.ExchangeFanout, "", "ignored"))
	assert.True(t, broker.Routes(broker.ExchangeDirect, "error", "error"))
	assert.False(t, broker.Routes(broker.ExchangeDirect, "error", "info"))
	assert.True(t, broker.Routes(broker.ExchangeTopic, "*.error", "disk.error"))
	assert.False(t, broker.Routes(broker.ExchangeKind("headers"), "x", "x"))
}

func TestDelivery_AckWithoutAcknowledger(t *testing.T) {
	d := broker.Delivery{DeliveryTag: 1}
	assert.ErrorIs(t, d.Ack(), broker.ErrUnknownDeliveryTag)
	assert.ErrorIs(t, d.Nack(true), broker.ErrUnknownDeliveryTag)
}
