package apn_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tinywideclouds/go-apn-service/internal/apn"
)

func TestDeliveryQueue(t *testing.T) {
	var q apn.DeliveryQueue
	_, ok := q.PopNext()
	assert.False(t, ok)

	q.Push(apn.QueuedNotification{Token: "a"})
	q.Push(apn.QueuedNotification{Token: "b"})
	q.PushFront(apn.QueuedNotification{Token: "z"})
	assert.Equal(t, 3, q.Len())

	items := q.Items()
	items[0].Token = "mutated"

	var order []string
	for {
		item, ok := q.PopNext()
		if !ok {
			break
		}
		order = append(order, item.Token)
	}
	assert.Equal(t, []string{"z", "a", "b"}, order)
	assert.Zero(t, q.Len())
}
