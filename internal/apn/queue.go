package apn

import "github.com/tinywideclouds/go-apn-service/pkg/push"

// QueuedNotification is a push waiting to be written to the gateway.
type QueuedNotification struct {
	Token                string
	ResourceKey          string
	DataChangedTimestamp int64
	Priority             push.Priority
}

// DeliveryQueue is the FIFO of notifications waiting for a provider
// connection. It is owned and guarded by its ProviderConnection.
type DeliveryQueue struct {
	items []QueuedNotification
}

// Push appends an item.
func (q *DeliveryQueue) Push(item QueuedNotification) {
	q.items = append(q.items, item)
}

// PushFront puts an item back at the head, ahead of everything queued.
func (q *DeliveryQueue) PushFront(item QueuedNotification) {
	q.items = append([]QueuedNotification{item}, q.items...)
}

// PopNext removes and returns the head, or false if the queue is empty.
func (q *DeliveryQueue) PopNext() (QueuedNotification, bool) {
	if len(q.items) == 0 {
		return QueuedNotification{}, false
	}
	item := q.items[0]
	q.items[0] = QueuedNotification{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return item, true
}

func (q *DeliveryQueue) Len() int {
	return len(q.items)
}

// Items returns a copy of the queued items in delivery order.
func (q *DeliveryQueue) Items() []QueuedNotification {
	out := make([]QueuedNotification, len(q.items))
	copy(out, q.items)
	return out
}
