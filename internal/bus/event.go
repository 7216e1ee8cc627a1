package bus

import "time"

// Event kinds published by the delivery subsystem. Subscribers filter
// by namespace prefix, e.g. "queue." or "message.".
const (
	KindQueueEnqueued = "queue.enqueued"
	KindQueueUpdated  = "queue.updated"
	KindQueueRemoved  = "queue.removed"

	KindMessageMerged     = "message.merged"
	KindMessageDeleted    = "message.deleted"
	KindMessageSendFailed = "message.send_failed"

	KindDeliveryConfirmed = "delivery.confirmed"
	KindDeliveryExpired   = "delivery.expired"

	KindTransportConnected    = "transport.connected"
	KindTransportDisconnected = "transport.disconnected"

	// Raw inbound channel events, consumed by the reconciler.
	KindChannelMessage = "channel.message"
	KindChannelEdit    = "channel.edit"
	KindChannelDelete  = "channel.delete"
	KindChannelStatus  = "channel.status"

	KindSessionStarted = "session.started"
	KindSessionStopped = "session.stopped"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
