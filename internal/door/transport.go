package door

import "time"

// Message is one payload received on a subscribed topic.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Transport is a best-effort publish/subscribe link to the door devices.
//
// Publish must not block on the network. Messages delivers every received
// message in arrival order and never drops on a slow reader; it is closed by
// Close. Messages sent while the link is down are lost.
type Transport interface {
	Publish(topic string, payload []byte) error
	Messages() <-chan Message
	Close() error
}
