package broker

import (
	"context"
)

// Message is one frame crossing the broker link. Body is opaque UTF-8 text.
type Message struct {
	Destination string
	ContentType string
	Body        []byte
}

// State is the lifecycle state of a broker connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

type MessageBroker interface {
	Connect(ctx context.Context) error

	Publish(ctx context.Context, topic string, message Message) error

	Subscribe(ctx context.Context, topic string) (<-chan Message, error)

	State() State

	Close() error
}
