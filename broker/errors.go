package broker

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected      = errors.New("broker connection is not connected")
	ErrAlreadySubscribed = errors.New("broker connection already has a subscription")
)

// ConnectError reports a failure to establish the broker link: network,
// authentication or protocol handshake.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to broker %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

type SubscribeError struct {
	Topic string
	Err   error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscribe to %s: %v", e.Topic, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

// PublishError is per message and never fatal. The payload is not retried.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// MalformedFrameError marks an inbound frame that was dropped.
type MalformedFrameError struct {
	Reason string
	Err    error
}

func (e *MalformedFrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed frame (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed frame (%s)", e.Reason)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }
