package relay

import (
	"encoding/json"
	"time"
)

// Descriptor identifies which relay protocol carries a topic's traffic,
// matching spec.md §3's Relay descriptor: {protocol, params?}.
type Descriptor struct {
	Protocol string          `json:"protocol"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// DefaultProtocol is the relay JSON-RPC method namespace used when a
// caller doesn't supply a Descriptor, per spec.md §3.
const DefaultProtocol = "waku"

// DefaultDescriptor returns the default relay descriptor.
func DefaultDescriptor() Descriptor {
	return Descriptor{Protocol: DefaultProtocol}
}

func (d Descriptor) protocolOrDefault() string {
	if d.Protocol == "" {
		return DefaultProtocol
	}
	return d.Protocol
}

// PublishOptions configures a Publish call.
type PublishOptions struct {
	Relay Descriptor
	TTL   time.Duration
}

// SubscribeOptions configures a Subscribe call.
type SubscribeOptions struct {
	Relay Descriptor
}

// UnsubscribeOptions configures an Unsubscribe call. If ID is set, only
// that single subscription is removed; otherwise every subscription
// registered for the topic is removed.
type UnsubscribeOptions struct {
	Relay Descriptor
	ID    string
}
