// Package sequence implements the Engine described in spec.md §4.4: a
// single generic pending→settled state machine instantiated once for
// pairings and once for sessions, differing only in TTL defaults,
// permission/state merge rules, method namespace, and the shape of the
// mutable settled state.
package sequence

import (
	"encoding/json"
	"time"

	"github.com/relaycore/wcrelay/relay"
)

// AppMetadata describes the application on one side of a sequence.
type AppMetadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	URL         string   `json:"url,omitempty"`
	Icons       []string `json:"icons,omitempty"`
}

// Participant identifies one side of a sequence. Controller is only
// meaningful on Proposal.Proposer; Settled.Self/Peer carry it for
// symmetry but read it from Permissions.Controller when in doubt.
type Participant struct {
	PublicKey  string       `json:"publicKey"`
	Metadata   *AppMetadata `json:"metadata,omitempty"`
	Controller bool         `json:"controller,omitempty"`
}

// Controller names the sole participant authorized to upgrade
// permissions on a sequence.
type Controller struct {
	PublicKey string `json:"publicKey"`
}

// JSONRPCPermissions lists RPC methods allowed on a sequence.
type JSONRPCPermissions struct {
	Methods []string `json:"methods"`
}

// NotificationPermissions lists notification types allowed on a sequence.
type NotificationPermissions struct {
	Types []string `json:"types"`
}

// BlockchainPermissions lists chain ids allowed on a session.
type BlockchainPermissions struct {
	Chains []string `json:"chains"`
}

// Permissions is the capability set negotiated for a sequence.
type Permissions struct {
	JSONRPC       JSONRPCPermissions       `json:"jsonrpc"`
	Notifications NotificationPermissions  `json:"notifications"`
	Controller    Controller               `json:"controller"`
	Blockchain    *BlockchainPermissions   `json:"blockchain,omitempty"`
}

// Signal is the out-of-band mechanism by which a responder learns of a
// Proposal: a scanned URI (pairing) or an existing pairing topic
// (session piggy-backing on a pairing).
type Signal struct {
	Method string          `json:"method"` // "uri" | "pairing"
	Params json.RawMessage `json:"params"`
}

// Proposal is broadcast (or, for pairings, embedded in the URI handed
// out of band) by the proposer.
type Proposal struct {
	Topic       string      `json:"topic"`
	Relay       relay.Descriptor `json:"relay"`
	Proposer    Participant `json:"proposer"`
	Signal      Signal      `json:"signal"`
	Permissions Permissions `json:"permissions"`
	TTL         int64       `json:"ttl"`
}

// Outcome appears on a Pending entry once the responder has acted on
// the proposal: either a rejection reason, or the accepted settlement
// details.
type Outcome struct {
	Reason    string           `json:"reason,omitempty"`
	Topic     string           `json:"topic,omitempty"`
	Relay     relay.Descriptor `json:"relay,omitempty"`
	Responder *Participant     `json:"responder,omitempty"`
	Expiry    time.Time        `json:"expiry,omitempty"`
	State     json.RawMessage  `json:"state,omitempty"`
}

// Pending is the proposal-side-of-the-handshake record, keyed by the
// proposal topic in the subscription store.
type Pending struct {
	Status      string           `json:"status"` // "proposed" | "responded"
	Topic       string           `json:"topic"`
	Relay       relay.Descriptor `json:"relay"`
	Self        Participant      `json:"self"`
	Proposer    Participant      `json:"proposer"`
	Signal      Signal           `json:"signal"`
	Permissions Permissions      `json:"permissions"`
	TTL         int64            `json:"ttl"`
	Expiry      time.Time        `json:"expiry"`
	Outcome     *Outcome         `json:"outcome,omitempty"`
}

// ExpiresAt satisfies subscription.Expirable.
func (p Pending) ExpiresAt() time.Time { return p.Expiry }

// Settled is a post-handshake sequence, parameterized by the shape of
// its mutable shared state (PairingState, SessionState).
type Settled[S any] struct {
	Topic       string           `json:"topic"`
	Relay       relay.Descriptor `json:"relay"`
	Self        Participant      `json:"self"`
	Peer        Participant      `json:"peer"`
	Permissions Permissions      `json:"permissions"`
	Expiry      time.Time        `json:"expiry"`
	State       S                `json:"state"`
}

// ExpiresAt satisfies subscription.Expirable.
func (s Settled[S]) ExpiresAt() time.Time { return s.Expiry }

// PairingState is the mutable state carried by a settled pairing.
type PairingState struct {
	Metadata *AppMetadata `json:"metadata,omitempty"`
}

// SessionState is the mutable state carried by a settled session.
type SessionState struct {
	Accounts []string     `json:"accounts,omitempty"`
	Metadata *AppMetadata `json:"metadata,omitempty"`
}

// RPCCall is a JSON-RPC method+params pair forwarded between peers
// under a session's jsonrpc permissions.
type RPCCall struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Notification is a peer-facing event forwarded under a sequence's
// notification permissions.
type Notification struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}
