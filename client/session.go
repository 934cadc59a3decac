package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaycore/wcrelay/jsonrpc"
	"github.com/relaycore/wcrelay/sequence"
	"github.com/relaycore/wcrelay/wcerr"
)

// ProposeSession piggy-backs a new session proposal over an already
// settled pairing topic, per spec.md §4.4 — used to open a second
// session over a pairing Connect already established, without
// generating a new pairing URI.
func (c *Client) ProposeSession(ctx context.Context, pairingTopic string, permissions sequence.Permissions, timeout time.Duration) (*sequence.Settled[sequence.SessionState], error) {
	pairSettled, ok := c.pairingSettled.Get(pairingTopic)
	if !ok {
		return nil, wcerr.New(wcerr.NoMatchingTopic, "no settled pairing for topic %q", pairingTopic)
	}
	return c.sessionEngine.Create(ctx, sequence.ProposeParams{
		Permissions:  permissions,
		Relay:        pairSettled.Relay,
		PairingTopic: pairingTopic,
		Timeout:      timeout,
	})
}

// ApproveParams configures Approve.
type ApproveParams struct {
	Topic    string
	Accounts []string
}

// Approve accepts a pending session proposal (surfaced earlier via an
// EventSessionProposal), settling it with the supplied accounts as its
// initial state.
func (c *Client) Approve(ctx context.Context, p ApproveParams) (*sequence.Settled[sequence.SessionState], error) {
	pend, ok := c.sessionPending.Get(p.Topic)
	if !ok {
		return nil, wcerr.New(wcerr.NoMatchingTopic, "no pending session proposal for topic %q", p.Topic)
	}

	proposal := sequence.Proposal{
		Topic:       pend.Topic,
		Relay:       pend.Relay,
		Proposer:    pend.Proposer,
		Signal:      pend.Signal,
		Permissions: pend.Permissions,
		TTL:         pend.TTL,
	}
	responded, err := c.sessionEngine.Respond(ctx, sequence.RespondParams{
		Approved: true,
		Proposal: proposal,
		State:    sequence.SessionState{Accounts: p.Accounts, Metadata: c.metadata},
	})
	if err != nil {
		return nil, err
	}
	if responded.Outcome == nil {
		return nil, wcerr.New(wcerr.MissingOrInvalid, "session approval produced no outcome for topic %q", p.Topic)
	}

	settled, ok := c.sessionSettled.Get(responded.Outcome.Topic)
	if !ok {
		return nil, wcerr.New(wcerr.NoMatchingTopic, "settled session missing for topic %q", responded.Outcome.Topic)
	}
	return &settled, nil
}

// Reject declines a pending session proposal, notifying the proposer.
func (c *Client) Reject(ctx context.Context, topic, reason string) error {
	pend, ok := c.sessionPending.Get(topic)
	if !ok {
		return wcerr.New(wcerr.NoMatchingTopic, "no pending session proposal for topic %q", topic)
	}

	proposal := sequence.Proposal{
		Topic:       pend.Topic,
		Relay:       pend.Relay,
		Proposer:    pend.Proposer,
		Signal:      pend.Signal,
		Permissions: pend.Permissions,
		TTL:         pend.TTL,
	}
	_, err := c.sessionEngine.Respond(ctx, sequence.RespondParams{
		Approved: false,
		Proposal: proposal,
		Reason:   reason,
	})
	return err
}

// Upgrade merges additional permissions into a settled session.
func (c *Client) Upgrade(ctx context.Context, topic string, permissions sequence.Permissions) error {
	return c.sessionEngine.Upgrade(ctx, sequence.UpgradeParams{Topic: topic, Permissions: permissions})
}

// Update replaces the mergeable fields of a settled session's state
// (currently just accounts and metadata).
func (c *Client) Update(ctx context.Context, topic string, accounts []string) error {
	return c.sessionEngine.Update(ctx, sequence.UpdateParams{
		Topic: topic,
		State: sequence.SessionState{Accounts: accounts, Metadata: c.metadata},
	})
}

// Request forwards method/params to the peer over topic's settled
// session, enforcing jsonrpc (and, if chainID is set, blockchain)
// permissions, and returns the peer's JSON-RPC result.
func (c *Client) Request(ctx context.Context, topic, method string, params any, chainID string) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("client: failed to encode request params: %w", err)
	}
	return c.sessionEngine.Request(ctx, sequence.RequestParams{
		Topic:   topic,
		Request: sequence.RPCCall{Method: method, Params: raw},
		ChainID: chainID,
	})
}

// Respond answers a forwarded request (surfaced via EventSessionRequest)
// with either a JSON-RPC result or error.
func (c *Client) Respond(ctx context.Context, topic string, requestID int64, result any, rpcErr *jsonrpc.Error) error {
	return c.sessionEngine.Send(ctx, topic, requestID, result, rpcErr)
}

// Notify broadcasts a notification of notifType to the peer over
// topic's settled session, enforcing notification-type permissions.
func (c *Client) Notify(ctx context.Context, topic, notifType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("client: failed to encode notification data: %w", err)
	}
	return c.sessionEngine.Notify(ctx, sequence.NotifyParams{
		Topic:        topic,
		Notification: sequence.Notification{Type: notifType, Data: raw},
	})
}

// Ping sends a liveness check over topic's settled session (pairing or
// session — whichever owns topic).
func (c *Client) Ping(ctx context.Context, topic string, timeout time.Duration) error {
	if _, ok := c.sessionSettled.Get(topic); ok {
		return c.sessionEngine.Ping(ctx, topic, timeout)
	}
	return c.pairingEngine.Ping(ctx, topic, timeout)
}

// Disconnect tears down a settled sequence — pairing or session,
// whichever owns topic — notifying the peer with reason.
func (c *Client) Disconnect(ctx context.Context, topic, reason string) error {
	if _, ok := c.sessionSettled.Get(topic); ok {
		return c.sessionEngine.Delete(ctx, sequence.DeleteParams{Topic: topic, Reason: reason})
	}
	if _, ok := c.pairingSettled.Get(topic); ok {
		return c.pairingEngine.Delete(ctx, sequence.DeleteParams{Topic: topic, Reason: reason})
	}
	return wcerr.New(wcerr.NoMatchingTopic, "no settled sequence for topic %q", topic)
}
