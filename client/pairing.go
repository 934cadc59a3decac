package client

import (
	"context"
	"fmt"
	"time"

	"github.com/relaycore/wcrelay/sequence"
	"github.com/relaycore/wcrelay/wcerr"
)

// ConnectParams configures Connect.
type ConnectParams struct {
	// SessionPermissions is what the session proposal piggy-backed over
	// the new pairing requests; defaults to the session policy's
	// defaults if left zero.
	SessionPermissions sequence.Permissions
	// Timeout bounds the wait for both pairing and session settlement.
	// Defaults to defaultConnectTimeout.
	Timeout time.Duration
}

// Connect is the dapp-side entry point to spec.md §4.4's handshake: it
// proposes a fresh pairing, hands the resulting URI to onURI as soon as
// it's available (so a caller can render a QR code or deep link before
// blocking), then piggy-backs a session proposal over the pairing once
// it settles and awaits the session's own settlement.
func (c *Client) Connect(ctx context.Context, p ConnectParams, onURI func(uri string)) (*sequence.Settled[sequence.SessionState], error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	pairRes, err := c.pairingEngine.Propose(ctx, sequence.ProposeParams{})
	if err != nil {
		return nil, fmt.Errorf("client: failed to propose pairing: %w", err)
	}
	if onURI != nil {
		onURI(pairRes.URI)
	}

	pairSettled, err := c.pairingEngine.AwaitSettlement(ctx, pairRes.ProposalTopic, timeout)
	if err != nil {
		return nil, fmt.Errorf("client: pairing did not settle: %w", err)
	}

	sessSettled, err := c.sessionEngine.Create(ctx, sequence.ProposeParams{
		Permissions:  p.SessionPermissions,
		Relay:        pairSettled.Relay,
		PairingTopic: pairSettled.Topic,
		Timeout:      timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("client: session did not settle: %w", err)
	}
	return sessSettled, nil
}

// Pair is the wallet-side counterpart to Connect: it parses a scanned
// `wc:` URI and approves the pairing (pairing approval has no separate
// human gate in this protocol — the interesting trust decision lives at
// the session layer, approved/rejected via Approve/Reject), returning
// the now-settled pairing.
func (c *Client) Pair(ctx context.Context, uri string) (*sequence.Settled[sequence.PairingState], error) {
	parsed, err := sequence.ParseURI(uri)
	if err != nil {
		return nil, err
	}

	proposal := sequence.Proposal{
		Topic: parsed.Topic,
		Relay: parsed.Relay,
		Proposer: sequence.Participant{
			PublicKey:  parsed.PublicKey,
			Controller: parsed.Controller,
		},
		Signal:      sequence.Signal{Method: "uri"},
		Permissions: c.pairingEngine.DefaultPermissions(),
		TTL:         int64(c.pairingEngine.ProposalTTL().Seconds()),
	}

	pend, err := c.pairingEngine.Respond(ctx, sequence.RespondParams{
		Approved: true,
		Proposal: proposal,
		State:    sequence.PairingState{Metadata: c.metadata},
	})
	if err != nil {
		return nil, err
	}
	if pend.Outcome == nil {
		return nil, wcerr.New(wcerr.MissingOrInvalid, "pairing response produced no outcome for topic %q", parsed.Topic)
	}

	settled, ok := c.pairingSettled.Get(pend.Outcome.Topic)
	if !ok {
		return nil, wcerr.New(wcerr.NoMatchingTopic, "settled pairing missing for topic %q", pend.Outcome.Topic)
	}
	return &settled, nil
}
