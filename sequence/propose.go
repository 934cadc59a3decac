package sequence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaycore/wcrelay/internal/metrics"
	"github.com/relaycore/wcrelay/jsonrpc"
	"github.com/relaycore/wcrelay/relay"
	"github.com/relaycore/wcrelay/wcerr"
)

// ProposeParams configures Propose/Create.
type ProposeParams struct {
	Permissions Permissions
	Relay       relay.Descriptor
	// PairingTopic, when set, piggy-backs the proposal on an existing
	// settled pairing rather than a fresh proposal topic (spec.md
	// §4.4's session-over-pairing signal). Leave empty for pairing
	// proposals, which travel via a scanned URI instead.
	PairingTopic string
	// Timeout bounds Create's wait for settlement; defaults to the
	// policy's ProposalTTL.
	Timeout time.Duration
}

// ProposeResult is returned by Propose.
type ProposeResult struct {
	ProposalTopic string
	// URI is set only for fresh (non-piggy-backed) proposals; it is
	// the out-of-band string handed to the responder.
	URI    string
	SelfID string
}

type approvePayload struct {
	ResponderPublicKey string          `json:"responderPublicKey"`
	SettledTopic       string          `json:"settledTopic"`
	State              json.RawMessage `json:"state,omitempty"`
}

type rejectPayload struct {
	Reason string `json:"reason"`
}

// Propose generates a fresh key pair, computes (or reuses) a proposal
// topic, stores a Pending entry, and either subscribes to a fresh
// proposal topic (pairing, URI-based) or broadcasts a Propose request
// over an existing pairing topic (session piggy-back), per spec.md
// §4.4's lifecycle step 1.
func (e *Engine[S]) Propose(ctx context.Context, p ProposeParams) (*ProposeResult, error) {
	if p.Relay.Protocol == "" {
		p.Relay = relay.DefaultDescriptor()
	}

	selfID, err := e.crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}

	perms := p.Permissions
	if perms.JSONRPC.Methods == nil && perms.Notifications.Types == nil {
		perms = e.policy.DefaultPermissions()
	}

	var proposalTopic, uri string
	var signal Signal

	if p.PairingTopic != "" {
		proposalTopic = p.PairingTopic
		sigParams, _ := json.Marshal(map[string]string{"topic": p.PairingTopic})
		signal = Signal{Method: "pairing", Params: sigParams}
	} else {
		proposalTopic, err = randomTopic()
		if err != nil {
			return nil, err
		}
		uri, err = BuildURI(proposalTopic, selfID, e.selfController, p.Relay)
		if err != nil {
			return nil, err
		}
		sigParams, _ := json.Marshal(map[string]string{"uri": uri})
		signal = Signal{Method: "uri", Params: sigParams}

		if _, err := e.relayer.Subscribe(ctx, proposalTopic, relay.SubscribeOptions{Relay: p.Relay}); err != nil {
			return nil, err
		}
	}

	ttl := e.policy.ProposalTTL
	pend := Pending{
		Status:      "proposed",
		Topic:       proposalTopic,
		Relay:       p.Relay,
		Self:        Participant{PublicKey: selfID},
		Proposer:    Participant{PublicKey: selfID, Controller: e.selfController},
		Signal:      signal,
		Permissions: perms,
		TTL:         int64(ttl.Seconds()),
		Expiry:      time.Now().Add(ttl),
	}
	if err := e.pending.Set(ctx, proposalTopic, pend); err != nil {
		return nil, err
	}
	metrics.SequenceProposed.WithLabelValues(e.policy.Kind).Inc()

	if p.PairingTopic != "" {
		proposal := Proposal{
			Topic:       proposalTopic,
			Relay:       p.Relay,
			Proposer:    pend.Proposer,
			Signal:      signal,
			Permissions: perms,
			TTL:         pend.TTL,
		}
		req, err := jsonrpc.NewRequest(e.policy.MethodNamespace+"Propose", proposal)
		if err != nil {
			return nil, err
		}
		if err := e.publishRequest(ctx, proposalTopic, req); err != nil {
			return nil, err
		}
	}

	return &ProposeResult{ProposalTopic: proposalTopic, URI: uri, SelfID: selfID}, nil
}

// Create proposes and awaits settlement, per spec.md §4.4's
// "convenience that proposes and awaits settlement".
func (e *Engine[S]) Create(ctx context.Context, p ProposeParams) (*Settled[S], error) {
	res, err := e.Propose(ctx, p)
	if err != nil {
		return nil, err
	}
	return e.AwaitSettlement(ctx, res.ProposalTopic, p.Timeout)
}

// AwaitSettlement blocks until proposalTopic settles, is rejected, or
// timeout (or, if zero, the policy's ProposalTTL) elapses. Exposed
// separately from Create so a caller can surface the proposal URI (or
// otherwise act on ProposeResult) before blocking on the peer's
// response, per spec.md §6's connect() handing back a uri synchronously
// ahead of the approval that settles later.
func (e *Engine[S]) AwaitSettlement(ctx context.Context, proposalTopic string, timeout time.Duration) (*Settled[S], error) {
	ch := e.registerAwaiter(proposalTopic)
	if timeout <= 0 {
		timeout = e.policy.ProposalTTL
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.settled, nil
	case <-waitCtx.Done():
		e.clearAwaiter(proposalTopic)
		return nil, wcerr.New(wcerr.NoMatchingResponse, "settlement timed out for topic %q", proposalTopic)
	}
}

// RespondParams configures Respond.
type RespondParams struct {
	Approved bool
	Proposal Proposal
	State    S
	Reason   string
}

// Respond implements the responder side of spec.md §4.4's transitions
// 2 and 3: on approval, derives the settled topic/key, stores Settled,
// publishes the approve payload, and waits for the sender's ack before
// returning; on rejection, broadcasts reject{reason} and stores
// nothing.
func (e *Engine[S]) Respond(ctx context.Context, p RespondParams) (*Pending, error) {
	proposal := p.Proposal

	if proposal.Proposer.Controller == e.selfController {
		return nil, wcerr.New(wcerr.UnauthorizedMatchingController, "proposer and responder controller flags match on topic %q", proposal.Topic)
	}

	if !p.Approved {
		req, err := jsonrpc.NewRequest(e.policy.MethodNamespace+"Reject", rejectPayload{Reason: p.Reason})
		if err != nil {
			return nil, err
		}
		_ = e.publishRequest(ctx, proposal.Topic, req)
		metrics.SequenceRejected.WithLabelValues(e.policy.Kind).Inc()

		pend := Pending{
			Status:      "responded",
			Topic:       proposal.Topic,
			Relay:       proposal.Relay,
			Proposer:    proposal.Proposer,
			Signal:      proposal.Signal,
			Permissions: proposal.Permissions,
			TTL:         proposal.TTL,
			Expiry:      time.Now().Add(e.policy.ProposalTTL),
			Outcome:     &Outcome{Reason: p.Reason},
		}
		return &pend, nil
	}

	selfID, err := e.crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	settledTopic, err := e.crypto.GenerateSharedKey(ctx, selfID, proposal.Proposer.PublicKey)
	if err != nil {
		return nil, err
	}
	if _, err := e.relayer.Subscribe(ctx, settledTopic, relay.SubscribeOptions{Relay: proposal.Relay}); err != nil {
		return nil, err
	}

	// A URI-signalled proposal (pairing) never travelled over the relay,
	// so unlike the session-over-pairing case (proposal.Topic already a
	// settled, subscribed pairing topic) this responder has no existing
	// subscription on proposal.Topic. It needs one to receive the
	// proposer's ack to the approve call below.
	if proposal.Signal.Method == "uri" {
		if _, err := e.relayer.Subscribe(ctx, proposal.Topic, relay.SubscribeOptions{Relay: proposal.Relay}); err != nil {
			return nil, err
		}
	}

	controllerPub := proposal.Proposer.PublicKey
	if !proposal.Proposer.Controller {
		controllerPub = selfID
	}
	permissions := proposal.Permissions
	permissions.Controller = Controller{PublicKey: controllerPub}

	expiry := time.Now().Add(e.policy.SettledTTL)
	settledEntry := Settled[S]{
		Topic:       settledTopic,
		Relay:       proposal.Relay,
		Self:        Participant{PublicKey: selfID, Controller: !proposal.Proposer.Controller},
		Peer:        proposal.Proposer,
		Permissions: permissions,
		Expiry:      expiry,
		State:       p.State,
	}

	stateRaw, err := json.Marshal(p.State)
	if err != nil {
		return nil, err
	}

	pend := Pending{
		Status:      "responded",
		Topic:       proposal.Topic,
		Relay:       proposal.Relay,
		Self:        Participant{PublicKey: selfID},
		Proposer:    proposal.Proposer,
		Signal:      proposal.Signal,
		Permissions: permissions,
		TTL:         proposal.TTL,
		Expiry:      time.Now().Add(e.policy.ProposalTTL),
		Outcome: &Outcome{
			Topic:     settledTopic,
			Relay:     proposal.Relay,
			Responder: &Participant{PublicKey: selfID},
			Expiry:    expiry,
			State:     stateRaw,
		},
	}
	if err := e.pending.Set(ctx, proposal.Topic, pend); err != nil {
		return nil, err
	}
	if err := e.settled.Set(ctx, settledTopic, settledEntry); err != nil {
		return nil, err
	}

	req, err := jsonrpc.NewRequest(e.policy.MethodNamespace+"Approve", approvePayload{
		ResponderPublicKey: selfID,
		SettledTopic:       settledTopic,
		State:              stateRaw,
	})
	if err != nil {
		return nil, err
	}

	resp, err := e.call(ctx, proposal.Topic, req)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("peer rejected approve ack: %s", resp.Error.Message)
	}

	metrics.SequenceSettled.WithLabelValues(e.policy.Kind).Inc()
	e.syncActiveGauge()
	e.bus.emit(Event[S]{Type: EventSettled, Topic: settledTopic, Settled: &settledEntry})

	_ = e.pending.DeleteWithReason(ctx, proposal.Topic, string(wcerr.Settled))
	if proposal.Signal.Method == "uri" {
		_ = e.relayer.Unsubscribe(ctx, proposal.Topic, relay.UnsubscribeOptions{Relay: proposal.Relay})
	}

	return &pend, nil
}

// handleApprove is the proposer side of transition 1: on receiving the
// responder's approve payload, derive the shared settled topic, store
// Settled, ack, emit settled, and tear down the proposal topic.
func (e *Engine[S]) handleApprove(ctx context.Context, proposalTopic string, env envelope) {
	pend, ok := e.pending.Get(proposalTopic)
	if !ok {
		return
	}

	var approve approvePayload
	if err := json.Unmarshal(env.Params, &approve); err != nil {
		return
	}

	settledTopic, err := e.crypto.GenerateSharedKey(ctx, pend.Self.PublicKey, approve.ResponderPublicKey, approve.SettledTopic)
	if err != nil {
		return
	}
	if _, err := e.relayer.Subscribe(ctx, settledTopic, relay.SubscribeOptions{Relay: pend.Relay}); err != nil {
		return
	}

	var state S
	if len(approve.State) > 0 {
		_ = json.Unmarshal(approve.State, &state)
	}

	controllerPub := pend.Proposer.PublicKey
	if !pend.Proposer.Controller {
		controllerPub = approve.ResponderPublicKey
	}
	permissions := pend.Permissions
	permissions.Controller = Controller{PublicKey: controllerPub}

	settledEntry := Settled[S]{
		Topic:       settledTopic,
		Relay:       pend.Relay,
		Self:        pend.Self,
		Peer:        Participant{PublicKey: approve.ResponderPublicKey},
		Permissions: permissions,
		Expiry:      time.Now().Add(e.policy.SettledTTL),
		State:       state,
	}
	if err := e.settled.Set(ctx, settledTopic, settledEntry); err != nil {
		return
	}

	metrics.SequenceSettled.WithLabelValues(e.policy.Kind).Inc()
	e.syncActiveGauge()

	ack, err := jsonrpc.NewResult(env.ID, true)
	if err == nil {
		_ = e.publishResponse(ctx, proposalTopic, ack)
	}

	e.bus.emit(Event[S]{Type: EventSettled, Topic: settledTopic, Settled: &settledEntry})
	e.resolveAwaiter(proposalTopic, &settledEntry, nil)

	_ = e.pending.DeleteWithReason(ctx, proposalTopic, string(wcerr.Settled))
	if pend.Signal.Method == "uri" {
		_ = e.relayer.Unsubscribe(ctx, proposalTopic, relay.UnsubscribeOptions{Relay: pend.Relay})
	}
}

// handleReject is the proposer side of transition 3.
func (e *Engine[S]) handleReject(ctx context.Context, proposalTopic string, env envelope) {
	pend, ok := e.pending.Get(proposalTopic)
	if !ok {
		return
	}

	var reject rejectPayload
	_ = json.Unmarshal(env.Params, &reject)

	metrics.SequenceRejected.WithLabelValues(e.policy.Kind).Inc()
	e.resolveAwaiter(proposalTopic, nil, &RejectedError{Reason: reject.Reason})

	_ = e.pending.DeleteWithReason(ctx, proposalTopic, reject.Reason)
	if pend.Signal.Method == "uri" {
		_ = e.relayer.Unsubscribe(ctx, proposalTopic, relay.UnsubscribeOptions{Relay: pend.Relay})
	}
	e.bus.emit(Event[S]{Type: EventRejected, Topic: proposalTopic, Reason: reject.Reason})
}

// handlePropose receives a session proposal piggy-backed over a
// settled pairing topic and surfaces it as EventProposal for the
// Client layer to approve or reject via Respond.
func (e *Engine[S]) handlePropose(ctx context.Context, pairingTopic string, env envelope) {
	var proposal Proposal
	if err := json.Unmarshal(env.Params, &proposal); err != nil {
		return
	}

	pend := Pending{
		Status:      "proposed",
		Topic:       proposal.Topic,
		Relay:       proposal.Relay,
		Proposer:    proposal.Proposer,
		Signal:      proposal.Signal,
		Permissions: proposal.Permissions,
		TTL:         proposal.TTL,
		Expiry:      time.Now().Add(e.policy.ProposalTTL),
	}
	if err := e.pending.Set(ctx, proposal.Topic, pend); err != nil {
		return
	}
	metrics.SequenceProposed.WithLabelValues(e.policy.Kind).Inc()
	e.bus.emit(Event[S]{Type: EventProposal, Topic: proposal.Topic, Proposal: &proposal})
}
