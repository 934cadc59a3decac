package sequence_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycore/wcrelay/relay"
	"github.com/relaycore/wcrelay/sequence"
	"github.com/relaycore/wcrelay/wcerr"
)

// settleFreshPairing drives a full proposer/responder handshake over a
// fresh (URI-signalled) topic between two independently-wired pairing
// parties, mirroring spec.md §8's S1 scenario, and returns both sides'
// settled view of the resulting topic.
func settleFreshPairing(t *testing.T, broker *fakeBroker, proposerControls, responderControls bool) (proposer, responder *party[sequence.PairingState], topic string) {
	t.Helper()
	ctx := context.Background()

	proposer = newParty(t, broker, sequence.NewPairingPolicy(), proposerControls)
	responder = newParty(t, broker, sequence.NewPairingPolicy(), responderControls)

	proposeCh := make(chan *sequence.ProposeResult, 1)
	proposeErrCh := make(chan error, 1)
	go func() {
		res, err := proposer.Engine.Propose(ctx, sequence.ProposeParams{})
		proposeCh <- res
		proposeErrCh <- err
	}()

	var res *sequence.ProposeResult
	select {
	case res = <-proposeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Propose")
	}
	require.NoError(t, <-proposeErrCh)
	require.NotEmpty(t, res.URI)

	uri, err := sequence.ParseURI(res.URI)
	require.NoError(t, err)

	settleCh := make(chan *sequence.Settled[sequence.PairingState], 1)
	awaitErrCh := make(chan error, 1)
	go func() {
		settled, err := proposer.Engine.AwaitSettlement(ctx, res.ProposalTopic, 2*time.Second)
		settleCh <- settled
		awaitErrCh <- err
	}()

	proposal := sequence.Proposal{
		Topic: uri.Topic,
		Relay: uri.Relay,
		Proposer: sequence.Participant{
			PublicKey:  uri.PublicKey,
			Controller: uri.Controller,
		},
		Signal:      sequence.Signal{Method: "uri"},
		Permissions: responder.Engine.DefaultPermissions(),
		TTL:         int64(responder.Engine.ProposalTTL().Seconds()),
	}

	_, err = responder.Engine.Respond(ctx, sequence.RespondParams{
		Approved: true,
		Proposal: proposal,
		State:    sequence.PairingState{},
	})
	require.NoError(t, err)

	var settled *sequence.Settled[sequence.PairingState]
	select {
	case settled = <-settleCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for settlement")
	}
	require.NoError(t, <-awaitErrCh)
	require.NotNil(t, settled)

	return proposer, responder, settled.Topic
}

func TestPairingHandshakeSettlesOnBothSides(t *testing.T) {
	broker := newFakeBroker()
	proposer, responder, topic := settleFreshPairing(t, broker, false, true)

	proposerSettled, ok := proposer.Settled.Get(topic)
	require.True(t, ok, "proposer should have a settled entry for %q", topic)
	responderSettled, ok := responder.Settled.Get(topic)
	require.True(t, ok, "responder should have a settled entry for %q", topic)

	assert.True(t, proposer.Crypto.HasKeys(topic), "proposer keychain should hold the settled key")
	assert.True(t, responder.Crypto.HasKeys(topic), "responder keychain should hold the settled key")

	assert.Equal(t, proposerSettled.Permissions.JSONRPC.Methods, responderSettled.Permissions.JSONRPC.Methods)
	assert.Equal(t, proposerSettled.Self.PublicKey, responderSettled.Peer.PublicKey)
	assert.Equal(t, responderSettled.Self.PublicKey, proposerSettled.Peer.PublicKey)

	// The pairing's controller is the side whose Controller flag was set
	// on the proposer participant (here: the responder, per the
	// wallet-is-controller convention).
	assert.Equal(t, responderSettled.Self.PublicKey, proposerSettled.Permissions.Controller.PublicKey)

	_, stillPending := proposer.Pending.Get(topic)
	assert.False(t, stillPending, "proposal-side pending entry should be gone after settlement")
}

func TestRespondRejectsWhenControllerFlagsMatch(t *testing.T) {
	broker := newFakeBroker()
	proposer := newParty(t, broker, sequence.NewPairingPolicy(), true)
	responder := newParty(t, broker, sequence.NewPairingPolicy(), true)
	ctx := context.Background()

	res, err := proposer.Engine.Propose(ctx, sequence.ProposeParams{})
	require.NoError(t, err)

	uri, err := sequence.ParseURI(res.URI)
	require.NoError(t, err)

	proposal := sequence.Proposal{
		Topic:       uri.Topic,
		Relay:       uri.Relay,
		Proposer:    sequence.Participant{PublicKey: uri.PublicKey, Controller: uri.Controller},
		Signal:      sequence.Signal{Method: "uri"},
		Permissions: responder.Engine.DefaultPermissions(),
		TTL:         int64(responder.Engine.ProposalTTL().Seconds()),
	}

	_, err = responder.Engine.Respond(ctx, sequence.RespondParams{Approved: true, Proposal: proposal})
	require.Error(t, err)
	assert.True(t, wcerr.Is(err, wcerr.UnauthorizedMatchingController), "got %v", err)
}

func TestRespondRejectionTearsDownBothSidesWithoutSettling(t *testing.T) {
	broker := newFakeBroker()
	proposer := newParty(t, broker, sequence.NewPairingPolicy(), false)
	responder := newParty(t, broker, sequence.NewPairingPolicy(), true)
	ctx := context.Background()

	res, err := proposer.Engine.Propose(ctx, sequence.ProposeParams{})
	require.NoError(t, err)
	uri, err := sequence.ParseURI(res.URI)
	require.NoError(t, err)

	awaitErrCh := make(chan error, 1)
	go func() {
		_, err := proposer.Engine.AwaitSettlement(ctx, res.ProposalTopic, 2*time.Second)
		awaitErrCh <- err
	}()

	proposal := sequence.Proposal{
		Topic:       uri.Topic,
		Relay:       uri.Relay,
		Proposer:    sequence.Participant{PublicKey: uri.PublicKey, Controller: uri.Controller},
		Signal:      sequence.Signal{Method: "uri"},
		Permissions: responder.Engine.DefaultPermissions(),
		TTL:         int64(responder.Engine.ProposalTTL().Seconds()),
	}

	_, err = responder.Engine.Respond(ctx, sequence.RespondParams{Approved: false, Reason: "user_rejected", Proposal: proposal})
	require.NoError(t, err)

	err = <-awaitErrCh
	require.Error(t, err)
	var rejected *sequence.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "user_rejected", rejected.Reason)

	assert.Zero(t, proposer.Settled.Length())
}

// newSessionPair settles a session engine pair over a fresh topic using
// the same Propose/Respond machinery as pairing (the Engine is generic
// over policy; piggy-backing over a pairing topic is a Client-level
// concern layered on the same primitives tested here).
func newSessionPair(t *testing.T, broker *fakeBroker, methods, notifTypes []string) (dapp, wallet *party[sequence.SessionState], topic string) {
	t.Helper()
	ctx := context.Background()

	dapp = newParty(t, broker, sequence.NewSessionPolicy(), false)
	wallet = newParty(t, broker, sequence.NewSessionPolicy(), true)

	proposeCh := make(chan *sequence.ProposeResult, 1)
	go func() {
		res, err := dapp.Engine.Propose(ctx, sequence.ProposeParams{
			Permissions: sequence.Permissions{
				JSONRPC:       sequence.JSONRPCPermissions{Methods: methods},
				Notifications: sequence.NotificationPermissions{Types: notifTypes},
			},
		})
		require.NoError(t, err)
		proposeCh <- res
	}()
	res := <-proposeCh

	uri, err := sequence.ParseURI(res.URI)
	require.NoError(t, err)

	settleCh := make(chan *sequence.Settled[sequence.SessionState], 1)
	go func() {
		settled, err := dapp.Engine.AwaitSettlement(ctx, res.ProposalTopic, 2*time.Second)
		require.NoError(t, err)
		settleCh <- settled
	}()

	proposal := sequence.Proposal{
		Topic:    uri.Topic,
		Relay:    uri.Relay,
		Proposer: sequence.Participant{PublicKey: uri.PublicKey, Controller: uri.Controller},
		Signal:   sequence.Signal{Method: "uri"},
		Permissions: sequence.Permissions{
			JSONRPC:       sequence.JSONRPCPermissions{Methods: methods},
			Notifications: sequence.NotificationPermissions{Types: notifTypes},
		},
		TTL: int64(wallet.Engine.ProposalTTL().Seconds()),
	}

	_, err = wallet.Engine.Respond(ctx, sequence.RespondParams{
		Approved: true,
		Proposal: proposal,
		State:    sequence.SessionState{Accounts: []string{"eip155:1:0xabc"}},
	})
	require.NoError(t, err)

	settled := <-settleCh
	return dapp, wallet, settled.Topic
}

func TestSessionProposalSettlesWithRequestedMethodsAndAccounts(t *testing.T) {
	broker := newFakeBroker()
	dapp, wallet, topic := newSessionPair(t, broker, []string{"eth_sendTransaction"}, nil)

	dappSettled, ok := dapp.Settled.Get(topic)
	require.True(t, ok)
	walletSettled, ok := wallet.Settled.Get(topic)
	require.True(t, ok)

	assert.Equal(t, []string{"eth_sendTransaction"}, dappSettled.Permissions.JSONRPC.Methods)
	assert.Equal(t, []string{"eip155:1:0xabc"}, walletSettled.State.Accounts)
	assert.Equal(t, []string{"eip155:1:0xabc"}, dappSettled.State.Accounts)
}

func TestUpgradeIsMonotonicAndControllerOnly(t *testing.T) {
	broker := newFakeBroker()
	dapp, wallet, topic := newSessionPair(t, broker, []string{"eth_sendTransaction"}, nil)
	ctx := context.Background()

	// The dapp is not the controller (it proposed with controller=false,
	// and the responding wallet was built with newParty(..., true)); it
	// must not be able to upgrade.
	err := dapp.Engine.Upgrade(ctx, sequence.UpgradeParams{
		Topic:       topic,
		Permissions: sequence.Permissions{JSONRPC: sequence.JSONRPCPermissions{Methods: []string{"personal_sign"}}},
	})
	require.Error(t, err)
	assert.True(t, wcerr.Is(err, wcerr.UnauthorizedMatchingController))

	upgraded := make(chan sequence.Event[sequence.SessionState], 1)
	dapp.Engine.On(sequence.EventUpgraded, func(ev sequence.Event[sequence.SessionState]) { upgraded <- ev })

	err = wallet.Engine.Upgrade(ctx, sequence.UpgradeParams{
		Topic:       topic,
		Permissions: sequence.Permissions{JSONRPC: sequence.JSONRPCPermissions{Methods: []string{"personal_sign"}}},
	})
	require.NoError(t, err)

	select {
	case ev := <-upgraded:
		assert.ElementsMatch(t, []string{"eth_sendTransaction", "personal_sign"}, ev.Settled.Permissions.JSONRPC.Methods)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dapp-side upgraded event")
	}

	dappSettled, _ := dapp.Settled.Get(topic)
	walletSettled, _ := wallet.Settled.Get(topic)
	assert.ElementsMatch(t, []string{"eth_sendTransaction", "personal_sign"}, dappSettled.Permissions.JSONRPC.Methods)
	assert.ElementsMatch(t, []string{"eth_sendTransaction", "personal_sign"}, walletSettled.Permissions.JSONRPC.Methods)
}

func TestUnauthorizedRequestFailsLocallyWithoutSending(t *testing.T) {
	broker := newFakeBroker()
	dapp, _, topic := newSessionPair(t, broker, []string{"eth_sendTransaction"}, nil)
	ctx := context.Background()

	_, err := dapp.Engine.Request(ctx, sequence.RequestParams{
		Topic:   topic,
		Request: sequence.RPCCall{Method: "eth_chainId"},
	})
	require.Error(t, err)
	assert.True(t, wcerr.Is(err, wcerr.UnauthorizedJSONRPCMethod))
}

func TestRequestRoundTripsToPeerResponse(t *testing.T) {
	broker := newFakeBroker()
	dapp, wallet, topic := newSessionPair(t, broker, []string{"eth_sendTransaction"}, nil)
	ctx := context.Background()

	walletRequests := make(chan sequence.Event[sequence.SessionState], 1)
	wallet.Engine.On(sequence.EventRequest, func(ev sequence.Event[sequence.SessionState]) { walletRequests <- ev })

	respCh := make(chan json.RawMessage, 1)
	reqErrCh := make(chan error, 1)
	go func() {
		result, err := dapp.Engine.Request(ctx, sequence.RequestParams{
			Topic:   topic,
			Request: sequence.RPCCall{Method: "eth_sendTransaction", Params: json.RawMessage(`["0xdeadbeef"]`)},
		})
		respCh <- result
		reqErrCh <- err
	}()

	var ev sequence.Event[sequence.SessionState]
	select {
	case ev = <-walletRequests:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound request on wallet side")
	}
	assert.Equal(t, "eth_sendTransaction", ev.Call.Method)

	require.NoError(t, wallet.Engine.Send(ctx, topic, ev.RequestID, "0xtxhash", nil))

	select {
	case result := <-respCh:
		require.NoError(t, <-reqErrCh)
		var hash string
		require.NoError(t, json.Unmarshal(result, &hash))
		assert.Equal(t, "0xtxhash", hash)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request response")
	}
}

func TestNotifyEnforcesPermittedTypes(t *testing.T) {
	broker := newFakeBroker()
	dapp, wallet, topic := newSessionPair(t, broker, nil, []string{"chainChanged"})
	ctx := context.Background()

	err := dapp.Engine.Notify(ctx, sequence.NotifyParams{Topic: topic, Notification: sequence.Notification{Type: "unknownEvent"}})
	require.Error(t, err)
	assert.True(t, wcerr.Is(err, wcerr.UnauthorizedNotificationType))

	notifCh := make(chan sequence.Event[sequence.SessionState], 1)
	wallet.Engine.On(sequence.EventNotification, func(ev sequence.Event[sequence.SessionState]) { notifCh <- ev })

	notifyErrCh := make(chan error, 1)
	go func() {
		notifyErrCh <- dapp.Engine.Notify(ctx, sequence.NotifyParams{
			Topic:        topic,
			Notification: sequence.Notification{Type: "chainChanged", Data: json.RawMessage(`"eip155:137"`)},
		})
	}()

	select {
	case ev := <-notifCh:
		assert.Equal(t, "chainChanged", ev.Notification.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification delivery")
	}
	require.NoError(t, <-notifyErrCh)
}

func TestPingSucceedsOverSettledTopic(t *testing.T) {
	broker := newFakeBroker()
	dapp, _, topic := newSessionPair(t, broker, nil, nil)
	ctx := context.Background()

	require.NoError(t, dapp.Engine.Ping(ctx, topic, time.Second))
}

func TestDeleteTearsDownBothSidesAndClearsKeys(t *testing.T) {
	broker := newFakeBroker()
	dapp, wallet, topic := newSessionPair(t, broker, nil, nil)
	ctx := context.Background()

	walletDeleted := make(chan sequence.Event[sequence.SessionState], 1)
	wallet.Engine.On(sequence.EventDeleted, func(ev sequence.Event[sequence.SessionState]) { walletDeleted <- ev })

	require.NoError(t, dapp.Engine.Delete(ctx, sequence.DeleteParams{Topic: topic, Reason: "user_disconnected"}))

	select {
	case ev := <-walletDeleted:
		assert.Equal(t, "user_disconnected", ev.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for peer-side delete")
	}

	_, ok := dapp.Settled.Get(topic)
	assert.False(t, ok)
	_, ok = wallet.Settled.Get(topic)
	assert.False(t, ok)
	assert.False(t, dapp.Crypto.HasKeys(topic))
	assert.False(t, wallet.Crypto.HasKeys(topic))
}

func TestRequestFailsWithNoMatchingTopic(t *testing.T) {
	broker := newFakeBroker()
	dapp := newParty(t, broker, sequence.NewSessionPolicy(), false)

	_, err := dapp.Engine.Request(context.Background(), sequence.RequestParams{
		Topic:   "nonexistent",
		Request: sequence.RPCCall{Method: "eth_chainId"},
	})
	require.Error(t, err)
	assert.True(t, wcerr.Is(err, wcerr.NoMatchingTopic))
}

func TestURIRoundTrip(t *testing.T) {
	rel := relay.DefaultDescriptor()
	uriStr, err := sequence.BuildURI("abc123", "deadbeef", true, rel)
	require.NoError(t, err)
	assert.Equal(t, "wc:abc123@2?controller=1&publicKey=deadbeef&relay=%7B%22protocol%22%3A%22waku%22%7D", uriStr)

	parsed, err := sequence.ParseURI(uriStr)
	require.NoError(t, err)
	assert.Equal(t, "abc123", parsed.Topic)
	assert.Equal(t, "2", parsed.Version)
	assert.True(t, parsed.Controller)
	assert.Equal(t, "deadbeef", parsed.PublicKey)
	assert.Equal(t, "waku", parsed.Relay.Protocol)
}
