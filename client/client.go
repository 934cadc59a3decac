// Package client implements the top-level facade described in spec.md
// §6: a single cooperative object that owns the keychain, the four
// pending/settled subscription stores (pairing and session, each
// pending and settled), the relayer, and the two sequence Engines,
// exposing one request/approval surface per peer instead of four.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/wcrelay/crypto"
	"github.com/relaycore/wcrelay/jsonrpc"
	"github.com/relaycore/wcrelay/relay"
	"github.com/relaycore/wcrelay/sequence"
	"github.com/relaycore/wcrelay/storage"
	"github.com/relaycore/wcrelay/storage/memory"
	"github.com/relaycore/wcrelay/subscription"
)

// PairingInfo is the Client-facing view of a pairing sequence.
type PairingInfo struct {
	Topic    string
	Proposal *sequence.Proposal
	Settled  *sequence.Settled[sequence.PairingState]
}

// SessionInfo is the Client-facing view of a session sequence.
type SessionInfo struct {
	Topic        string
	Proposal     *sequence.Proposal
	Settled      *sequence.Settled[sequence.SessionState]
	RequestID    int64
	Call         *sequence.RPCCall
	Notification *sequence.Notification
}

// Config configures a Client. Store and Transport default to an
// in-memory KV and a dialed WSTransport over RelayURL, respectively;
// tests typically supply both explicitly.
type Config struct {
	RelayURL  string
	Transport relay.Transport
	Reconnect relay.ReconnectConfig
	Store     storage.KVStore

	// SelfController declares which side of every sequence this client
	// plays — typically true for a wallet, false for a dapp — driving
	// the controller tie-break and exclusivity checks throughout
	// sequence.Engine.
	SelfController bool
	Metadata       *sequence.AppMetadata

	// PairingTTLs/SessionTTLs override the protocol default proposal and
	// settled lifetimes; zero fields fall back to the defaults baked
	// into sequence.NewPairingPolicy/NewSessionPolicy.
	PairingTTLs TTLOverride
	SessionTTLs TTLOverride
}

// TTLOverride overrides a sequence policy's proposal/settled lifetimes.
type TTLOverride struct {
	ProposalTTL time.Duration
	SettledTTL  time.Duration
}

// Client is the cooperative core every public method funnels through,
// mirroring the single-mutex-guarded-core shape of a long-running
// session manager: most of its own state lives in the four
// subscription.Store instances and the two Engines, each already safe
// for concurrent use, so Client itself holds no additional lock.
type Client struct {
	id             string
	cfg            Config
	kv             storage.KVStore
	transport      relay.Transport
	metadata       *sequence.AppMetadata
	selfController bool

	crypto  *crypto.Controller
	history *jsonrpc.History
	relayer *relay.Relayer

	pairingPending *subscription.Store[sequence.Pending]
	pairingSettled *subscription.Store[sequence.Settled[sequence.PairingState]]
	sessionPending *subscription.Store[sequence.Pending]
	sessionSettled *subscription.Store[sequence.Settled[sequence.SessionState]]

	pairingEngine *sequence.Engine[sequence.PairingState]
	sessionEngine *sequence.Engine[sequence.SessionState]

	bus *eventBus
}

// New wires a Client's stores against cfg.Store (or a fresh in-memory
// store) without touching the network or persisted state; call Init to
// restore persisted entries and bring the relay connection up.
func New(cfg Config) (*Client, error) {
	if cfg.Transport == nil && cfg.RelayURL == "" {
		return nil, fmt.Errorf("client: Config.Transport or Config.RelayURL is required")
	}

	kv := cfg.Store
	if kv == nil {
		kv = memory.New()
	}
	transport := cfg.Transport
	if transport == nil {
		transport = relay.NewWSTransport(cfg.RelayURL)
	}

	c := &Client{
		id:             uuid.NewString(),
		cfg:            cfg,
		kv:             kv,
		transport:      transport,
		metadata:       cfg.Metadata,
		selfController: cfg.SelfController,
		bus:            newEventBus(),

		pairingPending: subscription.New[sequence.Pending]("pairing_pending", "wc@2:client//pairing:pending:", kv),
		pairingSettled: subscription.New[sequence.Settled[sequence.PairingState]]("pairing_settled", "wc@2:client//pairing:settled:", kv),
		sessionPending: subscription.New[sequence.Pending]("session_pending", "wc@2:client//session:pending:", kv),
		sessionSettled: subscription.New[sequence.Settled[sequence.SessionState]]("session_settled", "wc@2:client//session:settled:", kv),
	}
	return c, nil
}

// ID is this Client instance's correlation id, used only in logging —
// it has no protocol meaning and is never transmitted to a peer.
func (c *Client) ID() string { return c.id }

// Init brings the Client fully up: loads the keychain and persisted
// request history, restores every subscription store from kv, dials
// the relay, enables the stores (promoting cached entries to live), and
// resubscribes every topic restored from a prior run. Mirrors spec.md
// §4.3's restore-then-enable startup sequence applied across all four
// stores at once.
func (c *Client) Init(ctx context.Context) error {
	cryptoCtrl, err := crypto.NewController(ctx, c.kv)
	if err != nil {
		return fmt.Errorf("client: failed to initialize keychain: %w", err)
	}
	c.crypto = cryptoCtrl

	history, err := jsonrpc.NewHistory(ctx, c.kv)
	if err != nil {
		return fmt.Errorf("client: failed to initialize request history: %w", err)
	}
	c.history = history

	c.relayer = relay.New(c.transport, c.crypto, c.cfg.Reconnect)

	pairingPolicy := sequence.NewPairingPolicyWithTTLs(c.cfg.PairingTTLs.ProposalTTL, c.cfg.PairingTTLs.SettledTTL)
	sessionPolicy := sequence.NewSessionPolicyWithTTLs(c.cfg.SessionTTLs.ProposalTTL, c.cfg.SessionTTLs.SettledTTL)
	c.pairingEngine = sequence.NewEngine(pairingPolicy, c.selfController, c.pairingPending, c.pairingSettled, c.relayer, c.crypto, c.history)
	c.sessionEngine = sequence.NewEngine(sessionPolicy, c.selfController, c.sessionPending, c.sessionSettled, c.relayer, c.crypto, c.history)
	c.wireEvents()

	stores := []func(context.Context) error{
		c.pairingPending.Restore,
		c.pairingSettled.Restore,
		c.sessionPending.Restore,
		c.sessionSettled.Restore,
	}
	for _, restore := range stores {
		if err := restore(ctx); err != nil {
			return fmt.Errorf("client: failed to restore persisted state: %w", err)
		}
	}

	if err := c.relayer.Init(ctx); err != nil {
		return fmt.Errorf("client: failed to connect to relay: %w", err)
	}

	c.pairingPending.Enable()
	c.pairingSettled.Enable()
	c.sessionPending.Enable()
	c.sessionSettled.Enable()

	c.pairingEngine.ResubscribeAll(ctx)
	c.sessionEngine.ResubscribeAll(ctx)

	return nil
}

// wireEvents translates every pairing/session Engine event into a
// named Client-level event, per spec.md §6's event list.
func (c *Client) wireEvents() {
	c.pairingEngine.On(sequence.EventProposal, func(ev sequence.Event[sequence.PairingState]) {
		c.bus.emit(Event{Name: EventPairingProposal, Topic: ev.Topic, Pairing: &PairingInfo{Topic: ev.Topic, Proposal: ev.Proposal}})
	})
	c.pairingEngine.On(sequence.EventSettled, func(ev sequence.Event[sequence.PairingState]) {
		c.bus.emit(Event{Name: EventPairingSettled, Topic: ev.Topic, Pairing: &PairingInfo{Topic: ev.Topic, Settled: ev.Settled}})
	})
	c.pairingEngine.On(sequence.EventUpdated, func(ev sequence.Event[sequence.PairingState]) {
		c.bus.emit(Event{Name: EventPairingUpdated, Topic: ev.Topic, Pairing: &PairingInfo{Topic: ev.Topic, Settled: ev.Settled}})
	})
	c.pairingEngine.On(sequence.EventDeleted, func(ev sequence.Event[sequence.PairingState]) {
		c.bus.emit(Event{Name: EventPairingDeleted, Topic: ev.Topic, Reason: ev.Reason})
	})

	c.sessionEngine.On(sequence.EventProposal, func(ev sequence.Event[sequence.SessionState]) {
		c.bus.emit(Event{Name: EventSessionProposal, Topic: ev.Topic, Session: &SessionInfo{Topic: ev.Topic, Proposal: ev.Proposal}})
	})
	c.sessionEngine.On(sequence.EventSettled, func(ev sequence.Event[sequence.SessionState]) {
		c.bus.emit(Event{Name: EventSessionSettled, Topic: ev.Topic, Session: &SessionInfo{Topic: ev.Topic, Settled: ev.Settled}})
	})
	c.sessionEngine.On(sequence.EventUpdated, func(ev sequence.Event[sequence.SessionState]) {
		c.bus.emit(Event{Name: EventSessionUpdated, Topic: ev.Topic, Session: &SessionInfo{Topic: ev.Topic, Settled: ev.Settled}})
	})
	c.sessionEngine.On(sequence.EventUpgraded, func(ev sequence.Event[sequence.SessionState]) {
		c.bus.emit(Event{Name: EventSessionUpgraded, Topic: ev.Topic, Session: &SessionInfo{Topic: ev.Topic, Settled: ev.Settled}})
	})
	c.sessionEngine.On(sequence.EventRequest, func(ev sequence.Event[sequence.SessionState]) {
		c.bus.emit(Event{Name: EventSessionRequest, Topic: ev.Topic, Session: &SessionInfo{Topic: ev.Topic, RequestID: ev.RequestID, Call: ev.Call}})
	})
	c.sessionEngine.On(sequence.EventNotification, func(ev sequence.Event[sequence.SessionState]) {
		c.bus.emit(Event{Name: EventSessionNotification, Topic: ev.Topic, Session: &SessionInfo{Topic: ev.Topic, Notification: ev.Notification}})
	})
	c.sessionEngine.On(sequence.EventDeleted, func(ev sequence.Event[sequence.SessionState]) {
		c.bus.emit(Event{Name: EventSessionDeleted, Topic: ev.Topic, Reason: ev.Reason})
	})
}

// Close tears down the relay connection and the persisted stores'
// heartbeat sweepers, then closes the underlying KV store.
func (c *Client) Close() error {
	if c.relayer != nil {
		_ = c.relayer.Close()
	}
	if c.history != nil {
		_ = c.history.Close()
	}
	_ = c.pairingPending.Close()
	_ = c.pairingSettled.Close()
	_ = c.sessionPending.Close()
	_ = c.sessionSettled.Close()
	return c.kv.Close()
}

// defaultConnectTimeout bounds Connect's wait for pairing settlement
// when ConnectParams.Timeout is unset.
const defaultConnectTimeout = 5 * time.Minute
