package sequence

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/relaycore/wcrelay/crypto"
	"github.com/relaycore/wcrelay/internal/logger"
	"github.com/relaycore/wcrelay/internal/metrics"
	"github.com/relaycore/wcrelay/jsonrpc"
	"github.com/relaycore/wcrelay/relay"
	"github.com/relaycore/wcrelay/subscription"
	"github.com/relaycore/wcrelay/wcerr"
)

const defaultRequestTimeout = 30 * time.Second

// RejectedError wraps a peer-supplied rejection reason, per spec.md
// §7's "peer rejections surface as the reason string provided by the
// peer".
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("proposal rejected: %s", e.Reason)
}

// envelope is the superset shape an inbound Engine-level message can
// take: either a request/notification the peer sent us, or a response
// to one of our own in-flight calls.
type envelope struct {
	ID      int64           `json:"id,omitempty"`
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpc.Error  `json:"error,omitempty"`
}

type settleResult[S any] struct {
	settled *Settled[S]
	err     error
}

// Engine is spec.md §4.4's protocol instantiated once per sequence
// kind: a generic proposal→settlement state machine parameterized by
// Policy[S] (TTLs, merge rules, method namespace) and S (the shape of
// the mutable settled state).
type Engine[S any] struct {
	policy         Policy[S]
	selfController bool
	requestTimeout time.Duration

	pending *subscription.Store[Pending]
	settled *subscription.Store[Settled[S]]
	relayer *relay.Relayer
	crypto  *crypto.Controller
	history *jsonrpc.History

	inflightMu sync.Mutex
	inflight   map[int64]chan *jsonrpc.Response

	awaitMu  sync.Mutex
	awaiters map[string]chan settleResult[S]

	bus *engineEventBus[S]
}

// NewEngine wires an Engine over its stores, relayer, crypto controller
// and request history. selfController declares which side of every
// sequence this client plays (typically true for a wallet, false for a
// dapp); it drives the controller tie-break and exclusivity checks.
func NewEngine[S any](
	policy Policy[S],
	selfController bool,
	pending *subscription.Store[Pending],
	settled *subscription.Store[Settled[S]],
	relayer *relay.Relayer,
	cryptoCtrl *crypto.Controller,
	history *jsonrpc.History,
) *Engine[S] {
	e := &Engine[S]{
		policy:         policy,
		selfController: selfController,
		requestTimeout: defaultRequestTimeout,
		pending:        pending,
		settled:        settled,
		relayer:        relayer,
		crypto:         cryptoCtrl,
		history:        history,
		inflight:       make(map[int64]chan *jsonrpc.Response),
		awaiters:       make(map[string]chan settleResult[S]),
		bus:            newEngineEventBus[S](),
	}

	relayer.On(relay.EventMessage, e.onRelayMessage)
	relayer.On(relay.EventReconnected, e.onReconnected)

	settled.On(subscription.EventDeleted, e.onSettledDeleted)
	settled.On(subscription.EventEnabled, func(subscription.Event[Settled[S]]) { e.syncActiveGauge() })
	pending.On(subscription.EventDeleted, e.onPendingDeleted)

	return e
}

// On registers fn to run whenever kind fires.
func (e *Engine[S]) On(kind EventKind, fn func(Event[S])) {
	e.bus.on(kind, fn)
}

// DefaultPermissions exposes the policy's default permission set, used
// by callers that must reconstruct a Proposal from an out-of-band
// signal (a scanned pairing URI) that doesn't itself carry permissions.
func (e *Engine[S]) DefaultPermissions() Permissions {
	return e.policy.DefaultPermissions()
}

// ProposalTTL exposes the policy's pending-proposal TTL.
func (e *Engine[S]) ProposalTTL() time.Duration {
	return e.policy.ProposalTTL
}

// ResubscribeAll re-subscribes every topic this engine currently holds
// across both stores. Exported so the Client facade can invoke it
// after Restore+Enable on startup, in addition to the automatic call
// on relayer reconnect.
func (e *Engine[S]) ResubscribeAll(ctx context.Context) {
	for _, topic := range e.pending.Topics() {
		if pend, ok := e.pending.Get(topic); ok && pend.Signal.Method == "uri" {
			if _, err := e.relayer.Subscribe(ctx, topic, relay.SubscribeOptions{Relay: pend.Relay}); err != nil {
				logger.Warn("failed to resubscribe pending topic", logger.Field{Key: "topic", Value: topic}, logger.Field{Key: "error", Value: err.Error()})
			}
		}
	}
	for _, topic := range e.settled.Topics() {
		if sett, ok := e.settled.Get(topic); ok {
			if _, err := e.relayer.Subscribe(ctx, topic, relay.SubscribeOptions{Relay: sett.Relay}); err != nil {
				logger.Warn("failed to resubscribe settled topic", logger.Field{Key: "topic", Value: topic}, logger.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

func (e *Engine[S]) syncActiveGauge() {
	metrics.SequenceActive.WithLabelValues(e.policy.Kind).Set(float64(e.settled.Length()))
}

// onSettledDeleted is the single place a settled entry's teardown
// happens, regardless of whether it was triggered by Delete,
// handleDelete, or the store's own TTL sweep: clears the keychain
// entry, drops the relay subscription, syncs the active gauge, and
// emits the engine-level deleted event exactly once.
func (e *Engine[S]) onSettledDeleted(ev subscription.Event[Settled[S]]) {
	ctx := context.Background()
	_ = e.crypto.DeleteKeys(ctx, ev.Topic)
	_ = e.relayer.Unsubscribe(ctx, ev.Topic, relay.UnsubscribeOptions{Relay: ev.Value.Relay})
	if ev.Reason == string(wcerr.Expired) {
		metrics.SequenceExpired.WithLabelValues(e.policy.Kind).Inc()
	}
	e.syncActiveGauge()
	e.bus.emit(Event[S]{Type: EventDeleted, Topic: ev.Topic, Reason: ev.Reason})
}

func (e *Engine[S]) onPendingDeleted(ev subscription.Event[Pending]) {
	if ev.Reason == string(wcerr.Expired) {
		metrics.SequenceExpired.WithLabelValues(e.policy.Kind).Inc()
		e.resolveAwaiter(ev.Topic, nil, wcerr.New(wcerr.Expired, "proposal %q expired", ev.Topic))
	}
}

// onReconnected resubscribes every topic this engine currently holds,
// per spec.md §4.3: "resubscription is driven externally by the
// Sequence layer reacting to SUBSCRIPTION.created events" (here,
// driven by the relayer's own reconnect signal instead, since the
// engine is the layer that knows which topics matter).
func (e *Engine[S]) onReconnected(relay.Event) {
	ctx := context.Background()
	for _, topic := range e.pending.Topics() {
		if pend, ok := e.pending.Get(topic); ok {
			if _, err := e.relayer.Subscribe(ctx, topic, relay.SubscribeOptions{Relay: pend.Relay}); err != nil {
				logger.Warn("failed to resubscribe pending topic after reconnect", logger.Field{Key: "topic", Value: topic}, logger.Field{Key: "error", Value: err.Error()})
			}
		}
	}
	for _, topic := range e.settled.Topics() {
		if sett, ok := e.settled.Get(topic); ok {
			if _, err := e.relayer.Subscribe(ctx, topic, relay.SubscribeOptions{Relay: sett.Relay}); err != nil {
				logger.Warn("failed to resubscribe settled topic after reconnect", logger.Field{Key: "topic", Value: topic}, logger.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

func randomTopic() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate topic: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (e *Engine[S]) registerAwaiter(topic string) chan settleResult[S] {
	ch := make(chan settleResult[S], 1)
	e.awaitMu.Lock()
	e.awaiters[topic] = ch
	e.awaitMu.Unlock()
	return ch
}

func (e *Engine[S]) clearAwaiter(topic string) {
	e.awaitMu.Lock()
	delete(e.awaiters, topic)
	e.awaitMu.Unlock()
}

func (e *Engine[S]) resolveAwaiter(topic string, settled *Settled[S], err error) {
	e.awaitMu.Lock()
	ch, ok := e.awaiters[topic]
	if ok {
		delete(e.awaiters, topic)
	}
	e.awaitMu.Unlock()
	if ok {
		select {
		case ch <- settleResult[S]{settled: settled, err: err}:
		default:
		}
	}
}

func (e *Engine[S]) publishRequest(ctx context.Context, topic string, req *jsonrpc.Request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return e.relayer.Publish(ctx, topic, raw, relay.PublishOptions{})
}

func (e *Engine[S]) publishResponse(ctx context.Context, topic string, resp *jsonrpc.Response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	return e.relayer.Publish(ctx, topic, raw, relay.PublishOptions{})
}

// call sends req over topic and blocks for the matching response or
// the engine's request timeout, per spec.md §5's "every request
// carries an implicit timeout (default 30s)".
func (e *Engine[S]) call(ctx context.Context, topic string, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	ch := make(chan *jsonrpc.Response, 1)
	e.inflightMu.Lock()
	e.inflight[req.ID] = ch
	e.inflightMu.Unlock()
	defer func() {
		e.inflightMu.Lock()
		delete(e.inflight, req.ID)
		e.inflightMu.Unlock()
	}()

	if err := e.publishRequest(ctx, topic, req); err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()
	select {
	case resp := <-ch:
		return resp, nil
	case <-waitCtx.Done():
		return nil, wcerr.New(wcerr.NoMatchingResponse, "no response for request on topic %q", topic)
	}
}

// onRelayMessage dispatches an inbound decrypted payload. Topics not
// tracked by this engine's stores are ignored (they belong to the
// sibling engine sharing the same Relayer).
func (e *Engine[S]) onRelayMessage(evt relay.Event) {
	var env envelope
	if err := json.Unmarshal(evt.Payload, &env); err != nil {
		logger.Warn("malformed sequence envelope", logger.Field{Key: "topic", Value: evt.Topic}, logger.Field{Key: "error", Value: err.Error()})
		return
	}

	// A session Propose arrives over a pairing topic the session
	// engine has never seen before, so it's exempt from the ownership
	// filter below; every other method only makes sense on a topic
	// this engine already tracks.
	if env.Method == e.policy.MethodNamespace+"Propose" {
		e.handlePropose(context.Background(), evt.Topic, env)
		return
	}

	_, pendingOK := e.pending.Get(evt.Topic)
	_, settledOK := e.settled.Get(evt.Topic)
	if !pendingOK && !settledOK {
		return
	}

	ctx := context.Background()
	if env.Method != "" {
		e.handleRequest(ctx, evt.Topic, env)
		return
	}

	e.inflightMu.Lock()
	ch, ok := e.inflight[env.ID]
	e.inflightMu.Unlock()
	if !ok {
		return
	}
	resp := &jsonrpc.Response{ID: env.ID, JSONRPC: jsonrpc.Version, Result: env.Result, Error: env.Error}
	select {
	case ch <- resp:
	default:
	}
}

func (e *Engine[S]) handleRequest(ctx context.Context, topic string, env envelope) {
	suffix := strings.TrimPrefix(env.Method, e.policy.MethodNamespace)
	switch suffix {
	case "Approve":
		e.handleApprove(ctx, topic, env)
	case "Reject":
		e.handleReject(ctx, topic, env)
	case "Upgrade":
		e.handleUpgrade(ctx, topic, env)
	case "Update":
		e.handleUpdate(ctx, topic, env)
	case "Payload":
		e.handlePayload(ctx, topic, env)
	case "Ping":
		e.handlePing(ctx, topic, env)
	case "Notification":
		e.handleNotification(ctx, topic, env)
	case "Delete":
		e.handleDelete(ctx, topic, env)
	case "Propose":
		e.handlePropose(ctx, topic, env)
	default:
		logger.Warn("unrecognized sequence method", logger.Field{Key: "method", Value: env.Method})
	}
}
