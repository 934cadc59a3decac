package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relaycore/wcrelay/crypto"
	"github.com/relaycore/wcrelay/internal/logger"
	"github.com/relaycore/wcrelay/internal/metrics"
	"github.com/relaycore/wcrelay/jsonrpc"
	"github.com/relaycore/wcrelay/wcerr"
)

// ReconnectConfig tunes the Relayer's backoff when the transport drops.
type ReconnectConfig struct {
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func (c ReconnectConfig) orDefaults() ReconnectConfig {
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// Relayer is a thin JSON-RPC transport over Transport, multiplexing
// every topic subscription a client holds and correlating inbound
// frames back to subscription ids, per spec.md §4.3.
type Relayer struct {
	transport Transport
	crypto    *crypto.Controller
	reconnect ReconnectConfig

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan *jsonrpc.Response

	subsMu        sync.RWMutex
	subscriptions map[string]string // subscription id -> topic

	bus *eventBus

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a Relayer over transport, encrypting/decrypting inbound
// and outbound payloads through crypto.
func New(transport Transport, cryptoCtrl *crypto.Controller, reconnect ReconnectConfig) *Relayer {
	return &Relayer{
		transport:     transport,
		crypto:        cryptoCtrl,
		reconnect:     reconnect.orDefaults(),
		pending:       make(map[int64]chan *jsonrpc.Response),
		subscriptions: make(map[string]string),
		bus:           newEventBus(),
	}
}

// On registers fn to run whenever evt fires.
func (r *Relayer) On(evt EventType, fn func(Event)) {
	r.bus.on(evt, fn)
}

// Init connects the transport and starts the inbound read loop, which
// also owns reconnection on disconnect.
func (r *Relayer) Init(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if err := r.transport.Connect(runCtx); err != nil {
		cancel()
		return fmt.Errorf("relayer init: %w", err)
	}

	g, gctx := errgroup.WithContext(runCtx)
	r.group = g
	g.Go(func() error { return r.readLoop(gctx) })
	return nil
}

// Close stops the read/reconnect loop and closes the transport.
func (r *Relayer) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.group != nil {
		_ = r.group.Wait()
	}
	return r.transport.Close()
}

// Publish encrypts payload under topic's key (if one exists) or
// hex-encodes it unencrypted, then sends a "<protocol>_publish" RPC.
func (r *Relayer) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	message, err := r.sealOutbound(ctx, topic, payload)
	if err != nil {
		return err
	}

	params := publishParams{Topic: topic, Message: message}
	if opts.TTL > 0 {
		params.TTL = int64(opts.TTL.Seconds())
	}

	resp, err := r.call(ctx, opts.Relay.protocolOrDefault()+"_publish", params, "publish")
	if err != nil {
		metrics.RelayPublishes.WithLabelValues("error").Inc()
		return err
	}
	if resp.IsError() {
		metrics.RelayPublishes.WithLabelValues("error").Inc()
		return wcerr.New(wcerr.MissingOrInvalid, "relay publish rejected: %s", resp.Error.Message)
	}
	metrics.RelayPublishes.WithLabelValues("ack").Inc()
	return nil
}

// Subscribe registers interest in topic with the relay, returning the
// server-assigned subscription id.
func (r *Relayer) Subscribe(ctx context.Context, topic string, opts SubscribeOptions) (string, error) {
	resp, err := r.call(ctx, opts.Relay.protocolOrDefault()+"_subscribe", subscribeParams{Topic: topic}, "subscribe")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", wcerr.New(wcerr.MissingOrInvalid, "relay subscribe rejected: %s", resp.Error.Message)
	}

	var id string
	if err := json.Unmarshal(resp.Result, &id); err != nil {
		return "", wcerr.Wrap(wcerr.MissingOrInvalid, err, "malformed subscribe result")
	}

	r.subsMu.Lock()
	r.subscriptions[id] = topic
	r.subsMu.Unlock()
	metrics.RelaySubscriptions.Set(float64(r.subscriptionCount()))

	return id, nil
}

// Unsubscribe removes opts.ID if given, or every subscription currently
// held for topic otherwise. This is the Open Question fix from spec.md
// §9: the original's filter kept only the matching id instead of
// removing it; here every matching id is actually deleted.
func (r *Relayer) Unsubscribe(ctx context.Context, topic string, opts UnsubscribeOptions) error {
	ids := r.idsForTopic(topic, opts.ID)
	if len(ids) == 0 {
		return wcerr.New(wcerr.NoMatchingTopic, "no subscription for topic %q", topic)
	}

	protocol := opts.Relay.protocolOrDefault()
	for _, id := range ids {
		resp, err := r.call(ctx, protocol+"_unsubscribe", unsubscribeParams{ID: id}, "unsubscribe")
		if err != nil {
			return err
		}
		if resp.IsError() {
			return wcerr.New(wcerr.MissingOrInvalid, "relay unsubscribe rejected: %s", resp.Error.Message)
		}

		r.subsMu.Lock()
		delete(r.subscriptions, id)
		r.subsMu.Unlock()
	}
	metrics.RelaySubscriptions.Set(float64(r.subscriptionCount()))
	return nil
}

func (r *Relayer) idsForTopic(topic, onlyID string) []string {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()

	if onlyID != "" {
		if t, ok := r.subscriptions[onlyID]; ok && t == topic {
			return []string{onlyID}
		}
		return nil
	}

	var ids []string
	for id, t := range r.subscriptions {
		if t == topic {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Relayer) subscriptionCount() int {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()
	return len(r.subscriptions)
}

func (r *Relayer) sealOutbound(ctx context.Context, topic string, payload []byte) (string, error) {
	if r.crypto.HasKeys(topic) {
		return r.crypto.Encrypt(ctx, topic, string(payload))
	}
	return hex.EncodeToString(payload), nil
}

func (r *Relayer) openInbound(ctx context.Context, topic, messageHex string) ([]byte, error) {
	if r.crypto.HasKeys(topic) {
		plain, err := r.crypto.Decrypt(ctx, topic, messageHex)
		if err != nil {
			return nil, err
		}
		return []byte(plain), nil
	}
	return hex.DecodeString(messageHex)
}

// call sends a JSON-RPC request and blocks for its matching response.
func (r *Relayer) call(ctx context.Context, method string, params any, metricLabel string) (*jsonrpc.Response, error) {
	req, err := jsonrpc.NewRequest(method, params)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	ch := make(chan *jsonrpc.Response, 1)
	r.pendingMu.Lock()
	r.pending[req.ID] = ch
	r.pendingMu.Unlock()
	defer func() {
		r.pendingMu.Lock()
		delete(r.pending, req.ID)
		r.pendingMu.Unlock()
	}()

	start := time.Now()
	if err := r.writeJSON(req); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		metrics.RelayMessageLatency.WithLabelValues(metricLabel).Observe(time.Since(start).Seconds())
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Relayer) writeJSON(v any) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.transport.WriteJSON(v)
}

// frame is the superset shape an inbound message can take: either a
// response to one of our own RPC calls, or a server-pushed request.
type frame struct {
	ID      int64           `json:"id,omitempty"`
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonrpc.Error  `json:"error,omitempty"`
}

type publishParams struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
	TTL     int64  `json:"ttl,omitempty"`
}

type subscribeParams struct {
	Topic string `json:"topic"`
}

type unsubscribeParams struct {
	ID string `json:"id"`
}

type subscriptionPushParams struct {
	ID   string `json:"id"`
	Data struct {
		Message string `json:"message"`
	} `json:"data"`
}

func (r *Relayer) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var f frame
		if err := r.transport.ReadJSON(&f); err != nil {
			logger.Warn("relay transport read failed, reconnecting", logger.Field{Key: "error", Value: err.Error()})
			r.failPending(err)
			if rerr := r.reconnectLoop(ctx); rerr != nil {
				return rerr
			}
			continue
		}
		r.dispatch(ctx, f)
	}
}

func (r *Relayer) dispatch(ctx context.Context, f frame) {
	if f.Method != "" && strings.HasSuffix(f.Method, "_subscription") {
		r.handlePush(ctx, f)
		return
	}

	r.pendingMu.Lock()
	ch, ok := r.pending[f.ID]
	r.pendingMu.Unlock()
	if !ok {
		return
	}

	resp := &jsonrpc.Response{ID: f.ID, JSONRPC: jsonrpc.Version, Result: f.Result, Error: f.Error}
	select {
	case ch <- resp:
	default:
	}
}

func (r *Relayer) handlePush(ctx context.Context, f frame) {
	var params subscriptionPushParams
	if err := json.Unmarshal(f.Params, &params); err != nil {
		logger.Warn("malformed subscription push", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	r.subsMu.RLock()
	topic, ok := r.subscriptions[params.ID]
	r.subsMu.RUnlock()
	if !ok {
		metrics.RelayInboundMessages.WithLabelValues("unknown_subscription").Inc()
		return
	}

	payload, err := r.openInbound(ctx, topic, params.Data.Message)
	if err != nil {
		metrics.RelayInboundMessages.WithLabelValues("decrypt_error").Inc()
		logger.Warn("failed to open inbound payload", logger.Field{Key: "topic", Value: topic}, logger.Field{Key: "error", Value: err.Error()})
		return
	}

	metrics.RelayInboundMessages.WithLabelValues("ok").Inc()
	r.bus.emit(Event{Type: EventMessage, Topic: topic, Payload: payload})

	ack, err := jsonrpc.NewResult(f.ID, true)
	if err != nil {
		return
	}
	_ = r.writeJSON(ack)
}

func (r *Relayer) failPending(err error) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	for id, ch := range r.pending {
		select {
		case ch <- jsonrpc.NewError(id, -32000, err.Error()):
		default:
		}
		delete(r.pending, id)
	}
}

func (r *Relayer) reconnectLoop(ctx context.Context) error {
	backoff := r.reconnect.Backoff
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := r.transport.Connect(ctx); err != nil {
			metrics.RelayReconnects.WithLabelValues("failure").Inc()
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > r.reconnect.MaxBackoff {
				backoff = r.reconnect.MaxBackoff
			}
			continue
		}

		metrics.RelayReconnects.WithLabelValues("success").Inc()
		r.bus.emit(Event{Type: EventReconnected})
		return nil
	}
}
