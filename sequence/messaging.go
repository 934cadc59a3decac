package sequence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaycore/wcrelay/internal/metrics"
	"github.com/relaycore/wcrelay/jsonrpc"
	"github.com/relaycore/wcrelay/wcerr"
)

// RequestParams configures Request.
type RequestParams struct {
	Topic   string
	Request RPCCall
	ChainID string
}

// Request forwards an RPCCall to the peer over topic's settled
// channel, enforcing method (and, for sessions, chain) permissions
// locally before any message is sent, per spec.md §4.4 and the
// chain-id enforcement called for by §9's open questions.
func (e *Engine[S]) Request(ctx context.Context, p RequestParams) (json.RawMessage, error) {
	cur, ok := e.settled.Get(p.Topic)
	if !ok {
		return nil, wcerr.New(wcerr.NoMatchingTopic, "no settled sequence for topic %q", p.Topic)
	}
	if !containsString(cur.Permissions.JSONRPC.Methods, p.Request.Method) {
		return nil, wcerr.New(wcerr.UnauthorizedJSONRPCMethod, "method %q not permitted on topic %q", p.Request.Method, p.Topic)
	}
	if p.ChainID != "" {
		if cur.Permissions.Blockchain == nil || !containsString(cur.Permissions.Blockchain.Chains, p.ChainID) {
			return nil, wcerr.New(wcerr.UnauthorizedTargetChain, "chain %q not permitted on topic %q", p.ChainID, p.Topic)
		}
	}

	payload, err := json.Marshal(p.Request)
	if err != nil {
		return nil, err
	}
	req, err := jsonrpc.NewRequest(e.policy.MethodNamespace+"Payload", p.Request)
	if err != nil {
		return nil, err
	}

	if err := e.history.Set(ctx, req.ID, p.Topic, p.Request.Method, payload, p.ChainID); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := e.call(ctx, p.Topic, req)
	metrics.SequenceRequestDuration.Observe(time.Since(start).Seconds())
	_ = e.history.Delete(ctx, req.ID)

	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("peer returned JSON-RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

func (e *Engine[S]) handlePayload(ctx context.Context, topic string, env envelope) {
	if _, ok := e.settled.Get(topic); !ok {
		return
	}
	var call RPCCall
	if err := json.Unmarshal(env.Params, &call); err != nil {
		return
	}
	e.bus.emit(Event[S]{Type: EventRequest, Topic: topic, RequestID: env.ID, Call: &call})
}

// Send replies to a forwarded request with a raw JSON-RPC result or
// error, per spec.md §4.4's "no permission check (responses are
// always allowed)".
func (e *Engine[S]) Send(ctx context.Context, topic string, id int64, result any, rpcErr *jsonrpc.Error) error {
	var resp *jsonrpc.Response
	if rpcErr != nil {
		resp = jsonrpc.NewError(id, rpcErr.Code, rpcErr.Message)
	} else {
		r, err := jsonrpc.NewResult(id, result)
		if err != nil {
			return err
		}
		resp = r
	}
	return e.publishResponse(ctx, topic, resp)
}

// NotifyParams configures Notify.
type NotifyParams struct {
	Topic        string
	Notification Notification
}

// Notify enforces notification.type ∈ permissions locally, broadcasts
// the notification, and waits for the peer's ack.
func (e *Engine[S]) Notify(ctx context.Context, p NotifyParams) error {
	cur, ok := e.settled.Get(p.Topic)
	if !ok {
		return wcerr.New(wcerr.NoMatchingTopic, "no settled sequence for topic %q", p.Topic)
	}
	if !containsString(cur.Permissions.Notifications.Types, p.Notification.Type) {
		return wcerr.New(wcerr.UnauthorizedNotificationType, "notification type %q not permitted on topic %q", p.Notification.Type, p.Topic)
	}

	req, err := jsonrpc.NewRequest(e.policy.MethodNamespace+"Notification", p.Notification)
	if err != nil {
		return err
	}

	resp, err := e.call(ctx, p.Topic, req)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("peer rejected notification: %s", resp.Error.Message)
	}
	return nil
}

func (e *Engine[S]) handleNotification(ctx context.Context, topic string, env envelope) {
	if _, ok := e.settled.Get(topic); !ok {
		return
	}
	var notif Notification
	if err := json.Unmarshal(env.Params, &notif); err != nil {
		return
	}
	if ack, err := jsonrpc.NewResult(env.ID, true); err == nil {
		_ = e.publishResponse(ctx, topic, ack)
	}
	e.bus.emit(Event[S]{Type: EventNotification, Topic: topic, Notification: &notif})
}

// Ping sends a JSON-RPC ping over topic and waits for the ack, bounded
// by timeout (or the engine's default request timeout if zero).
func (e *Engine[S]) Ping(ctx context.Context, topic string, timeout time.Duration) error {
	if _, ok := e.settled.Get(topic); !ok {
		return wcerr.New(wcerr.NoMatchingTopic, "no settled sequence for topic %q", topic)
	}

	req, err := jsonrpc.NewRequest(e.policy.MethodNamespace+"Ping", struct{}{})
	if err != nil {
		return err
	}

	pingCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := e.call(pingCtx, topic, req)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("ping failed: %s", resp.Error.Message)
	}
	return nil
}

func (e *Engine[S]) handlePing(ctx context.Context, topic string, env envelope) {
	if _, ok := e.settled.Get(topic); !ok {
		return
	}
	if ack, err := jsonrpc.NewResult(env.ID, true); err == nil {
		_ = e.publishResponse(ctx, topic, ack)
	}
}
