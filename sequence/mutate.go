package sequence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaycore/wcrelay/internal/metrics"
	"github.com/relaycore/wcrelay/jsonrpc"
	"github.com/relaycore/wcrelay/wcerr"
)

// UpgradeParams configures Upgrade.
type UpgradeParams struct {
	Topic       string
	Permissions Permissions
}

type upgradeBody struct {
	Permissions Permissions `json:"permissions"`
}

// Upgrade merges proposed permissions into topic's settled permissions
// (union, never removing), broadcasts the upgrade, and waits for the
// peer's ack per spec.md §4.4. Only the controller may upgrade; the
// sender applies optimistically and rolls back on rejection/timeout.
func (e *Engine[S]) Upgrade(ctx context.Context, p UpgradeParams) error {
	cur, ok := e.settled.Get(p.Topic)
	if !ok {
		return wcerr.New(wcerr.NoMatchingTopic, "no settled sequence for topic %q", p.Topic)
	}
	if cur.Permissions.Controller.PublicKey != cur.Self.PublicKey {
		return wcerr.New(wcerr.UnauthorizedMatchingController, "only the controller may upgrade topic %q", p.Topic)
	}

	merged := mergePermissions(cur.Permissions, p.Permissions)
	updated := cur
	updated.Permissions = merged
	if err := e.settled.Update(ctx, p.Topic, func(Settled[S]) Settled[S] { return updated }); err != nil {
		return err
	}

	req, err := jsonrpc.NewRequest(e.policy.MethodNamespace+"Upgrade", upgradeBody{Permissions: p.Permissions})
	if err != nil {
		return err
	}

	resp, err := e.call(ctx, p.Topic, req)
	if err != nil {
		_ = e.settled.Update(ctx, p.Topic, func(Settled[S]) Settled[S] { return cur })
		return err
	}
	if resp.IsError() {
		_ = e.settled.Update(ctx, p.Topic, func(Settled[S]) Settled[S] { return cur })
		return fmt.Errorf("peer rejected upgrade: %s", resp.Error.Message)
	}

	metrics.SequenceUpgrades.WithLabelValues(e.policy.Kind).Inc()
	e.bus.emit(Event[S]{Type: EventUpgraded, Topic: p.Topic, Settled: &updated})
	return nil
}

func (e *Engine[S]) handleUpgrade(ctx context.Context, topic string, env envelope) {
	cur, ok := e.settled.Get(topic)
	if !ok {
		return
	}
	var body upgradeBody
	if err := json.Unmarshal(env.Params, &body); err != nil {
		return
	}

	updated := cur
	updated.Permissions = mergePermissions(cur.Permissions, body.Permissions)
	if err := e.settled.Update(ctx, topic, func(Settled[S]) Settled[S] { return updated }); err != nil {
		return
	}

	metrics.SequenceUpgrades.WithLabelValues(e.policy.Kind).Inc()
	if ack, err := jsonrpc.NewResult(env.ID, true); err == nil {
		_ = e.publishResponse(ctx, topic, ack)
	}
	e.bus.emit(Event[S]{Type: EventUpgraded, Topic: topic, Settled: &updated})
}

// UpdateParams configures Update.
type UpdateParams struct {
	Topic string
	State S
}

type updateBody struct {
	State json.RawMessage `json:"state"`
}

// Update shallow-merges State into topic's settled state per the
// policy's AllowedUpdateKeys, broadcasts the update, and waits for ack.
func (e *Engine[S]) Update(ctx context.Context, p UpdateParams) error {
	cur, ok := e.settled.Get(p.Topic)
	if !ok {
		return wcerr.New(wcerr.NoMatchingTopic, "no settled sequence for topic %q", p.Topic)
	}
	if e.policy.RequireControllerForUpdate && cur.Permissions.Controller.PublicKey != cur.Self.PublicKey {
		return wcerr.New(wcerr.UnauthorizedMatchingController, "only the controller may update topic %q", p.Topic)
	}

	patchRaw, err := json.Marshal(p.State)
	if err != nil {
		return err
	}
	merged, err := e.policy.mergeState(cur.State, patchRaw)
	if err != nil {
		return err
	}

	updated := cur
	updated.State = merged
	if err := e.settled.Update(ctx, p.Topic, func(Settled[S]) Settled[S] { return updated }); err != nil {
		return err
	}

	req, err := jsonrpc.NewRequest(e.policy.MethodNamespace+"Update", updateBody{State: patchRaw})
	if err != nil {
		return err
	}

	resp, err := e.call(ctx, p.Topic, req)
	if err != nil {
		_ = e.settled.Update(ctx, p.Topic, func(Settled[S]) Settled[S] { return cur })
		return err
	}
	if resp.IsError() {
		_ = e.settled.Update(ctx, p.Topic, func(Settled[S]) Settled[S] { return cur })
		return fmt.Errorf("peer rejected update: %s", resp.Error.Message)
	}

	metrics.SequenceUpdates.WithLabelValues(e.policy.Kind).Inc()
	e.bus.emit(Event[S]{Type: EventUpdated, Topic: p.Topic, Settled: &updated})
	return nil
}

func (e *Engine[S]) handleUpdate(ctx context.Context, topic string, env envelope) {
	cur, ok := e.settled.Get(topic)
	if !ok {
		return
	}
	var body updateBody
	if err := json.Unmarshal(env.Params, &body); err != nil {
		return
	}

	merged, err := e.policy.mergeState(cur.State, body.State)
	if err != nil {
		return
	}
	updated := cur
	updated.State = merged
	if err := e.settled.Update(ctx, topic, func(Settled[S]) Settled[S] { return updated }); err != nil {
		return
	}

	metrics.SequenceUpdates.WithLabelValues(e.policy.Kind).Inc()
	if ack, err := jsonrpc.NewResult(env.ID, true); err == nil {
		_ = e.publishResponse(ctx, topic, ack)
	}
	e.bus.emit(Event[S]{Type: EventUpdated, Topic: topic, Settled: &updated})
}
