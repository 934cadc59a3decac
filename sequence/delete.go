package sequence

import (
	"context"
	"encoding/json"

	"github.com/relaycore/wcrelay/jsonrpc"
	"github.com/relaycore/wcrelay/relay"
	"github.com/relaycore/wcrelay/wcerr"
)

// DeleteParams configures Delete.
type DeleteParams struct {
	Topic  string
	Reason string
}

type deleteBody struct {
	Reason string `json:"reason"`
}

// Delete best-effort broadcasts a delete{reason} to the peer, then
// unconditionally tears down local state (settled entry, keychain
// entry, subscription — handled by onSettledDeleted reacting to the
// store's own deleted event), per spec.md §4.4. Works for either a
// settled sequence or a still-pending proposal (cancellation).
func (e *Engine[S]) Delete(ctx context.Context, p DeleteParams) error {
	if _, ok := e.settled.Get(p.Topic); ok {
		req, err := jsonrpc.NewRequest(e.policy.MethodNamespace+"Delete", deleteBody{Reason: p.Reason})
		if err == nil {
			_ = e.publishRequest(ctx, p.Topic, req)
		}
		return e.settled.DeleteWithReason(ctx, p.Topic, p.Reason)
	}

	if pend, ok := e.pending.Get(p.Topic); ok {
		_ = e.pending.DeleteWithReason(ctx, p.Topic, p.Reason)
		_ = e.relayer.Unsubscribe(ctx, p.Topic, relay.UnsubscribeOptions{Relay: pend.Relay})
		return nil
	}

	return wcerr.New(wcerr.NoMatchingTopic, "no sequence for topic %q", p.Topic)
}

func (e *Engine[S]) handleDelete(ctx context.Context, topic string, env envelope) {
	if _, ok := e.settled.Get(topic); !ok {
		return
	}
	var body deleteBody
	_ = json.Unmarshal(env.Params, &body)
	_ = e.settled.DeleteWithReason(ctx, topic, body.Reason)
}
