package sequence_test

import (
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaycore/wcrelay/crypto"
	"github.com/relaycore/wcrelay/jsonrpc"
	"github.com/relaycore/wcrelay/relay"
	"github.com/relaycore/wcrelay/sequence"
	"github.com/relaycore/wcrelay/storage/memory"
	"github.com/relaycore/wcrelay/subscription"
)

// fakeBroker is an in-memory stand-in for the relay server itself: it
// understands the same <protocol>_publish/_subscribe/_unsubscribe RPCs
// the real waku relay does, and fans published messages out to every
// subscriber of a topic, across as many brokerTransport connections as
// tests wire up. This is what lets two independent Engine instances
// (proposer and responder) talk to each other the way they would over a
// real relay, without a network.
type fakeBroker struct {
	mu      sync.Mutex
	nextSub int
	subs    map[string]map[string]*brokerTransport // topic -> subID -> conn
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: make(map[string]map[string]*brokerTransport)}
}

func (b *fakeBroker) connect() *brokerTransport {
	return &brokerTransport{broker: b, inbound: make(chan []byte, 256)}
}

func (b *fakeBroker) deliver(t *brokerTransport, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case t.inbound <- raw:
	default:
	}
}

func (b *fakeBroker) handle(from *brokerTransport, id int64, method string, params json.RawMessage) {
	switch {
	case strings.HasSuffix(method, "_publish"):
		var p struct {
			Topic   string `json:"topic"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(params, &p)

		b.mu.Lock()
		subs := make([]*brokerTransport, 0, len(b.subs[p.Topic]))
		ids := make([]string, 0, len(b.subs[p.Topic]))
		for subID, conn := range b.subs[p.Topic] {
			subs = append(subs, conn)
			ids = append(ids, subID)
		}
		b.mu.Unlock()

		for i, conn := range subs {
			pushID := b.nextID()
			b.deliver(conn, struct {
				ID     int64  `json:"id"`
				Method string `json:"method"`
				Params struct {
					ID   string `json:"id"`
					Data struct {
						Message string `json:"message"`
					} `json:"data"`
				} `json:"params"`
			}{
				ID:     pushID,
				Method: "waku_subscription",
				Params: struct {
					ID   string `json:"id"`
					Data struct {
						Message string `json:"message"`
					} `json:"data"`
				}{ID: ids[i], Data: struct {
					Message string `json:"message"`
				}{Message: p.Message}},
			})
		}

		b.deliver(from, struct {
			ID     int64 `json:"id"`
			Result bool  `json:"result"`
		}{ID: id, Result: true})

	case strings.HasSuffix(method, "_subscribe"):
		var p struct {
			Topic string `json:"topic"`
		}
		_ = json.Unmarshal(params, &p)

		b.mu.Lock()
		b.nextSub++
		subID := "sub-" + strconv.Itoa(b.nextSub)
		if b.subs[p.Topic] == nil {
			b.subs[p.Topic] = make(map[string]*brokerTransport)
		}
		b.subs[p.Topic][subID] = from
		b.mu.Unlock()

		b.deliver(from, struct {
			ID     int64  `json:"id"`
			Result string `json:"result"`
		}{ID: id, Result: subID})

	case strings.HasSuffix(method, "_unsubscribe"):
		var p struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(params, &p)

		b.mu.Lock()
		for topic, subs := range b.subs {
			delete(subs, p.ID)
			if len(subs) == 0 {
				delete(b.subs, topic)
			}
		}
		b.mu.Unlock()

		b.deliver(from, struct {
			ID     int64 `json:"id"`
			Result bool  `json:"result"`
		}{ID: id, Result: true})

	default:
		b.deliver(from, struct {
			ID     int64 `json:"id"`
			Result bool  `json:"result"`
		}{ID: id, Result: true})
	}
}

func (b *fakeBroker) nextID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	return int64(b.nextSub)
}

// brokerTransport implements relay.Transport over a fakeBroker.
type brokerTransport struct {
	broker  *fakeBroker
	inbound chan []byte

	mu     sync.Mutex
	closed bool
}

func (t *brokerTransport) Connect(context.Context) error { return nil }

func (t *brokerTransport) WriteJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var req struct {
		ID     int64           `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	t.broker.handle(t, req.ID, req.Method, req.Params)
	return nil
}

func (t *brokerTransport) ReadJSON(v any) error {
	raw, ok := <-t.inbound
	if !ok {
		return io.EOF
	}
	return json.Unmarshal(raw, v)
}

func (t *brokerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		close(t.inbound)
		t.closed = true
	}
	return nil
}

// party bundles everything one side of a handshake needs: its own
// storage, crypto controller, relayer, and a single instantiated
// Engine, mirroring what the Client facade wires per sequence kind.
type party[S any] struct {
	Engine  *sequence.Engine[S]
	Crypto  *crypto.Controller
	Relayer *relay.Relayer
	Pending *subscription.Store[sequence.Pending]
	Settled *subscription.Store[sequence.Settled[S]]
}

func newParty[S any](t *testing.T, broker *fakeBroker, policy sequence.Policy[S], selfController bool) *party[S] {
	t.Helper()
	ctx := context.Background()

	kv := memory.New()
	cryptoCtrl, err := crypto.NewController(ctx, kv)
	require.NoError(t, err)

	transport := broker.connect()
	relayer := relay.New(transport, cryptoCtrl, relay.ReconnectConfig{})
	require.NoError(t, relayer.Init(ctx))
	t.Cleanup(func() { _ = relayer.Close() })

	pending := subscription.New[sequence.Pending]("pending", "pending:"+policy.Kind+":", kv)
	pending.Enable()
	t.Cleanup(func() { _ = pending.Close() })

	settled := subscription.New[sequence.Settled[S]]("settled", "settled:"+policy.Kind+":", kv)
	settled.Enable()
	t.Cleanup(func() { _ = settled.Close() })

	history, err := jsonrpc.NewHistory(ctx, kv)
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })

	engine := sequence.NewEngine(policy, selfController, pending, settled, relayer, cryptoCtrl, history)
	return &party[S]{Engine: engine, Crypto: cryptoCtrl, Relayer: relayer, Pending: pending, Settled: settled}
}
