package client

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaycore/wcrelay/config"
	"github.com/relaycore/wcrelay/relay"
	"github.com/relaycore/wcrelay/sequence"
	"github.com/relaycore/wcrelay/storage"
	"github.com/relaycore/wcrelay/storage/memory"
	"github.com/relaycore/wcrelay/storage/postgres"
)

// NewFromConfig builds a Client's storage and relay transport from a
// loaded config.Config, wiring its Relay, Pairing/Session TTL and
// Storage sections directly into the Client/Policy configuration that
// would otherwise need to be assembled by hand.
func NewFromConfig(ctx context.Context, cfg *config.Config, selfController bool, metadata *sequence.AppMetadata) (*Client, error) {
	kv, err := storeFromConfig(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	transport := relay.NewWSTransportWithTimeouts(cfg.Relay.URL, cfg.Relay.DialTimeout, 0, 0)

	return New(Config{
		Transport:      transport,
		Reconnect:      relay.ReconnectConfig{Backoff: cfg.Relay.ReconnectBackoff, MaxBackoff: cfg.Relay.MaxReconnectDelay},
		Store:          kv,
		SelfController: selfController,
		Metadata:       metadata,
		PairingTTLs:    TTLOverride{ProposalTTL: cfg.Pairing.ProposalTTL, SettledTTL: cfg.Pairing.SettledTTL},
		SessionTTLs:    TTLOverride{ProposalTTL: cfg.Session.ProposalTTL, SettledTTL: cfg.Session.SettledTTL},
	})
}

func storeFromConfig(ctx context.Context, cfg config.StorageConfig) (storage.KVStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return memory.New(), nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("client: failed to open postgres pool: %w", err)
		}
		store, err := postgres.NewStoreFromPool(ctx, pool)
		if err != nil {
			return nil, fmt.Errorf("client: failed to initialize postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("client: unknown storage backend %q", cfg.Backend)
	}
}
