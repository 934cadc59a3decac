package crypto

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/relaycore/wcrelay/storage"
)

const keychainKeyPrefix = "wc@2:client//keychain:"

// keychain is the topic -> symmetric key map the controller persists
// every mutation of, loaded once at construction time.
type keychain struct {
	mu    sync.RWMutex
	keys  map[string][]byte
	store storage.KVStore
}

func newKeychain(ctx context.Context, store storage.KVStore) (*keychain, error) {
	kc := &keychain{
		keys:  make(map[string][]byte),
		store: store,
	}

	topics, err := store.List(ctx, keychainKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list persisted keys: %w", err)
	}
	for _, k := range topics {
		raw, err := store.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("failed to load persisted key %q: %w", k, err)
		}
		key, err := hex.DecodeString(string(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to decode persisted key %q: %w", k, err)
		}
		kc.keys[k[len(keychainKeyPrefix):]] = key
	}
	return kc, nil
}

func (kc *keychain) has(topic string) bool {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	_, ok := kc.keys[topic]
	return ok
}

func (kc *keychain) get(topic string) ([]byte, bool) {
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	key, ok := kc.keys[topic]
	return key, ok
}

func (kc *keychain) set(ctx context.Context, topic string, key []byte) error {
	kc.mu.Lock()
	kc.keys[topic] = key
	kc.mu.Unlock()

	return kc.store.Set(ctx, keychainKeyPrefix+topic, []byte(hex.EncodeToString(key)))
}

func (kc *keychain) delete(ctx context.Context, topic string) error {
	kc.mu.Lock()
	_, existed := kc.keys[topic]
	delete(kc.keys, topic)
	kc.mu.Unlock()

	if !existed {
		return ErrKeyNotFound
	}
	return kc.store.Delete(ctx, keychainKeyPrefix+topic)
}

func (kc *keychain) topics() []string {
	kc.mu.RLock()
	defer kc.mu.RUnlock()

	out := make([]string, 0, len(kc.keys))
	for t := range kc.keys {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
