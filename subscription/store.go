// Package subscription implements the persisted, TTL-swept key-value
// store every sequence kind (pairing, session) keeps its pending and
// settled entries in.
package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/relaycore/wcrelay/internal/logger"
	"github.com/relaycore/wcrelay/internal/metrics"
	"github.com/relaycore/wcrelay/storage"
	"github.com/relaycore/wcrelay/wcerr"
)

// Expirable is the constraint every value type stored here must satisfy
// so the store can self-sweep expired entries.
type Expirable interface {
	ExpiresAt() time.Time
}

const heartbeatInterval = 5 * time.Second

// Store holds topic-keyed entries of type T, persists every mutation to
// a KVStore, and evicts expired entries on a 5-second heartbeat.
//
// Entries loaded from persistence on Restore sit in a cached buffer and
// are invisible to Get/Topics/Values/Length until Enable is called,
// matching the protocol's restore-then-enable startup sequence: nothing
// should observe restored state as "live" before the rest of the client
// (relayer, crypto controller) is ready to act on it.
type Store[T Expirable] struct {
	name      string
	keyPrefix string
	kv        storage.KVStore
	bus       *eventBus[T]

	mu      sync.RWMutex
	entries map[string]T
	cached  map[string]T
	enabled bool

	heartbeat *time.Ticker
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New creates a Store that persists under keyPrefix in kv. name is used
// only for metrics labels and log fields.
func New[T Expirable](name, keyPrefix string, kv storage.KVStore) *Store[T] {
	return &Store[T]{
		name:      name,
		keyPrefix: keyPrefix,
		kv:        kv,
		bus:       newEventBus[T](),
		entries:   make(map[string]T),
		cached:    make(map[string]T),
		stopCh:    make(chan struct{}),
	}
}

// On registers fn to run whenever evt fires.
func (s *Store[T]) On(evt EventType, fn func(Event[T])) {
	s.bus.on(evt, fn)
}

// Restore loads every persisted entry into the cached buffer. Entries
// whose TTL has already lapsed are deleted from persistence immediately
// and announced as EventDeleted with reason EXPIRED rather than carried
// forward into the live store.
func (s *Store[T]) Restore(ctx context.Context) error {
	keys, err := s.kv.List(ctx, s.keyPrefix)
	if err != nil {
		metrics.StoreRestoreErrors.WithLabelValues(s.name).Inc()
		return fmt.Errorf("failed to list persisted entries for %s: %w", s.name, err)
	}

	// Deferred before the unlock below, so it runs after the lock is
	// released and handlers may call back into the store.
	var dropped []Event[T]
	defer func() {
		for _, evt := range dropped {
			metrics.StoreEvents.WithLabelValues(s.name, string(EventDeleted)).Inc()
			s.bus.emit(evt)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, key := range keys {
		raw, err := s.kv.Get(ctx, key)
		if err != nil {
			metrics.StoreRestoreErrors.WithLabelValues(s.name).Inc()
			return fmt.Errorf("failed to load persisted entry %q: %w", key, err)
		}

		var value T
		if err := json.Unmarshal(raw, &value); err != nil {
			metrics.StoreRestoreErrors.WithLabelValues(s.name).Inc()
			return fmt.Errorf("failed to decode persisted entry %q: %w", key, err)
		}

		topic := key[len(s.keyPrefix):]
		if value.ExpiresAt().Before(now) {
			logger.Debug("dropping expired entry on restore", logger.Field{Key: "store", Value: s.name}, logger.Field{Key: "topic", Value: topic})
			_ = s.kv.Delete(ctx, key)
			dropped = append(dropped, Event[T]{Type: EventDeleted, Topic: topic, Value: value, Reason: string(wcerr.Expired)})
			continue
		}
		s.cached[topic] = value
	}
	return nil
}

// Enable promotes every cached entry into the live store, starts the
// heartbeat sweep, and emits EventEnabled.
func (s *Store[T]) Enable() {
	s.mu.Lock()
	for topic, value := range s.cached {
		s.entries[topic] = value
	}
	s.cached = make(map[string]T)
	s.enabled = true
	s.mu.Unlock()

	metrics.StoreEntries.WithLabelValues(s.name).Set(float64(s.Length()))
	metrics.StoreEvents.WithLabelValues(s.name, string(EventEnabled)).Inc()
	s.bus.emit(Event[T]{Type: EventEnabled})

	s.heartbeat = time.NewTicker(heartbeatInterval)
	go s.runHeartbeat()
}

// Set creates topic if absent, or updates it in place — per the
// protocol's tie-break, a duplicate topic on Set is an update, not an
// error.
func (s *Store[T]) Set(ctx context.Context, topic string, value T) error {
	s.mu.Lock()
	_, existed := s.entries[topic]
	s.entries[topic] = value
	s.mu.Unlock()

	if err := s.persist(ctx, topic, value); err != nil {
		return err
	}

	evt := EventCreated
	if existed {
		evt = EventUpdated
	}
	metrics.StoreEntries.WithLabelValues(s.name).Set(float64(s.Length()))
	metrics.StoreEvents.WithLabelValues(s.name, string(evt)).Inc()
	s.bus.emit(Event[T]{Type: evt, Topic: topic, Value: value})
	return nil
}

// Get returns the live entry for topic, if any.
func (s *Store[T]) Get(topic string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[topic]
	return v, ok
}

// Cached returns the restored-but-not-yet-enabled entry for topic. Once
// Enable has promoted the entry into the live store, Cached reports
// nothing for it.
func (s *Store[T]) Cached(topic string) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cached[topic]
	return v, ok
}

// Update applies fn to topic's current value and persists the result.
// Fails NO_MATCHING_TOPIC if topic isn't live.
func (s *Store[T]) Update(ctx context.Context, topic string, fn func(T) T) error {
	s.mu.Lock()
	current, ok := s.entries[topic]
	if !ok {
		s.mu.Unlock()
		return wcerr.New(wcerr.NoMatchingTopic, "no entry for topic %q", topic)
	}
	updated := fn(current)
	s.entries[topic] = updated
	s.mu.Unlock()

	if err := s.persist(ctx, topic, updated); err != nil {
		return err
	}
	metrics.StoreEvents.WithLabelValues(s.name, string(EventUpdated)).Inc()
	s.bus.emit(Event[T]{Type: EventUpdated, Topic: topic, Value: updated})
	return nil
}

// Delete removes topic from the live store and persistence. Fails
// NO_MATCHING_TOPIC if topic isn't live.
func (s *Store[T]) Delete(ctx context.Context, topic string) error {
	return s.DeleteWithReason(ctx, topic, "")
}

// DeleteWithReason is Delete plus a reason string carried on the
// EventDeleted event (e.g. "EXPIRED", a peer-supplied rejection reason).
func (s *Store[T]) DeleteWithReason(ctx context.Context, topic, reason string) error {
	s.mu.Lock()
	value, ok := s.entries[topic]
	if !ok {
		s.mu.Unlock()
		return wcerr.New(wcerr.NoMatchingTopic, "no entry for topic %q", topic)
	}
	delete(s.entries, topic)
	s.mu.Unlock()

	if err := s.kv.Delete(ctx, s.keyPrefix+topic); err != nil {
		return fmt.Errorf("failed to delete persisted entry %q: %w", topic, err)
	}

	metrics.StoreEntries.WithLabelValues(s.name).Set(float64(s.Length()))
	metrics.StoreEvents.WithLabelValues(s.name, string(EventDeleted)).Inc()
	s.bus.emit(Event[T]{Type: EventDeleted, Topic: topic, Value: value, Reason: reason})
	return nil
}

// Length returns the number of live entries.
func (s *Store[T]) Length() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Topics returns every live topic, in lexical order.
func (s *Store[T]) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topics := make([]string, 0, len(s.entries))
	for t := range s.entries {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Values returns every live entry, ordered by topic.
func (s *Store[T]) Values() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topics := make([]string, 0, len(s.entries))
	for t := range s.entries {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	values := make([]T, 0, len(topics))
	for _, t := range topics {
		values = append(values, s.entries[t])
	}
	return values
}

func (s *Store[T]) persist(ctx context.Context, topic string, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode entry %q: %w", topic, err)
	}
	if err := s.kv.Set(ctx, s.keyPrefix+topic, raw); err != nil {
		return fmt.Errorf("failed to persist entry %q: %w", topic, err)
	}
	return nil
}

func (s *Store[T]) runHeartbeat() {
	for {
		select {
		case <-s.heartbeat.C:
			s.sweepExpired()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store[T]) sweepExpired() {
	now := time.Now()

	s.mu.RLock()
	var expired []string
	for topic, value := range s.entries {
		if value.ExpiresAt().Before(now) {
			expired = append(expired, topic)
		}
	}
	s.mu.RUnlock()

	for _, topic := range expired {
		if err := s.DeleteWithReason(context.Background(), topic, string(wcerr.Expired)); err != nil {
			logger.Warn("failed to delete expired entry", logger.Field{Key: "store", Value: s.name}, logger.Field{Key: "topic", Value: topic}, logger.Field{Key: "error", Value: err.Error()})
			continue
		}
		logger.Debug("expired entry swept", logger.Field{Key: "store", Value: s.name}, logger.Field{Key: "topic", Value: topic})
	}

	metrics.StoreEvents.WithLabelValues(s.name, string(EventSync)).Inc()
}

// Close stops the heartbeat goroutine. Safe to call more than once.
func (s *Store[T]) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.heartbeat != nil {
			s.heartbeat.Stop()
		}
	})
	return nil
}
