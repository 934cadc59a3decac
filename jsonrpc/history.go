package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/relaycore/wcrelay/internal/logger"
	"github.com/relaycore/wcrelay/internal/metrics"
	"github.com/relaycore/wcrelay/storage"
	"github.com/relaycore/wcrelay/wcerr"
)

const (
	historyKeyPrefix = "wc@2:client//jsonrpc:history:"
	historyTTL       = 5 * time.Minute
	historySweep     = 30 * time.Second
)

// Entry records an outgoing request awaiting a matching response.
type Entry struct {
	Topic   string          `json:"topic"`
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload"`
	ChainID string          `json:"chainId,omitempty"`
	Expiry  time.Time       `json:"expiry"`
}

// History maps request id -> Entry, persisted so in-flight requests
// survive a client restart, matching spec.md §4.5.
type History struct {
	mu      sync.RWMutex
	entries map[int64]Entry
	store   storage.KVStore

	sweeper  *time.Ticker
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHistory loads persisted entries from store and starts the TTL
// sweeper. Entries whose TTL already lapsed are dropped immediately.
func NewHistory(ctx context.Context, store storage.KVStore) (*History, error) {
	h := &History{
		entries: make(map[int64]Entry),
		store:   store,
		stopCh:  make(chan struct{}),
	}

	keys, err := store.List(ctx, historyKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list persisted history: %w", err)
	}

	now := time.Now()
	for _, key := range keys {
		raw, err := store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to load persisted history entry %q: %w", key, err)
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode persisted history entry %q: %w", key, err)
		}
		id, err := strconv.ParseInt(key[len(historyKeyPrefix):], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse persisted history id %q: %w", key, err)
		}
		if entry.Expiry.Before(now) {
			_ = store.Delete(ctx, key)
			continue
		}
		h.entries[id] = entry
	}

	metrics.StoreEntries.WithLabelValues("history").Set(float64(len(h.entries)))
	h.sweeper = time.NewTicker(historySweep)
	go h.runSweeper()
	return h, nil
}

// Set records a new in-flight request, persisting it under id.
func (h *History) Set(ctx context.Context, id int64, topic, method string, payload json.RawMessage, chainID string) error {
	entry := Entry{
		Topic:   topic,
		Method:  method,
		Payload: payload,
		ChainID: chainID,
		Expiry:  time.Now().Add(historyTTL),
	}

	h.mu.Lock()
	h.entries[id] = entry
	h.mu.Unlock()

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode history entry: %w", err)
	}
	if err := h.store.Set(ctx, historyKey(id), raw); err != nil {
		return fmt.Errorf("failed to persist history entry: %w", err)
	}
	metrics.StoreEvents.WithLabelValues("history", "created").Inc()
	metrics.StoreEntries.WithLabelValues("history").Set(float64(h.len()))
	return nil
}

// Get returns the in-flight entry for id, if any.
func (h *History) Get(id int64) (Entry, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.entries[id]
	return e, ok
}

// Delete removes id, typically once its matching response has arrived.
// Fails NO_MATCHING_RESPONSE if id has no in-flight entry.
func (h *History) Delete(ctx context.Context, id int64) error {
	h.mu.Lock()
	_, ok := h.entries[id]
	delete(h.entries, id)
	h.mu.Unlock()

	if !ok {
		return wcerr.New(wcerr.NoMatchingResponse, "no pending request for id %d", id)
	}
	if err := h.store.Delete(ctx, historyKey(id)); err != nil {
		return fmt.Errorf("failed to delete persisted history entry: %w", err)
	}
	metrics.StoreEvents.WithLabelValues("history", "deleted").Inc()
	metrics.StoreEntries.WithLabelValues("history").Set(float64(h.len()))
	return nil
}

func (h *History) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

func (h *History) runSweeper() {
	for {
		select {
		case <-h.sweeper.C:
			h.sweepExpired()
		case <-h.stopCh:
			return
		}
	}
}

func (h *History) sweepExpired() {
	now := time.Now()

	h.mu.RLock()
	var expired []int64
	for id, entry := range h.entries {
		if entry.Expiry.Before(now) {
			expired = append(expired, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range expired {
		if err := h.Delete(context.Background(), id); err != nil {
			logger.Warn("failed to purge expired history entry", logger.Field{Key: "id", Value: id}, logger.Field{Key: "error", Value: err.Error()})
		}
	}
}

// Close stops the sweeper goroutine. Safe to call more than once.
func (h *History) Close() error {
	h.stopOnce.Do(func() {
		close(h.stopCh)
		if h.sweeper != nil {
			h.sweeper.Stop()
		}
	})
	return nil
}

func historyKey(id int64) string {
	return historyKeyPrefix + strconv.FormatInt(id, 10)
}
