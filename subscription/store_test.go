package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/relaycore/wcrelay/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEntry struct {
	Topic   string
	Expiry  time.Time
	Payload string
}

func (e testEntry) ExpiresAt() time.Time { return e.Expiry }

func newTestStore() *Store[testEntry] {
	return New[testEntry]("test", "wc@2:client//test:", memory.New())
}

func TestSetCreatesThenUpdates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.Enable()
	defer s.Close()

	var events []EventType
	s.On(EventCreated, func(e Event[testEntry]) { events = append(events, e.Type) })
	s.On(EventUpdated, func(e Event[testEntry]) { events = append(events, e.Type) })

	entry := testEntry{Topic: "t1", Expiry: time.Now().Add(time.Hour), Payload: "v1"}
	require.NoError(t, s.Set(ctx, "t1", entry))

	got, ok := s.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "v1", got.Payload)

	entry.Payload = "v2"
	require.NoError(t, s.Set(ctx, "t1", entry))

	got, ok = s.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "v2", got.Payload)

	assert.Equal(t, []EventType{EventCreated, EventUpdated}, events)
}

func TestUpdateMissingTopicFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.Enable()
	defer s.Close()

	err := s.Update(ctx, "missing", func(e testEntry) testEntry { return e })
	assert.Error(t, err)
}

func TestDeleteMissingTopicFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.Enable()
	defer s.Close()

	err := s.Delete(ctx, "missing")
	assert.Error(t, err)
}

func TestLengthTopicsValues(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.Enable()
	defer s.Close()

	require.NoError(t, s.Set(ctx, "b", testEntry{Topic: "b", Expiry: time.Now().Add(time.Hour)}))
	require.NoError(t, s.Set(ctx, "a", testEntry{Topic: "a", Expiry: time.Now().Add(time.Hour)}))

	assert.Equal(t, 2, s.Length())
	assert.Equal(t, []string{"a", "b"}, s.Topics())
	values := s.Values()
	require.Len(t, values, 2)
	assert.Equal(t, "a", values[0].Topic)
	assert.Equal(t, "b", values[1].Topic)
}

func TestRestoreStaysDisabledUntilEnable(t *testing.T) {
	ctx := context.Background()
	kv := memory.New()

	original := New[testEntry]("test", "wc@2:client//test:", kv)
	require.NoError(t, original.Set(ctx, "t1", testEntry{Topic: "t1", Expiry: time.Now().Add(time.Hour), Payload: "v1"}))
	// original never calls Enable; its Set() writes straight to entries
	// and persistence, simulating an already-settled topic from a prior run.

	restored := New[testEntry]("test", "wc@2:client//test:", kv)
	require.NoError(t, restored.Restore(ctx))

	_, liveOK := restored.Get("t1")
	assert.False(t, liveOK, "restored entries must not be live before Enable")

	cached, cachedOK := restored.Cached("t1")
	require.True(t, cachedOK)
	assert.Equal(t, "v1", cached.Payload)

	var enabledFired bool
	restored.On(EventEnabled, func(Event[testEntry]) { enabledFired = true })
	restored.Enable()
	defer restored.Close()

	assert.True(t, enabledFired)
	live, liveOK := restored.Get("t1")
	require.True(t, liveOK)
	assert.Equal(t, "v1", live.Payload)
}

func TestRestoreDropsAlreadyExpiredEntries(t *testing.T) {
	ctx := context.Background()
	kv := memory.New()

	original := New[testEntry]("test", "wc@2:client//test:", kv)
	require.NoError(t, original.Set(ctx, "expired", testEntry{Topic: "expired", Expiry: time.Now().Add(-time.Minute)}))
	require.NoError(t, original.Set(ctx, "fresh", testEntry{Topic: "fresh", Expiry: time.Now().Add(time.Hour)}))

	restored := New[testEntry]("test", "wc@2:client//test:", kv)
	require.NoError(t, restored.Restore(ctx))

	_, expiredCached := restored.Cached("expired")
	assert.False(t, expiredCached, "already-expired entries must be dropped on restore, not carried into cached")

	_, freshCached := restored.Cached("fresh")
	assert.True(t, freshCached)
}

func TestHeartbeatSweepsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore()
	s.Enable()
	defer s.Close()

	require.NoError(t, s.Set(ctx, "soon", testEntry{Topic: "soon", Expiry: time.Now().Add(50 * time.Millisecond)}))

	var deleted bool
	s.On(EventDeleted, func(e Event[testEntry]) {
		if e.Topic == "soon" {
			deleted = true
		}
	})

	assert.Eventually(t, func() bool {
		return deleted
	}, 7*time.Second, 100*time.Millisecond)
}
